package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/shardkv/internal/index"
	"github.com/dreamware/shardkv/internal/sequencer"
)

func TestToFromWireWriteOpsRoundTrip(t *testing.T) {
	writes := []index.WriteOp{
		{Key: "a", Value: []byte("1"), IsInsert: true},
		{Key: "b", Delete: true},
		{Key: "c", Value: []byte("2"), ExpectedOld: []byte("1"), HasExpectedOld: true},
	}
	wire := ToWireWriteOps(writes)
	require := assert.New(t)
	require.Len(wire, 3)
	require.Equal("a", wire[0].Key)
	require.True(wire[0].IsInsert)
	require.True(wire[2].HasExpectedOld)

	back := FromWireWriteOps(wire)
	require.Len(back, 3)
	for i := range writes {
		assert.Equal(t, writes[i].Key, back[i].Key)
		assert.Equal(t, writes[i].Value, back[i].Value)
		assert.Equal(t, writes[i].Delete, back[i].Delete)
		assert.Equal(t, writes[i].IsInsert, back[i].IsInsert)
		assert.Equal(t, writes[i].ExpectedOld, back[i].ExpectedOld)
		assert.Equal(t, writes[i].HasExpectedOld, back[i].HasExpectedOld)
		assert.Nil(t, back[i].Cmp, "Cmp is not wire-transmissible and must not survive the round trip")
	}
}

func TestToFromWirePiecesRoundTrip(t *testing.T) {
	pieces := []sequencer.Piece{
		{PartitionID: 1, CmdID: 7, Payload: []byte("p1"), Slot: 3},
		{PartitionID: 2, CmdID: 8, Payload: []byte("p2"), Slot: 4},
	}
	wire := ToWirePieces(pieces)
	assert.Len(t, wire, 2)
	assert.Equal(t, 1, wire[0].PartitionID)
	assert.Equal(t, uint64(7), wire[0].CmdID)

	back := FromWirePieces(wire)
	assert.Equal(t, pieces, back)
}
