package rpc

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/kverrors"
)

func TestEncodeDecodeErrorRoundTrip(t *testing.T) {
	cases := []error{
		kverrors.ErrConflict,
		kverrors.ErrTimeout,
		kverrors.ErrNotConnected,
		kverrors.ErrSafetyFail,
		kverrors.ErrConfig,
		kverrors.ErrProtocol,
		kverrors.ErrBusy,
		kverrors.ErrKeyNotFound,
		kverrors.ErrCorrupt,
		kverrors.ErrAborted,
		kverrors.ErrNotLeader,
		kverrors.ErrUnknownShard,
	}
	for _, want := range cases {
		code := EncodeError(want)
		assert.NotEqual(t, ErrOK, code)
		got := DecodeError(code, want.Error())
		assert.ErrorIs(t, got, want)
	}
}

func TestEncodeErrorNilIsOK(t *testing.T) {
	assert.Equal(t, ErrOK, EncodeError(nil))
	assert.NoError(t, DecodeError(ErrOK, ""))
}

func TestDecodeErrorUnknownCodeIsPlainError(t *testing.T) {
	err := DecodeError(ErrorCode(999), "mystery")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestDecodeErrorPreservesMessage(t *testing.T) {
	err := DecodeError(ErrCodeConflict, "key k1 held by xid 7")
	require.Error(t, err)
	assert.ErrorIs(t, err, kverrors.ErrConflict)
	assert.Contains(t, err.Error(), "key k1 held by xid 7")
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writeFrame(w, 42, RPCGet, []byte("payload")))

	r := bufio.NewReader(&buf)
	xid, rpcID, body, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), xid)
	assert.Equal(t, RPCGet, rpcID)
	assert.Equal(t, []byte("payload"), body)
}

func TestReadFrameRejectsOversizedPacket(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writeFrame(w, 1, RPCGet, nil))

	// corrupt packet_size to exceed frameHeaderMax
	raw := buf.Bytes()
	raw[0], raw[1], raw[2], raw[3] = 0xff, 0xff, 0xff, 0x7f

	r := bufio.NewReader(bytes.NewReader(raw))
	_, _, _, err := readFrame(r)
	assert.ErrorIs(t, err, kverrors.ErrProtocol)
}

func TestEncodeDecodeBodyRoundTrip(t *testing.T) {
	in := GetRequest{TargetServerID: 3, Key: "k1", Epoch: 2}
	body, err := encodeBody(in)
	require.NoError(t, err)

	var out GetRequest
	require.NoError(t, decodeBody(body, &out))
	assert.Equal(t, in, out)
}
