package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/config"
)

func TestGlobalPartitionID(t *testing.T) {
	cfg := &config.Node{NPartitions: 4}

	assert.Equal(t, 0, globalPartitionID(cfg, 0, 0))
	assert.Equal(t, 3, globalPartitionID(cfg, 0, 3))
	assert.Equal(t, 4, globalPartitionID(cfg, 1, 0))
	assert.Equal(t, 9, globalPartitionID(cfg, 2, 1))
}

func TestHTTPControlAddr(t *testing.T) {
	cases := []struct {
		listen string
		want   string
	}{
		{"127.0.0.1:7070", "127.0.0.1:8070"},
		{":7070", ":8070"},
		{"node1:9000", "node1:10000"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, httpControlAddr(tc.listen))
	}
}

func TestHTTPControlAddrMalformed(t *testing.T) {
	assert.Equal(t, ":0", httpControlAddr("not-a-host-port"))
}

func TestBuildNodeSinglePartition(t *testing.T) {
	cfg := &config.Node{
		NShards:       1,
		ShardIdx:      0,
		NThreads:      2,
		NPartitions:   1,
		PaxosProcName: "test",
		IsReplicated:  false,
		DataDir:       t.TempDir(),
	}
	rt := testRuntime(t)

	n, err := buildNode(cfg, rt)
	require.NoError(t, err)
	defer n.closeWALs()

	assert.Len(t, n.shards, 1)
	assert.Len(t, n.partitions, 1)
	assert.Len(t, n.rafts, 1)
	assert.NotNil(t, n.seqRaft, "shard 0 hosts global partition 0's sequencer log")

	gid := globalPartitionID(cfg, 0, 0)
	assert.Contains(t, n.shards, gid)
	assert.Contains(t, n.rafts, gid)
}

func TestBuildNodeNonZeroShardHasNoSequencerRaft(t *testing.T) {
	cfg := &config.Node{
		NShards:       2,
		ShardIdx:      1,
		NThreads:      2,
		NPartitions:   2,
		PaxosProcName: "test",
		IsReplicated:  true,
		DataDir:       t.TempDir(),
	}
	rt := testRuntime(t)

	n, err := buildNode(cfg, rt)
	require.NoError(t, err)
	defer n.closeWALs()

	assert.Nil(t, n.seqRaft, "only the shard hosting global partition 0 runs the sequencer log")
	assert.Equal(t, 2, globalPartitionID(cfg, 1, 0))
	assert.Contains(t, n.shards, 2)
	assert.Contains(t, n.shards, 3)
}

func TestExchangePeersExcludesSelf(t *testing.T) {
	cfg := &config.Node{NShards: 3, ShardIdx: 1, NPartitions: 1, DataDir: t.TempDir(), PaxosProcName: "test"}
	rt := testRuntime(t)
	n, err := buildNode(cfg, rt)
	require.NoError(t, err)
	defer n.closeWALs()

	peers := n.exchangePeers()
	assert.Len(t, peers, 2)
	assert.NotContains(t, peers, globalPartitionID(cfg, 1, 0))
}
