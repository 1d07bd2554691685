package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeDefaults(t *testing.T) {
	n, err := ParseNode(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n.NShards)
	assert.Equal(t, 0, n.ShardIdx)
	assert.Equal(t, 8, n.NThreads)
	assert.Equal(t, 1, n.NPartitions)
	assert.Equal(t, "shardkv", n.PaxosProcName)
	assert.True(t, n.IsReplicated)
	assert.Equal(t, ":7070", n.Listen)
}

func TestParseNodeOverrides(t *testing.T) {
	n, err := ParseNode([]string{
		"--n_shards=3",
		"--shard_idx=2",
		"--n_partitions=4",
		"--listen=:9090",
		"--coordinator_addr=http://coord:8080",
		"--is_replicated=false",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n.NShards)
	assert.Equal(t, 2, n.ShardIdx)
	assert.Equal(t, 4, n.NPartitions)
	assert.Equal(t, ":9090", n.Listen)
	assert.Equal(t, "http://coord:8080", n.CoordAddr)
	assert.False(t, n.IsReplicated)
}

func TestParseNodeRejectsBadShardIdx(t *testing.T) {
	_, err := ParseNode([]string{"--n_shards=2", "--shard_idx=2"})
	assert.Error(t, err)

	_, err = ParseNode([]string{"--n_shards=2", "--shard_idx=-1"})
	assert.Error(t, err)
}

func TestParseNodeRejectsNonPositiveShardsOrPartitions(t *testing.T) {
	_, err := ParseNode([]string{"--n_shards=0"})
	assert.Error(t, err)

	_, err = ParseNode([]string{"--n_partitions=0"})
	assert.Error(t, err)
}

func TestParseNodeRejectsUnknownFlag(t *testing.T) {
	_, err := ParseNode([]string{"--not-a-flag"})
	assert.Error(t, err)
}

func TestParseCoordinatorDefaults(t *testing.T) {
	c, err := ParseCoordinator(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.NShards)
	assert.Equal(t, ":8080", c.Listen)
}

func TestParseCoordinatorRejectsNonPositiveShards(t *testing.T) {
	_, err := ParseCoordinator([]string{"--n_shards=-3"})
	assert.Error(t, err)
}
