// Package config parses the process-startup flags every shardkv binary
// needs (SPEC_FULL.md §2.1): shard/partition topology, replication mode,
// and network addresses. It deliberately does not read a declarative
// config file or manifest format — spec.md's Non-goals exclude a
// configuration DSL, and the ambient-stack section of SPEC_FULL.md scopes
// this package to "just enough to start a process".
package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Node holds the flags a shardkv node process needs (cmd/node).
type Node struct {
	NShards       int    // total number of shards in the cluster
	ShardIdx      int    // this process's shard index, 0-based
	NThreads      int    // worker-thread count: sets the RPC request queue depth (32 per thread) and is recorded in WAL metadata; the RPC server's worker pool itself is a fixed 8
	NPartitions   int    // number of raft partitions hosted by this shard
	PaxosProcName string // raft cluster identifier shared by every replica of this shard
	IsReplicated  bool   // whether the deterministic scheduler routes single-partition commands through Paxos
	Listen        string // RPC listen address
	CoordAddr     string // coordinator base URL for cluster registration
	DataDir       string // base directory for bbolt WAL/raft log storage
	WatermarkTick string // Advance ticker period, e.g. "1ms"
	ExchangeTick  string // cross-shard watermark exchange period, e.g. "5ms"
}

// ParseNode parses os.Args-style arguments into a Node config. args
// excludes the program name (pass os.Args[1:]).
func ParseNode(args []string) (*Node, error) {
	fs := pflag.NewFlagSet("node", pflag.ContinueOnError)
	n := &Node{}
	fs.IntVar(&n.NShards, "n_shards", 1, "total number of shards in the cluster")
	fs.IntVar(&n.ShardIdx, "shard_idx", 0, "this process's shard index")
	fs.IntVar(&n.NThreads, "n_threads", 8, "worker-thread count (sets the RPC request queue depth, 32 per thread)")
	fs.IntVar(&n.NPartitions, "n_partitions", 1, "number of raft partitions hosted by this shard")
	fs.StringVar(&n.PaxosProcName, "paxos_proc_name", "shardkv", "raft cluster identifier")
	fs.BoolVar(&n.IsReplicated, "is_replicated", true, "route single-partition commands through Paxos")
	fs.StringVar(&n.Listen, "listen", ":7070", "RPC listen address")
	fs.StringVar(&n.CoordAddr, "coordinator_addr", "", "coordinator base URL for cluster registration")
	fs.StringVar(&n.DataDir, "data_dir", "./data", "base directory for WAL/raft storage")
	fs.StringVar(&n.WatermarkTick, "watermark_tick", "1ms", "watermark advance ticker period")
	fs.StringVar(&n.ExchangeTick, "exchange_tick", "5ms", "cross-shard watermark exchange ticker period")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if n.NShards <= 0 {
		return nil, fmt.Errorf("config: n_shards must be positive, got %d", n.NShards)
	}
	if n.ShardIdx < 0 || n.ShardIdx >= n.NShards {
		return nil, fmt.Errorf("config: shard_idx %d out of range [0,%d)", n.ShardIdx, n.NShards)
	}
	if n.NPartitions <= 0 {
		return nil, fmt.Errorf("config: n_partitions must be positive, got %d", n.NPartitions)
	}
	return n, nil
}

// Coordinator holds the flags the cluster coordinator process needs
// (cmd/coordinator): just the topology it hands out to registering nodes
// and its own listen address.
type Coordinator struct {
	NShards int
	Listen  string
}

// ParseCoordinator parses coordinator flags.
func ParseCoordinator(args []string) (*Coordinator, error) {
	fs := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	c := &Coordinator{}
	fs.IntVar(&c.NShards, "n_shards", 1, "total number of shards in the cluster")
	fs.StringVar(&c.Listen, "listen", ":8080", "HTTP listen address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if c.NShards <= 0 {
		return nil, fmt.Errorf("config: n_shards must be positive, got %d", c.NShards)
	}
	return c, nil
}
