// Package cluster carries the wire types and HTTP helpers shared between
// cmd/coordinator and cmd/node: node registration, the epoch-scoped
// Topology map, and the JSON POST/GET helpers both binaries build their
// control-plane calls on.
//
// It is grounded in the teacher's internal/cluster package, adapted for a
// control plane that hands out addresses rather than serving data itself:
// NodeInfo grew ShardIdx, Epoch, and RPCAddr (SPEC_FULL.md §4.5) so that a
// registered node carries everything cluster.Topology needs to build the
// shard-to-RPC-address map internal/rpc.Router and internal/facade.Index
// route through; actual reads, writes, and commits never pass through this
// package once a client has fetched the Topology.
package cluster
