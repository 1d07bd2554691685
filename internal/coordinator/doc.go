// Package coordinator implements the shardkv control plane: tracking which
// node is assigned to which shard and polling node liveness, so that
// cmd/coordinator can trigger the Phase 0 step of the failover handshake
// (SPEC_FULL.md §4.9) when a node stops responding.
//
// It is grounded in the teacher's internal/coordinator package: the same
// ShardRegistry/HealthMonitor split survives here, adapted in two ways.
// First, shard-to-node assignment no longer drives client routing (that's
// internal/facade.Index.CheckShard hashing into cluster.Topology's static
// shard-to-RPC-address map); ShardRegistry is now purely the coordinator's
// own administrative bookkeeping, exposed over /shards and /shards/assign.
// Second, HealthMonitor's unhealthy callback now also releases the failed
// node's shard assignments (ShardRegistry.RemoveShard) before triggering
// autoAssignShards and the epoch bump, instead of leaving them pinned to a
// dead node indefinitely.
package coordinator
