package coordinator

import (
	"errors"
	"fmt"
	"sync"
)

// ShardAssignment records which node currently owns a shard, for the
// operator-facing /shards and /shards/assign endpoints. This is separate
// from cluster.Topology: Topology is the epoch-scoped RPC address map
// clients and nodes use to route reads, writes, and control traffic;
// ShardAssignment is the coordinator's own bookkeeping of which node is
// responsible for driving a shard's raft group, independent of whether
// that node has announced an RPC address yet.
type ShardAssignment struct {
	NodeID    string
	IsPrimary bool
	ShardID   int
}

// ShardRegistry tracks shard-to-node assignments for a fixed-size shard
// space. It does not itself route client keys to shards (that hashing is
// internal/facade.Index.CheckShard's job); it only answers "which node is
// assigned to shard i" for the coordinator's HTTP surface and for
// autoAssignShards' round-robin placement.
type ShardRegistry struct {
	assignments map[int]*ShardAssignment
	mu          sync.RWMutex
	numShards   int
}

// NewShardRegistry creates a registry for a cluster with numShards shards.
func NewShardRegistry(numShards int) *ShardRegistry {
	return &ShardRegistry{
		assignments: make(map[int]*ShardAssignment),
		numShards:   numShards,
	}
}

// AssignShard assigns shardID to nodeID, overwriting any prior assignment.
func (r *ShardRegistry) AssignShard(shardID int, nodeID string, isPrimary bool) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shardID, r.numShards)
	}
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.assignments[shardID] = &ShardAssignment{
		ShardID:   shardID,
		NodeID:    nodeID,
		IsPrimary: isPrimary,
	}

	return nil
}

// RemoveShard unassigns shardID, making it eligible for autoAssignShards to
// place on a different node. Called when a node is marked unhealthy so its
// shards don't stay pinned to a dead node forever.
func (r *ShardRegistry) RemoveShard(shardID int) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shardID, r.numShards)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.assignments, shardID)
	return nil
}

// GetAssignment returns a copy of shardID's current assignment, or nil if
// the shard is unassigned.
func (r *ShardRegistry) GetAssignment(shardID int) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assignment := r.assignments[shardID]
	if assignment == nil {
		return nil
	}

	cp := *assignment
	return &cp
}

// GetAllAssignments returns a copy of every current assignment, in no
// particular order.
func (r *ShardRegistry) GetAllAssignments() []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assignments := make([]*ShardAssignment, 0, len(r.assignments))
	for _, assignment := range r.assignments {
		cp := *assignment
		assignments = append(assignments, &cp)
	}

	return assignments
}

// GetNodeShards returns the shard IDs currently assigned to nodeID.
func (r *ShardRegistry) GetNodeShards(nodeID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shards []int
	for shardID, assignment := range r.assignments {
		if assignment.NodeID == nodeID {
			shards = append(shards, shardID)
		}
	}

	return shards
}

// NumShards returns the fixed shard count this registry was created with.
func (r *ShardRegistry) NumShards() int {
	return r.numShards
}

// RebalanceShards reassigns every shard across nodes round-robin, all as
// primaries. Used by the /shards/rebalance operator endpoint to redistribute
// load after manual node additions; autoAssignShards covers the common case
// of placing newly-unassigned shards without disturbing existing placement.
func (r *ShardRegistry) RebalanceShards(nodes []string) error {
	if len(nodes) == 0 {
		return errors.New("cannot rebalance with no nodes")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for shardID := 0; shardID < r.numShards; shardID++ {
		nodeID := nodes[shardID%len(nodes)]
		r.assignments[shardID] = &ShardAssignment{
			ShardID:   shardID,
			NodeID:    nodeID,
			IsPrimary: true,
		}
	}

	return nil
}
