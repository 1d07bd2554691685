// Package epoch implements the epoch and failover controller of
// SPEC_FULL.md §4.9: a monotonically increasing epoch, the no-ops barrier
// handshake, final-value-watermark (FVW) handoff, and the small Control
// protocol used to promote a standby.
package epoch

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/shardkv/internal/replica"
	"github.com/dreamware/shardkv/internal/runtime"
	"github.com/dreamware/shardkv/internal/watermark"
)

// Control request codes, per spec §4.9 and the preserved "include self
// when code>=4" special case documented in SPEC_FULL.md §2.3.
const (
	CodeFailoverBegin  = 0 // Phase 0: learner -> all shards, "a shard has failed"
	CodeFVWReady       = 1 // Phase 3: learner -> all shards, resume workers
	CodeFVWPublish     = 2 // Phase 3 trigger: partition 0 -> learner, "FVW computed"
	CodeFailoverDone   = 4 // Phase 3 completion broadcast; includes self
)

// Peer is the subset of internal/rpc.Client the controller needs to reach
// one other shard's Control endpoint.
type Peer interface {
	Control(ctx context.Context, shardID, code int, value uint32) (uint32, error)
}

// FVWPublisher hands a shard's final value watermark to the learner's
// side channel, keyed by shard index (spec §4.9 Phase 2).
type FVWPublisher interface {
	PublishFVW(shardIndex int, fvw uint32)
}

// Controller drives one shard through the failover phases of spec §4.9.
// The learner role (Phase 0 trigger, Phase 3 aggregation) and the
// per-shard participant role (Phase 1/2 response) are both implemented
// here; which methods a given process calls depends on whether it is
// acting as the learner for this failover.
type Controller struct {
	shardIndex  int
	numShards   int
	numPartitions int
	wm          *watermark.Tracker
	partitions  []*replica.Partition
	peers       map[int]Peer
	rt          *runtime.Context

	mu             sync.Mutex
	epoch          uint8
	pausedCond     *sync.Cond
	paused         bool
	noopsCount     int
	fvwByShard     map[int]uint32
}

// New builds a Controller for one shard.
func New(shardIndex, numShards, numPartitions int, wm *watermark.Tracker, partitions []*replica.Partition, peers map[int]Peer, rt *runtime.Context) *Controller {
	c := &Controller{
		shardIndex:    shardIndex,
		numShards:     numShards,
		numPartitions: numPartitions,
		wm:            wm,
		partitions:    partitions,
		peers:         peers,
		rt:            rt,
		fvwByShard:    make(map[int]uint32),
	}
	c.pausedCond = sync.NewCond(&c.mu)
	return c
}

// SetPartitions attaches the shard's partitions once they're built; a
// Controller is constructed before its partitions exist, since each
// partition's NoopsHandler closure is built from this Controller (see
// OnNoopsObserved).
func (c *Controller) SetPartitions(partitions []*replica.Partition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partitions = partitions
}

// AddPeer registers (or replaces) the Control session used to reach
// another shard, populated as the node discovers peer addresses from the
// coordinator's topology.
func (c *Controller) AddPeer(shardIndex int, p Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[shardIndex] = p
}

// Epoch returns the controller's current epoch.
func (c *Controller) Epoch() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// targets returns the shard indices a Control broadcast of this code
// should reach: every other shard, plus this shard itself when code >= 4
// — the preserved non-uniform special case from SPEC_FULL.md §9/§2.3.
func (c *Controller) targets(code int) []int {
	var out []int
	for id := range c.peers {
		if id != c.shardIndex {
			out = append(out, id)
		}
	}
	if code >= 4 {
		out = append(out, c.shardIndex)
	}
	return out
}

// TriggerFailover is Phase 0: the learner stops the watermark exchange
// and broadcasts Control(code=0, shard=failed) to all other shards. The
// failed shard index travels only as the control value; the controller
// keeps no record of it.
func (c *Controller) TriggerFailover(ctx context.Context, failedShardIndex int) error {
	c.wm.StopExchange()
	for _, target := range c.targets(CodeFailoverBegin) {
		peer, ok := c.peers[target]
		if !ok {
			continue
		}
		if _, err := peer.Control(ctx, target, CodeFailoverBegin, uint32(failedShardIndex)); err != nil {
			if c.rt != nil {
				c.rt.Logger.Warn().Err(err).Int("shard", target).Msg("epoch: failover trigger broadcast failed")
			}
		}
	}
	return nil
}

// OnFailoverBegin is Phase 1: pause worker threads, increment epoch, and
// push a no-ops barrier into every partition's Paxos stream.
func (c *Controller) OnFailoverBegin(ctx context.Context, propose func(ctx context.Context, partitionID int, payload []byte) error) error {
	c.mu.Lock()
	c.paused = true
	c.epoch++
	newEpoch := c.epoch
	c.noopsCount = 0
	c.mu.Unlock()

	for _, p := range c.partitions {
		if err := propose(ctx, p.ID, replica.NoopsPayload(newEpoch)); err != nil {
			return fmt.Errorf("epoch: failed to propose no-ops barrier on partition %d: %w", p.ID, err)
		}
	}
	return nil
}

// OnNoopsObserved is wired as the replica.NoopsHandler for every local
// partition (spec §4.9 Phase 2): once every partition of this shard has
// observed the barrier, the call for whichever partition reports last
// computes the shard's FVW and publishes it.
func (c *Controller) OnNoopsObserved(publisher FVWPublisher) replica.NoopsHandler {
	return func(partitionID int, epoch uint8) {
		c.mu.Lock()
		c.noopsCount++
		done := c.noopsCount == c.numPartitions
		c.mu.Unlock()

		if !done {
			return
		}
		fvw := c.wm.Global()
		c.wm.FreezeEpoch(epoch-1, fvw/10)
		publisher.PublishFVW(c.shardIndex, fvw)
	}
}

// RecordFVW is the learner's Phase 3 side: record one shard's FVW as it
// arrives via the side channel.
func (c *Controller) RecordFVW(shardIndex int, fvw uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fvwByShard[shardIndex] = fvw
}

// AwaitAllFVW does not block: it reports whether every shard's FVW has
// arrived and, if so, returns max(FVW); otherwise it returns (0, false)
// and the caller polls again. It does not record hist_watermark[old_epoch]
// itself (CompletePhase3 does), and oldEpoch is not used.
func (c *Controller) AwaitAllFVW(oldEpoch uint8) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fvwByShard) < c.numShards {
		return 0, false
	}
	var maxFVW uint32
	for _, fvw := range c.fvwByShard {
		if fvw > maxFVW {
			maxFVW = fvw
		}
	}
	return maxFVW, true
}

// CompletePhase3 issues Control(code=1) to every other shard and then resumes
// this shard's own paused worker threads, per spec §4.9 Phase 3.
func (c *Controller) CompletePhase3(ctx context.Context, oldEpoch uint8, maxFVW uint32) error {
	c.wm.FreezeEpoch(oldEpoch, maxFVW/10)

	for _, target := range c.targets(CodeFVWReady) {
		peer, ok := c.peers[target]
		if !ok {
			continue
		}
		if _, err := peer.Control(ctx, target, CodeFVWReady, maxFVW); err != nil && c.rt != nil {
			c.rt.Logger.Warn().Err(err).Int("shard", target).Msg("epoch: phase3 broadcast failed")
		}
	}
	c.Resume()
	c.wm.StartExchange()
	return nil
}

// Resume wakes any goroutine blocked in WaitUntilResumed.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.pausedCond.Broadcast()
}

// WaitUntilResumed blocks the caller (a worker thread pool's control loop)
// until Resume is called, the Go analogue of spec §4.9 Phase 3's "resumes
// the worker threads under a condition variable".
func (c *Controller) WaitUntilResumed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused {
		c.pausedCond.Wait()
	}
}

// Control is the RPC handler body for spec §4.5 Control(code, value),
// dispatched here by internal/rpc's Handlers implementation.
func (c *Controller) Control(ctx context.Context, code int, value uint32, propose func(ctx context.Context, partitionID int, payload []byte) error, publisher FVWPublisher) (uint32, error) {
	switch code {
	case CodeFailoverBegin:
		if err := c.OnFailoverBegin(ctx, propose); err != nil {
			return 0, err
		}
		return 0, nil
	case CodeFVWPublish:
		c.RecordFVW(int(value>>16), value&0xFFFF)
		return 0, nil
	case CodeFVWReady:
		if max, ok := c.AwaitAllFVW(c.Epoch() - 1); ok {
			return max, nil
		}
		return 0, nil
	default:
		return 0, nil
	}
}
