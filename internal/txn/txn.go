// Package txn implements the Transaction Context and two-phase commit state
// machine of SPEC_FULL.md §4.4: per-transaction read/write sets and shard
// bitmaps, and a Coordinator driving ACTIVE -> PREPARING -> (COMMITTED |
// ABORTED) across however many shards the transaction's keys land on.
//
// Grounded in original_source's STO transaction object (the read/write-set
// bookkeeping, the shard_bits accounting, the lock-then-validate-then-
// install-then-unlock ordering) and the teacher's coordinator, which already
// threads a context.Context through every remote call and fans broadcasts
// out with bounded concurrency.
package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardkv/internal/facade"
	"github.com/dreamware/shardkv/internal/index"
	"github.com/dreamware/shardkv/internal/kverrors"
	"github.com/dreamware/shardkv/internal/runtime"
)

// State is the transaction's position in the ACTIVE -> PREPARING ->
// (COMMITTED | ABORTED) state machine of spec §4.4.
type State int

const (
	StateActive State = iota
	StatePreparing
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePreparing:
		return "PREPARING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// writeEntry is one staged write, remembering which shard owns the key so
// the coordinator can group writes per shard at commit time without
// re-hashing.
type writeEntry struct {
	shard int
	op    index.WriteOp
}

// readEntry is one recorded read, for commit-time validation.
type readEntry struct {
	shard int
	op    index.ReadOp
}

// Context is the per-transaction execution state of spec §4.4's
// "Transaction record": read set, write set, max-read timestamp, and the
// shard bitmasks used to target 2PC broadcasts. A Context is not safe for
// concurrent use by more than one goroutine at a time, matching the
// source's per-thread transaction handle.
type Context struct {
	TID   uint64
	Epoch uint8

	mu     sync.Mutex
	state  State
	writes map[string]writeEntry // keyed by key: last write wins, like a real write set
	reads  []readEntry

	maxReadTS uint32

	readsetShardBits  uint64
	writesetShardBits uint64
	noSendAbortBits   uint64

	scratch sync.Pool
}

// New creates a fresh ACTIVE transaction context.
func New(tid uint64, epoch uint8) *Context {
	return &Context{
		TID:    tid,
		Epoch:  epoch,
		state:  StateActive,
		writes: make(map[string]writeEntry),
		scratch: sync.Pool{
			New: func() any { return make([]byte, 0, 256) },
		},
	}
}

// Arena borrows a scratch buffer for scan/range-query use, the Go analogue
// of original_source's str_arena parameter threaded through scan/rscan to
// avoid a per-scan allocation. Callers must return it with ReleaseArena.
func (c *Context) Arena() []byte {
	return c.scratch.Get().([]byte)[:0]
}

// ReleaseArena returns a buffer obtained from Arena for reuse.
func (c *Context) ReleaseArena(buf []byte) {
	c.scratch.Put(buf) //nolint:staticcheck // buf re-sliced to 0 length on next Get
}

func bit(shard int) uint64 { return 1 << uint(shard) }

// State reports the transaction's current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Get records key into the read set at the version the facade reports and
// returns the visible value, per spec §4.2 get().
func (c *Context) Get(idx *facade.Index, key string, hist map[uint8]uint32) ([]byte, bool, error) {
	value, version, found, shardID, err := idx.Get(context.Background(), key, c.Epoch, hist)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, readEntry{shard: shardID, op: index.ReadOp{Key: key, Version: version}})
	c.readsetShardBits |= bit(shardID)
	if version > c.maxReadTS {
		c.maxReadTS = version
	}
	return value, found, nil
}

// Put stages a write in the write set; per spec §4.2 put(), lock
// acquisition is deferred to commit time.
func (c *Context) Put(idx *facade.Index, key string, value []byte) {
	c.stage(idx, index.WriteOp{Key: key, Value: value})
}

// PutConditional stages the supplemented mbta-style conditional put (spec
// §4.2 put_mbta, §2.3): cmp runs at commit time against the shard's current
// value for key and aborts the commit if it returns false. cmp is evaluated
// only when key's shard is hosted by this process; a remote BatchLock does
// not carry it (see rpc.WireWriteOp).
func (c *Context) PutConditional(idx *facade.Index, key string, value []byte, cmp index.CompareFunc) {
	c.stage(idx, index.WriteOp{Key: key, Value: value, Cmp: cmp})
}

// Insert stages a fresh-chain write (spec §4.2 insert()).
func (c *Context) Insert(idx *facade.Index, key string, value []byte) {
	c.stage(idx, index.WriteOp{Key: key, Value: value, IsInsert: true})
}

// Remove stages a tombstone write (spec §4.2 remove()).
func (c *Context) Remove(idx *facade.Index, key string) {
	c.stage(idx, index.WriteOp{Key: key, Delete: true})
}

func (c *Context) stage(idx *facade.Index, op index.WriteOp) {
	shardID := idx.CheckShard(op.Key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes[op.Key] = writeEntry{shard: shardID, op: op}
	c.writesetShardBits |= bit(shardID)
}

// Scan fans the range query out through idx. Scanned keys are not added to
// the read set, so commit-time validation does not cover them (no phantom
// protection); the transaction's epoch snapshot bounds which versions a
// scan can observe.
func (c *Context) Scan(idx *facade.Index, start, end string, hist map[uint8]uint32, cb func(key string, value []byte) bool) error {
	c.mu.Lock()
	epoch := c.Epoch
	c.mu.Unlock()
	return idx.Scan(context.Background(), start, end, epoch, hist, func(shardID int, key string, value []byte) bool {
		return cb(key, value)
	})
}

// writesByShard groups the staged write set into per-shard, key-sorted
// WriteOp slices, per spec §4.2's commit-time tie-break: "locks are
// acquired in shard-ascending then key-ascending order."
func (c *Context) writesByShard() (shards []int, grouped map[int][]index.WriteOp) {
	grouped = make(map[int][]index.WriteOp)
	for _, w := range c.writes {
		grouped[w.shard] = append(grouped[w.shard], w.op)
	}
	for id, ops := range grouped {
		sort.Slice(ops, func(i, j int) bool { return ops[i].Key < ops[j].Key })
		grouped[id] = ops
		shards = append(shards, id)
	}
	sort.Ints(shards)
	return shards, grouped
}

func (c *Context) readsByShard() map[int][]index.ReadOp {
	grouped := make(map[int][]index.ReadOp)
	for _, r := range c.reads {
		grouped[r.shard] = append(grouped[r.shard], r.op)
	}
	return grouped
}

// Participant is the remote half of the 2PC protocol — the subset of
// internal/rpc.Client's surface the Coordinator needs to drive a shard this
// process does not host. shardID addresses a specific participating shard;
// every call is expected to carry its own deadline via ctx.
type Participant interface {
	BatchLock(ctx context.Context, shardID int, writes []index.WriteOp) error
	Validate(ctx context.Context, shardID int, reads []index.ReadOp, epoch uint8) (watermark uint32, err error)
	Install(ctx context.Context, shardID int, tsEncoded uint32) error
	SerializeUtil(ctx context.Context, shardID int, tsEncoded uint32) error
	Unlock(ctx context.Context, shardID int, committed bool) error
	Abort(ctx context.Context, shardID int) error
}

// Coordinator drives a Context through PREPARING to COMMITTED or ABORTED,
// per spec §4.4's P1-P7. It needs a facade to resolve local shards and a
// Participant to reach remote ones; Participant may be nil for a
// single-process deployment that owns every shard.
type Coordinator struct {
	idx      *facade.Index
	remote   Participant
	serialize bool
	rt       *runtime.Context
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSerializeUtil enables the optional P6 SerializeUtil durability
// broadcast (spec §4.4 P6).
func WithSerializeUtil() Option {
	return func(c *Coordinator) { c.serialize = true }
}

// NewCoordinator builds a Coordinator over idx, using remote for any shard
// idx does not host locally.
func NewCoordinator(idx *facade.Index, remote Participant, rt *runtime.Context, opts ...Option) *Coordinator {
	co := &Coordinator{idx: idx, remote: remote, rt: rt}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// lockedShard remembers a shard this coordinator has locked, local or
// remote, so Unlock/Abort know exactly what to release.
type lockedShard struct {
	id     int
	local  *index.CommitHandle
	remote bool
}

// Commit drives ctx through P1-P7 and returns the encoded commit timestamp
// (ts*10+epoch) on success.
func (co *Coordinator) Commit(ctx context.Context, txn *Context) (commitTS uint32, err error) {
	txn.mu.Lock()
	if txn.state != StateActive {
		txn.mu.Unlock()
		return 0, fmt.Errorf("txn: %w: commit called from state %s", kverrors.ErrProtocol, txn.state)
	}
	txn.state = StatePreparing
	epoch := txn.Epoch
	writeShards, writesByShard := txn.writesByShard()
	readsByShard := txn.readsByShard()
	txn.mu.Unlock()

	locked := make([]lockedShard, 0, len(writeShards))
	defer func() {
		if err != nil {
			co.rollback(ctx, txn, locked)
		}
	}()

	// P1 + P2: try_lock locally, BatchLock remotely, shard-ascending order.
	for _, shardID := range writeShards {
		writes := writesByShard[shardID]
		if shard := co.idx.ShardFor(shardID); shard != nil {
			handle, lockErr := shard.TryLockWriteSet(writes)
			if lockErr != nil {
				return 0, lockErr
			}
			locked = append(locked, lockedShard{id: shardID, local: handle})
			continue
		}
		if co.remote == nil {
			return 0, kverrors.ErrUnknownShard
		}
		if lockErr := co.remote.BatchLock(ctx, shardID, writes); lockErr != nil {
			return 0, lockErr
		}
		locked = append(locked, lockedShard{id: shardID, remote: true})
	}

	// P3 + P4: validate locally and remotely, taking the max watermark.
	var maxWatermark uint32
	var wmMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, ls := range locked {
		ls := ls
		reads := readsByShard[ls.id]
		g.Go(func() error {
			var w uint32
			var verr error
			if ls.local != nil {
				w, verr = ls.local.Validate(reads, epoch)
			} else if co.remote != nil {
				w, verr = co.remote.Validate(gctx, ls.id, reads, epoch)
			} else {
				verr = kverrors.ErrUnknownShard
			}
			if verr != nil {
				return verr
			}
			wmMu.Lock()
			if w > maxWatermark {
				maxWatermark = w
			}
			wmMu.Unlock()
			return nil
		})
	}
	// Shards that were only read (not locked) must still validate.
	for shardID, reads := range readsByShard {
		if _, isWriteShard := writesByShard[shardID]; isWriteShard {
			continue
		}
		shardID, reads := shardID, reads
		g.Go(func() error {
			var w uint32
			var verr error
			if shard := co.idx.ShardFor(shardID); shard != nil {
				w, verr = validateReadOnly(shard, reads, epoch)
			} else if co.remote != nil {
				w, verr = co.remote.Validate(gctx, shardID, reads, epoch)
			} else {
				verr = kverrors.ErrUnknownShard
			}
			if verr != nil {
				return verr
			}
			wmMu.Lock()
			if w > maxWatermark {
				maxWatermark = w
			}
			wmMu.Unlock()
			return nil
		})
	}
	if verr := g.Wait(); verr != nil {
		return 0, verr
	}

	ts := maxWatermark + 1
	commitTS = ts*10 + uint32(epoch)

	// P5: Install everywhere.
	g, gctx = errgroup.WithContext(ctx)
	for _, ls := range locked {
		ls := ls
		g.Go(func() error {
			if ls.local != nil {
				return ls.local.Install(ts, epoch)
			}
			return co.remote.Install(gctx, ls.id, commitTS)
		})
	}
	if verr := g.Wait(); verr != nil {
		return 0, verr
	}

	// P6: optional durability hook.
	if co.serialize {
		g, gctx = errgroup.WithContext(ctx)
		for _, ls := range locked {
			ls := ls
			g.Go(func() error {
				if ls.local != nil {
					return ls.local.SerializeUtil(commitTS, nil)
				}
				return co.remote.SerializeUtil(gctx, ls.id, commitTS)
			})
		}
		if verr := g.Wait(); verr != nil {
			return 0, verr
		}
	}

	// P7: Unlock(committed=true).
	g, gctx = errgroup.WithContext(ctx)
	for _, ls := range locked {
		ls := ls
		g.Go(func() error {
			if ls.local != nil {
				return ls.local.Unlock(true)
			}
			return co.remote.Unlock(gctx, ls.id, true)
		})
	}
	if verr := g.Wait(); verr != nil {
		return 0, verr
	}

	txn.mu.Lock()
	txn.state = StateCommitted
	txn.mu.Unlock()
	if co.rt != nil {
		co.rt.Logger.Debug().Uint64("tid", txn.TID).Uint32("commit_ts", commitTS).Msg("txn committed")
	}
	return commitTS, nil
}

// validateReadOnly runs a read-only shard's validation without holding any
// locks there — it simply checks the read set is still current.
func validateReadOnly(shard *index.Shard, reads []index.ReadOp, epoch uint8) (uint32, error) {
	handle, err := shard.TryLockWriteSet(nil)
	if err != nil {
		return 0, err
	}
	w, err := handle.Validate(reads, epoch)
	if unlockErr := handle.Unlock(false); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return w, err
}

// rollback unwinds whatever was locked and drives the transaction to
// ABORTED, broadcasting Abort to readsetShardBits|writesetShardBits minus
// trans_nosend_abort_bits, per spec §4.4.
func (co *Coordinator) rollback(ctx context.Context, txn *Context, locked []lockedShard) {
	for _, ls := range locked {
		if ls.local != nil {
			_ = ls.local.Unlock(false)
		} else if co.remote != nil {
			_ = co.remote.Unlock(ctx, ls.id, false)
		}
	}

	txn.mu.Lock()
	abortBits := (txn.readsetShardBits | txn.writesetShardBits) &^ txn.noSendAbortBits
	txn.state = StateAborted
	txn.mu.Unlock()

	if co.remote == nil {
		return
	}
	for shardID := 0; shardID < 64; shardID++ {
		if abortBits&bit(shardID) == 0 {
			continue
		}
		if co.idx.ShardFor(shardID) != nil {
			continue // already rolled back locally above if it was locked
		}
		_ = co.remote.Abort(ctx, shardID)
	}
}

// MarkNoSendAbort records that shardID already returned a non-zero status
// proactively, so the eventual abort broadcast must skip it (spec §4.4
// ACTIVE: "may proactively abort ... setting trans_nosend_abort_bits").
func (c *Context) MarkNoSendAbort(shardID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noSendAbortBits |= bit(shardID)
}
