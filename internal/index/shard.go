// Package index implements the ordered key-value shard of SPEC_FULL.md
// §4.2: a single-node, single-shard optimistic-concurrency container with
// a versioned chain per key (internal/mvcc) and the phase operations the
// two-phase commit protocol in internal/txn drives at commit time.
//
// The shard keeps its keys in a github.com/google/btree ordered tree
// (the same backing structure erigon and the rest of this pack's
// storage-engine repos use for range-queryable indexes) so that Scan/RScan
// can walk a lexicographic range without a full-table sort, unlike the
// teacher's internal/shard.Shard, which sorted ListKeysInRange on every
// call.
package index

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/dreamware/shardkv/internal/kverrors"
	"github.com/dreamware/shardkv/internal/mvcc"
)

// State mirrors the teacher's ShardState lifecycle (internal/shard.go),
// generalized for the ordered index.
type State string

const (
	// StateActive accepts all reads and writes.
	StateActive State = "active"
	// StateMigrating continues serving reads while a shard is relocated.
	StateMigrating State = "migrating"
	// StateDeleted rejects all new operations.
	StateDeleted State = "deleted"
)

// CompareFunc is the user predicate driving PutConditional (spec §4.2
// put_mbta): it receives the proposed new value and the current value and
// returns true if the write may proceed.
type CompareFunc func(newValue, oldValue []byte) bool

// WriteOp is one staged write, grouped per shard by the transaction
// coordinator before TryLockWriteSet.
//
// Cmp carries an arbitrary predicate for same-process conditional writes
// (spec §4.2 put_mbta). It cannot cross an RPC boundary — Go function
// values are not serializable — so a conditional write targeting a
// remote shard must instead use ExpectedOld/HasExpectedOld, an
// equality-only predicate internal/rpc can put on the wire. TryLockWriteSet
// prefers Cmp when both are set.
type WriteOp struct {
	Key            string
	Value          []byte
	Delete         bool
	IsInsert       bool // terminates the version chain instead of extending it
	Cmp            CompareFunc
	ExpectedOld    []byte
	HasExpectedOld bool
}

// ReadOp is one read-set entry, grouped per shard before Validate. Version
// is the ts_and_epoch (Timestamp*10+Epoch) observed when the read
// occurred; 0 means "key was absent".
type ReadOp struct {
	Key     string
	Version uint32
}

// Stats tracks cumulative operation counts, mirroring the teacher's
// OperationStats.
type Stats struct {
	Gets    uint64
	Puts    uint64
	Deletes uint64
	Scans   uint64
}

// Info is a point-in-time snapshot for admin/monitoring surfaces.
type Info struct {
	ID       int
	State    State
	KeyCount int
}

type entry struct {
	key  string
	head mvcc.Ref
	mu   sync.Mutex
}

func lessEntry(a, b *entry) bool { return a.key < b.key }

// Shard is a single ordered-key-value partition with OCC primitives.
type Shard struct {
	arena   *mvcc.Arena
	tree    *btree.BTreeG[*entry]
	treeMu  sync.RWMutex
	stats   Stats
	opCount uint64

	mu    sync.RWMutex
	state State

	id int
}

// New creates an active, empty shard with the given identifier.
func New(id int) *Shard {
	return &Shard{
		id:    id,
		arena: mvcc.NewArena(),
		tree:  btree.NewG(32, lessEntry),
		state: StateActive,
	}
}

// ID returns the shard's identifier.
func (s *Shard) ID() int { return s.id }

// SetState transitions the shard's operational state.
func (s *Shard) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// State returns the shard's current operational state.
func (s *Shard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Shard) findOrCreate(key string) *entry {
	probe := &entry{key: key}

	s.treeMu.RLock()
	if existing, ok := s.tree.Get(probe); ok {
		s.treeMu.RUnlock()
		return existing
	}
	s.treeMu.RUnlock()

	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	if existing, ok := s.tree.Get(probe); ok {
		return existing
	}
	e := &entry{key: key, head: mvcc.NilRef}
	s.tree.ReplaceOrInsert(e)
	return e
}

func (s *Shard) find(key string) (*entry, bool) {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	return s.tree.Get(&entry{key: key})
}

// versionOf encodes an entry's current head as ts_and_epoch (spec §3),
// returning 0 when the key has no version at all.
func versionOf(arena *mvcc.Arena, head mvcc.Ref) uint32 {
	if head == mvcc.NilRef {
		return 0
	}
	rec, ok := arena.At(head)
	if !ok {
		return 0
	}
	return rec.Timestamp*10 + uint32(rec.Epoch)
}

// Get performs a read per spec §4.2: it returns the visible payload (or
// "absent") along with the version that should be recorded in the
// caller's read set for later commit-time validation.
func (s *Shard) Get(key string, readEpoch uint8, histWatermark map[uint8]uint32) (value []byte, version uint32, found bool, err error) {
	atomic.AddUint64(&s.stats.Gets, 1)

	e, ok := s.find(key)
	if !ok {
		return nil, 0, false, nil
	}

	e.mu.Lock()
	head := e.head
	e.mu.Unlock()

	version = versionOf(s.arena, head)

	visible, payload, err := mvcc.Get(s.arena, head, readEpoch, histWatermark)
	if err != nil {
		return nil, version, false, err
	}
	if !visible {
		return nil, version, false, nil
	}
	return payload, version, true, nil
}

// Scan invokes cb for every key in [start, end) in ascending order until
// cb returns false or the range is exhausted. A zero-length range (start
// == end, end non-empty) yields no callbacks (spec §8 B1).
func (s *Shard) Scan(start, end string, readEpoch uint8, histWatermark map[uint8]uint32, cb func(key string, value []byte) bool) error {
	return s.scan(start, end, readEpoch, histWatermark, cb, false)
}

// RScan is Scan in descending key order.
func (s *Shard) RScan(start, end string, readEpoch uint8, histWatermark map[uint8]uint32, cb func(key string, value []byte) bool) error {
	return s.scan(start, end, readEpoch, histWatermark, cb, true)
}

func (s *Shard) scan(start, end string, readEpoch uint8, histWatermark map[uint8]uint32, cb func(key string, value []byte) bool, reverse bool) error {
	atomic.AddUint64(&s.stats.Scans, 1)

	type kv struct {
		key  string
		head mvcc.Ref
	}
	var snapshot []kv

	s.treeMu.RLock()
	walk := func(e *entry) bool {
		e.mu.Lock()
		h := e.head
		e.mu.Unlock()
		snapshot = append(snapshot, kv{key: e.key, head: h})
		return true
	}
	if reverse {
		visit := func(e *entry) bool {
			if e.key < start {
				return false
			}
			if end != "" && e.key >= end {
				return true
			}
			return walk(e)
		}
		if end == "" {
			s.tree.Descend(visit)
		} else {
			s.tree.DescendLessOrEqual(&entry{key: end}, visit)
		}
	} else if end == "" {
		s.tree.AscendGreaterOrEqual(&entry{key: start}, func(e *entry) bool { return walk(e) })
	} else {
		s.tree.AscendRange(&entry{key: start}, &entry{key: end}, func(e *entry) bool { return walk(e) })
	}
	s.treeMu.RUnlock()

	for _, item := range snapshot {
		visible, payload, err := mvcc.Get(s.arena, item.head, readEpoch, histWatermark)
		if err != nil {
			return err
		}
		if !visible {
			continue
		}
		if !cb(item.key, payload) {
			return nil
		}
	}
	return nil
}

// CommitHandle represents a shard's in-flight participation in a single
// transaction's two-phase commit, from TryLockWriteSet through Unlock.
type CommitHandle struct {
	shard   *Shard
	locked  []*entry
	writes  []WriteOp
	readSet []ReadOp
}

// TryLockWriteSet acquires the per-row locks for every key in writes, in
// ascending key order (the intra-shard half of spec §4.2's lock-ordering
// tie-break; the coordinator is responsible for the shard-ascending half
// across shards). Any lock that cannot be acquired immediately, or any
// PutConditional predicate that rejects the current value, fails the
// whole attempt with kverrors.ErrConflict and releases what was already
// acquired.
func (s *Shard) TryLockWriteSet(writes []WriteOp) (*CommitHandle, error) {
	ordered := make([]WriteOp, len(writes))
	copy(ordered, writes)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key < ordered[j].Key })

	locked := make([]*entry, 0, len(ordered))
	rollback := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}

	for _, w := range ordered {
		e := s.findOrCreate(w.Key)
		if !e.mu.TryLock() {
			rollback()
			return nil, kverrors.ErrConflict
		}
		locked = append(locked, e)

		switch {
		case w.Cmp != nil:
			_, oldPayload, _ := mvcc.Get(s.arena, e.head, currentEpochOf(e, s.arena), nil)
			if !w.Cmp(w.Value, oldPayload) {
				rollback()
				return nil, kverrors.ErrConflict
			}
		case w.HasExpectedOld:
			_, oldPayload, _ := mvcc.Get(s.arena, e.head, currentEpochOf(e, s.arena), nil)
			if !bytes.Equal(oldPayload, w.ExpectedOld) {
				rollback()
				return nil, kverrors.ErrConflict
			}
		}
	}

	return &CommitHandle{shard: s, locked: locked, writes: ordered}, nil
}

// currentEpochOf returns the epoch of the entry's current head, or 0 if
// the key has no version yet. It is only used for the PutConditional
// compare-read, which intentionally ignores watermark history and always
// compares against the latest write regardless of epoch.
func currentEpochOf(e *entry, arena *mvcc.Arena) uint8 {
	if e.head == mvcc.NilRef {
		return 0
	}
	rec, ok := arena.At(e.head)
	if !ok {
		return 0
	}
	return rec.Epoch
}

// Validate checks that every entry in reads is still at the version the
// caller observed (spec §4.4 P3: "verify every read-set entry's version
// is unchanged") and returns this shard's local watermark contribution:
// the highest timestamp among the shard's own read and locked-write
// versions, which the coordinator folds into the final commit timestamp
// (spec §4.2 "Commit timestamp = 1 + max over ... within the current
// epoch").
func (h *CommitHandle) Validate(reads []ReadOp, currentEpoch uint8) (localWatermark uint32, err error) {
	h.readSet = reads

	bumpIfCurrentEpoch := func(version uint32, maxTS *uint32) {
		if version == 0 || uint8(version%10) != currentEpoch {
			return
		}
		if ts := version / 10; ts > *maxTS {
			*maxTS = ts
		}
	}

	var maxTS uint32
	for _, r := range reads {
		e, ok := h.shard.find(r.Key)
		var cur uint32
		if ok {
			e.mu.Lock()
			cur = versionOf(h.shard.arena, e.head)
			e.mu.Unlock()
		}
		if cur != r.Version {
			return 0, kverrors.ErrConflict
		}
		bumpIfCurrentEpoch(cur, &maxTS)
	}

	for _, e := range h.locked {
		e.mu.Lock()
		v := versionOf(h.shard.arena, e.head)
		e.mu.Unlock()
		bumpIfCurrentEpoch(v, &maxTS)
	}

	return maxTS, nil
}

// Install applies every staged write at commitTS/epoch, advancing each
// key's version chain (spec §4.2 shard_install(ts)). It must be called
// after a successful Validate across all participating shards.
func (h *CommitHandle) Install(commitTS uint32, epoch uint8) error {
	for i, e := range h.locked {
		w := h.writes[i]
		e.mu.Lock()
		newHead, err := mvcc.Install(h.shard.arena, e.head, w.IsInsert, w.Delete, w.Value, epoch, commitTS)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.head = newHead
		e.mu.Unlock()

		if w.Delete {
			atomic.AddUint64(&h.shard.stats.Deletes, 1)
		} else {
			atomic.AddUint64(&h.shard.stats.Puts, 1)
		}

		if n := atomic.AddUint64(&h.shard.opCount, 1); mvcc.ShouldReclaim(n) {
			e.mu.Lock()
			mvcc.Reclaim(h.shard.arena, e.head, epoch, commitTS)
			e.mu.Unlock()
		}
	}
	return nil
}

// SerializeUtil is the optional durability hook (spec §4.2
// shard_serialize_util(ts)); sink may be nil, in which case this is a
// no-op. Concrete durability is provided by internal/wal.
func (h *CommitHandle) SerializeUtil(commitTS uint32, sink func(key string, value []byte, delete bool, ts uint32) error) error {
	if sink == nil {
		return nil
	}
	for _, w := range h.writes {
		if err := sink(w.Key, w.Value, w.Delete, commitTS); err != nil {
			return err
		}
	}
	return nil
}

// Unlock releases every row lock held by the handle. committed is
// informational only (Install, not Unlock, is what makes writes visible);
// it exists so callers and logs can distinguish a commit's final unlock
// from an abort's.
func (h *CommitHandle) Unlock(committed bool) error {
	for i := len(h.locked) - 1; i >= 0; i-- {
		h.locked[i].mu.Unlock()
	}
	h.locked = nil
	return nil
}

// Abort releases the handle's locks without installing anything,
// equivalent to Unlock(false) (spec §4.2 shard_abort_txn()).
func (h *CommitHandle) Abort() error {
	return h.Unlock(false)
}

// Stats returns a snapshot of cumulative operation counters.
func (s *Shard) Stats() Stats {
	return Stats{
		Gets:    atomic.LoadUint64(&s.stats.Gets),
		Puts:    atomic.LoadUint64(&s.stats.Puts),
		Deletes: atomic.LoadUint64(&s.stats.Deletes),
		Scans:   atomic.LoadUint64(&s.stats.Scans),
	}
}

// Info returns a metadata snapshot for admin/monitoring use.
func (s *Shard) Info() Info {
	s.treeMu.RLock()
	count := s.tree.Len()
	s.treeMu.RUnlock()
	return Info{ID: s.id, State: s.State(), KeyCount: count}
}
