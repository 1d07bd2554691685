// Package mvcc implements the value codec and version-chain machinery of
// SPEC_FULL.md §4.1: encoding a value as payload + commit timestamp/epoch +
// a link to its previous version, version-chain walks for snapshot reads,
// and single-writer, probabilistic chain reclamation.
//
// The original system (see original_source/src/mako/benchmarks/sto/
// multiversion.hh) threads a raw-pointer linked list through the value
// bytes themselves. Per SPEC_FULL.md §9 ("Version pointer graph"), this is
// replaced with an arena of record slots addressed by Ref, a plain integer
// handle — there is no way to form a dangling pointer or a use-after-free
// in this representation.
package mvcc

import (
	"encoding/binary"
	"fmt"

	"github.com/dreamware/shardkv/internal/kverrors"
)

// Ref is a handle into an Arena. The zero value, NilRef, denotes the end
// of a version chain (spec §3 "chain-terminator has prev_size = 0").
type Ref uint32

// NilRef is the chain terminator.
const NilRef Ref = 0

// tombstoneMarker is the single-byte payload spec §3 reserves for deletion
// tombstones ("A deletion tombstone is the single byte 'B' ...").
const tombstoneMarker = 'B'

// maxChainDepth bounds version-chain walks. A chain is acyclic by
// construction (V2), so hitting this bound means a corrupt record, not a
// legitimately long chain — 1<<20 versions of a single key is already far
// beyond any workload this engine targets.
const maxChainDepth = 1 << 20

// Record is one version in a key's MVCC chain.
type Record struct {
	Payload   []byte
	Timestamp uint32 // commit timestamp within Epoch (spec §3 "timestamp")
	Epoch     uint8
	Deleted   bool
	Prev      Ref
}

// Arena owns the storage for every Record ever installed for a single
// key-space. Index 0 is reserved so the zero Ref (NilRef) never aliases a
// real node. Arena itself is not safe for concurrent mutation — callers
// (internal/index.Shard) serialize installs with a per-key lock, matching
// spec §4.1's "single-writer" reclamation discipline.
type Arena struct {
	nodes []Record
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{nodes: make([]Record, 1)}
}

// At returns the record stored at ref. ref == NilRef is never valid to
// dereference; callers must check against NilRef first.
func (a *Arena) At(ref Ref) (Record, bool) {
	if ref == NilRef || int(ref) >= len(a.nodes) {
		return Record{}, false
	}
	return a.nodes[ref], true
}

func (a *Arena) alloc(rec Record) Ref {
	a.nodes = append(a.nodes, rec)
	return Ref(len(a.nodes) - 1)
}

// truncate cuts the chain at ref by overwriting its Prev link, and is the
// single mutating operation Reclaim performs. It does not shrink the
// underlying slice — freed nodes become unreachable garbage for the Go GC,
// which is the safe-language analogue of the source's explicit ::free.
func (a *Arena) truncate(ref Ref) {
	if ref == NilRef || int(ref) >= len(a.nodes) {
		return
	}
	rec := a.nodes[ref]
	rec.Prev = NilRef
	a.nodes[ref] = rec
}

// Install allocates a new head version for a key, per spec §4.1:
//
//	install(is_insert, is_delete, new_payload, current_epoch, tid)
//
// isInsert terminates the chain at the new node (prev_size = 0) even if a
// head already existed — this matches the source's insert semantics,
// where a fresh insert starts a new version history rather than chaining
// off whatever happened to occupy the slot before. A plain put/remove
// chains off the existing head.
//
// Install enforces V2 (strictly decreasing timestamp within an epoch): an
// attempt to install a timestamp that collides with the current head's
// (timestamp, epoch) fails with kverrors.ErrConflict (spec §8 B3).
func Install(arena *Arena, head Ref, isInsert, isDelete bool, payload []byte, epoch uint8, commitTS uint32) (Ref, error) {
	prev := head
	if isInsert {
		prev = NilRef
	} else if head != NilRef {
		existing, ok := arena.At(head)
		if !ok {
			return NilRef, fmt.Errorf("mvcc: %w: dangling head ref %d", kverrors.ErrCorrupt, head)
		}
		if existing.Epoch == epoch && existing.Timestamp == commitTS {
			return NilRef, kverrors.ErrConflict
		}
		if existing.Epoch == epoch && existing.Timestamp > commitTS {
			return NilRef, fmt.Errorf("mvcc: %w: non-monotonic install ts=%d over head ts=%d", kverrors.ErrConflict, commitTS, existing.Timestamp)
		}
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)

	ref := arena.alloc(Record{
		Payload:   stored,
		Timestamp: commitTS,
		Epoch:     epoch,
		Deleted:   isDelete,
		Prev:      prev,
	})
	return ref, nil
}

// Get implements spec §4.1's visibility rule (V3): if the head's epoch
// matches the reader's current epoch, the head is newest-wins and is
// returned directly (unless it is a tombstone). Otherwise the chain is
// walked for the newest version whose timestamp is at or below the
// reader's watermark for ITS epoch.
func Get(arena *Arena, head Ref, currentEpoch uint8, histWatermark map[uint8]uint32) (visible bool, payload []byte, err error) {
	if head == NilRef {
		return false, nil, nil
	}

	rec, ok := arena.At(head)
	if !ok {
		return false, nil, fmt.Errorf("mvcc: %w: dangling head ref %d", kverrors.ErrCorrupt, head)
	}

	if rec.Epoch == currentEpoch {
		if rec.Deleted {
			return false, nil, nil
		}
		return true, rec.Payload, nil
	}

	cur := head
	for depth := 0; depth < maxChainDepth; depth++ {
		r, ok := arena.At(cur)
		if !ok {
			return false, nil, fmt.Errorf("mvcc: %w: dangling ref %d mid-chain", kverrors.ErrCorrupt, cur)
		}
		w, known := histWatermark[r.Epoch]
		if known && r.Timestamp <= w {
			if r.Deleted {
				return false, nil, nil
			}
			return true, r.Payload, nil
		}
		if r.Prev == NilRef {
			return false, nil, nil
		}
		cur = r.Prev
	}
	return false, nil, fmt.Errorf("mvcc: %w: chain exceeds max depth, possible cycle", kverrors.ErrCorrupt)
}

// reclaimStride mirrors the source's "1/50 ops per thread" sampling rate
// for probabilistic reclamation (spec §3 "Version-chain reclamation").
const reclaimStride = 50

// ShouldReclaim reports whether the caller's per-thread operation counter
// has hit the reclamation stride. Callers increment their own counter and
// pass the post-increment value; this keeps Reclaim itself free of shared
// mutable state beyond the arena it is handed.
func ShouldReclaim(opCount uint64) bool {
	return opCount%reclaimStride == 0
}

// Reclaim walks the chain rooted at head and cuts it at the first node
// whose timestamp is strictly below watermark, provided that node is not
// itself the head for the current epoch (a live head is never reclaimed,
// matching spec §3's reclamation invariant). Reclaim must only be called
// by the single writer holding the key's install lock.
func Reclaim(arena *Arena, head Ref, currentEpoch uint8, watermark uint32) {
	if head == NilRef || watermark == 0 {
		return
	}
	headRec, ok := arena.At(head)
	if !ok {
		return
	}

	cur := headRec.Prev
	if headRec.Epoch == currentEpoch {
		// The head itself is live for this epoch; reclamation may only
		// begin at its predecessor.
		if cur == NilRef {
			return
		}
	} else {
		cur = head
	}

	for depth := 0; depth < maxChainDepth; depth++ {
		rec, ok := arena.At(cur)
		if !ok {
			return
		}
		if rec.Timestamp < watermark {
			arena.truncate(cur)
			return
		}
		if rec.Prev == NilRef {
			return
		}
		cur = rec.Prev
	}
}

// Encode serializes a Record to the wire/storage layout described in spec
// §3: payload ∥ ts_and_epoch:u32 ∥ version_header{timestamp:u32,
// prev_size:u32, prev_ptr:u32}. prev_ptr is the Ref of the predecessor
// (0 meaning "no predecessor", i.e. NilRef) rather than a raw pointer.
// A deleted record's payload is collapsed to the single tombstone byte.
func Encode(rec Record) []byte {
	payload := rec.Payload
	if rec.Deleted {
		payload = []byte{tombstoneMarker}
	}

	tsEpoch := rec.Timestamp*10 + uint32(rec.Epoch)

	buf := make([]byte, len(payload)+4+4+4+4)
	n := copy(buf, payload)
	binary.LittleEndian.PutUint32(buf[n:], tsEpoch)
	binary.LittleEndian.PutUint32(buf[n+4:], rec.Timestamp)
	prevSize := uint32(0)
	if rec.Prev != NilRef {
		prevSize = 1 // presence marker; actual predecessor bytes live in the arena
	}
	binary.LittleEndian.PutUint32(buf[n+8:], prevSize)
	binary.LittleEndian.PutUint32(buf[n+12:], uint32(rec.Prev))
	return buf
}

// trailerSize is sizeof(ts_and_epoch) + sizeof(version_header), the
// minimum trailing length spec §3 invariant V1 requires of any in-tree
// value.
const trailerSize = 4 + 4 + 4 + 4

// Decode parses the layout Encode produces. It returns kverrors.ErrCorrupt
// if the buffer is shorter than the mandatory trailer (V1).
func Decode(buf []byte) (Record, error) {
	if len(buf) < trailerSize {
		return Record{}, fmt.Errorf("mvcc: %w: record too short (%d bytes)", kverrors.ErrCorrupt, len(buf))
	}
	n := len(buf) - trailerSize
	payload := buf[:n]
	tsEpoch := binary.LittleEndian.Uint32(buf[n:])
	timestamp := binary.LittleEndian.Uint32(buf[n+4:])
	prevSize := binary.LittleEndian.Uint32(buf[n+8:])
	prevRef := binary.LittleEndian.Uint32(buf[n+12:])

	epoch := uint8(tsEpoch % 10)

	rec := Record{
		Timestamp: timestamp,
		Epoch:     epoch,
		Prev:      Ref(prevRef),
	}
	if prevSize == 0 {
		rec.Prev = NilRef
	}
	if len(payload) == 1 && payload[0] == tombstoneMarker {
		rec.Deleted = true
		rec.Payload = nil
	} else {
		rec.Payload = append([]byte(nil), payload...)
	}
	return rec, nil
}
