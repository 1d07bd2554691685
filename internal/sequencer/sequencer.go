// Package sequencer implements the deterministic cross-shard scheduler of
// SPEC_FULL.md §4.8: a sequencer that assigns monotone slots to ordered
// piece bundles and workers that execute them in slot order on every
// replica, grounded in original_source/src/deptran/deterministic/
// scheduler.cc's slot-assignment and pending_txns_ drain loop.
package sequencer

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/shardkv/internal/kverrors"
	"github.com/dreamware/shardkv/internal/replica"
	"github.com/dreamware/shardkv/internal/runtime"
)

// Piece is one partition-addressed unit of deterministic work within a
// multi-partition transaction (spec GLOSSARY "Piece").
type Piece struct {
	PartitionID int
	CmdID       uint64
	Payload     []byte
	Slot        uint64 // stamped by the sequencer; zero until assigned
}

// PieceHandler executes one piece's payload against the partition's local
// state and returns the piece's output bytes.
type PieceHandler func(ctx context.Context, piece Piece) ([]byte, error)

// pendingTxn is one slot's worth of work, indexed by slot in
// Sequencer.pendingTxns.
type pendingTxn struct {
	cmdID  uint64
	pieces []Piece
	done   chan struct{}
	outputs map[int][]byte // by partition id
	err     error
}

// Dispatcher reaches the leader of a remote partition to deliver a
// pre-stamped piece bundle (spec §4.8 step 3's "BroadcastDispatch").
type Dispatcher interface {
	BroadcastDispatch(ctx context.Context, partitionID int, pieces []Piece) ([]byte, error)
}

// Replicator proposes a slot-stamped command to the partition's
// consensus group (spec §4.8 "submit to Paxos with the assigned slot").
// Propose returning nil means acceptance was submitted; the eventual
// commit surfaces back through OnCommitted, which cmd/node's sequencer-log
// raft FSM calls on every replica.
type Replicator interface {
	Propose(ctx context.Context, partitionID int, payload []byte) error
}

// Sequencer is the shard-0/leader deterministic scheduler of spec §4.8.
// Only the partition designated as the sequencer (conventionally
// partition 0 of shard 0) runs slot assignment; every partition drains its
// own ready slots through executeSlot.
type Sequencer struct {
	selfPartition int
	replicated    bool
	dispatch      Dispatcher
	replicate     Replicator
	handlers      map[int]PieceHandler // keyed by partition id this process hosts
	rt            *runtime.Context

	mu                 sync.Mutex
	nextSlotToAssign   uint64
	nextSlotToExecute  uint64
	pendingTxns        map[uint64]*pendingTxn
	pendingRequests    map[uint64]*pendingTxn // keyed by cmd id, for the dispatcher to block on
}

// New builds a Sequencer. selfPartition is this process's partition id;
// replicated selects whether Dispatch must route through Replicator even
// for a single-partition bundle, per SPEC_FULL.md
// §9's resolution of the "deterministic path bypassing Paxos" open
// question: when replicated is true, it always does.
func New(selfPartition int, replicated bool, dispatch Dispatcher, replicate Replicator, rt *runtime.Context) *Sequencer {
	return &Sequencer{
		selfPartition:   selfPartition,
		replicated:      replicated,
		dispatch:        dispatch,
		replicate:       replicate,
		handlers:        make(map[int]PieceHandler),
		rt:              rt,
		nextSlotToAssign:  1,
		nextSlotToExecute: 1,
		pendingTxns:       make(map[uint64]*pendingTxn),
		pendingRequests:   make(map[uint64]*pendingTxn),
	}
}

// RegisterHandler installs the piece handler for a partition this process
// hosts.
func (s *Sequencer) RegisterHandler(partitionID int, h PieceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[partitionID] = h
}

// Dispatch is the entry point spec §4.8 step 2 describes: the coordinator
// sends an unstamped piece bundle to the sequencer, which assigns the
// next slot and stamps every piece with it (D1: nextSlotToExecute/assign
// are strictly monotone).
func (s *Sequencer) Dispatch(ctx context.Context, cmdID uint64, pieces []Piece) ([]byte, error) {
	s.mu.Lock()
	slot := s.nextSlotToAssign
	s.nextSlotToAssign++
	for i := range pieces {
		pieces[i].Slot = slot
	}
	pt := &pendingTxn{cmdID: cmdID, pieces: pieces, done: make(chan struct{}), outputs: make(map[int][]byte)}
	s.pendingTxns[slot] = pt
	s.pendingRequests[cmdID] = pt
	single := len(partitionSet(pieces)) <= 1 && !s.replicated
	s.mu.Unlock()

	if single {
		// Single-node/single-partition fast path (spec §4.8 step 3):
		// execute directly without a consensus round trip.
		if err := s.executeSlot(ctx, slot); err != nil {
			return nil, err
		}
	} else if s.replicate != nil {
		payload, err := EncodeDispatchBundle(slot, cmdID, pieces)
		if err != nil {
			return nil, fmt.Errorf("sequencer: %w: encode dispatch bundle: %v", kverrors.ErrCorrupt, err)
		}
		if err := s.replicate.Propose(ctx, s.selfPartition, payload); err != nil {
			return nil, fmt.Errorf("sequencer: %w: paxos propose failed", kverrors.ErrTimeout)
		}
		// The committed log entry re-enters via OnCommitted(slot),
		// which calls executeSlot; this call blocks until that happens.
	} else {
		return nil, fmt.Errorf("sequencer: %w: no replicator configured for multi-partition dispatch", kverrors.ErrConfig)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sequencer: %w: %v", kverrors.ErrTimeout, ctx.Err())
	case <-pt.done:
	}
	if pt.err != nil {
		return nil, pt.err
	}
	return mergeOutputs(pieces, pt.outputs), nil
}

func partitionSet(pieces []Piece) map[int]struct{} {
	s := make(map[int]struct{})
	for _, p := range pieces {
		s[p.PartitionID] = struct{}{}
	}
	return s
}

// OnCommitted is called by cmd/node's sequencer-log raft FSM
// (sequencerFSM.Apply) once the consensus group decides the slot's entry — the
// re-entry point spec §4.8 step 3 describes as "surface it via
// app_next(slot, cmd) which re-enters pending_txns_ and triggers
// ExecuteNext".
func (s *Sequencer) OnCommitted(ctx context.Context, slot uint64, cmdID uint64, pieces []Piece) {
	s.mu.Lock()
	if _, ok := s.pendingTxns[slot]; !ok {
		s.pendingTxns[slot] = &pendingTxn{cmdID: cmdID, pieces: pieces, done: make(chan struct{}), outputs: make(map[int][]byte)}
	}
	s.mu.Unlock()

	if err := s.executeSlot(ctx, slot); err != nil && s.rt != nil {
		s.rt.Logger.Error().Err(err).Uint64("slot", slot).Msg("sequencer: ExecuteNext failed")
	}
}

// executeSlot drains every contiguous ready slot starting at
// nextSlotToExecute, per spec §4.8 step 4 (D1/D2: strictly monotone,
// identical order on every replica).
func (s *Sequencer) executeSlot(ctx context.Context, triggeredSlot uint64) error {
	for {
		s.mu.Lock()
		slot := s.nextSlotToExecute
		pt, ready := s.pendingTxns[slot]
		s.mu.Unlock()
		if !ready {
			return nil
		}

		if err := s.runPieces(ctx, pt); err != nil {
			pt.err = err
		}

		s.mu.Lock()
		delete(s.pendingTxns, slot)
		delete(s.pendingRequests, pt.cmdID)
		s.nextSlotToExecute++
		s.mu.Unlock()
		close(pt.done)
	}
}

// runPieces executes every piece owned by this process and, whenever a
// Dispatcher is configured, broadcasts the remaining pieces and waits for
// their outputs (spec §4.8 step 4a/4b). It does not check whether this
// process is the sequencer for the transaction.
func (s *Sequencer) runPieces(ctx context.Context, pt *pendingTxn) error {
	s.mu.Lock()
	handlers := make(map[int]PieceHandler, len(s.handlers))
	for k, v := range s.handlers {
		handlers[k] = v
	}
	s.mu.Unlock()

	remote := make(map[int][]Piece)
	for _, piece := range pt.pieces {
		h, ok := handlers[piece.PartitionID]
		if !ok {
			remote[piece.PartitionID] = append(remote[piece.PartitionID], piece)
			continue
		}
		out, err := h(ctx, piece)
		if err != nil {
			return err
		}
		pt.outputs[piece.PartitionID] = out
	}

	if len(remote) == 0 || s.dispatch == nil {
		return nil
	}
	for partitionID, pieces := range remote {
		out, err := s.dispatch.BroadcastDispatch(ctx, partitionID, pieces)
		if err != nil {
			return err
		}
		pt.outputs[partitionID] = out
	}
	return nil
}

// ExecutePieces runs each piece through this process's locally
// registered handler, returning the merged output in piece order. This
// is the entry point the RPC layer calls to serve a remote
// BroadcastDispatch request (spec §4.8 step 4b): the caller's own
// consensus round already ordered these pieces, so they execute
// directly without going through Dispatch/OnCommitted again.
func (s *Sequencer) ExecutePieces(ctx context.Context, pieces []Piece) ([]byte, error) {
	s.mu.Lock()
	handlers := make(map[int]PieceHandler, len(s.handlers))
	for k, v := range s.handlers {
		handlers[k] = v
	}
	s.mu.Unlock()

	outputs := make(map[int][]byte, len(pieces))
	for _, piece := range pieces {
		h, ok := handlers[piece.PartitionID]
		if !ok {
			return nil, fmt.Errorf("sequencer: %w: no handler for partition %d", kverrors.ErrUnknownShard, piece.PartitionID)
		}
		out, err := h(ctx, piece)
		if err != nil {
			return nil, err
		}
		outputs[piece.PartitionID] = out
	}
	return mergeOutputs(pieces, outputs), nil
}

// mergeOutputs concatenates per-partition outputs in piece order (D3:
// outputs are keyed by partition/inner id).
func mergeOutputs(pieces []Piece, outputs map[int][]byte) []byte {
	seen := make(map[int]bool)
	var merged []byte
	for _, p := range pieces {
		if seen[p.PartitionID] {
			continue
		}
		seen[p.PartitionID] = true
		merged = append(merged, outputs[p.PartitionID]...)
	}
	return merged
}

// dispatchBundle is the gob-safe wire shape of a slot's piece bundle,
// proposed to the designated sequencer partition's own raft group so
// every replica can independently reconstruct and execute it.
type dispatchBundle struct {
	Slot   uint64
	CmdID  uint64
	Pieces []Piece
}

// EncodeDispatchBundle serializes a slot-stamped piece bundle for the
// sequencer's own raft log (spec §4.8 step 3).
func EncodeDispatchBundle(slot uint64, cmdID uint64, pieces []Piece) ([]byte, error) {
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].PartitionID < pieces[j].PartitionID })
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dispatchBundle{Slot: slot, CmdID: cmdID, Pieces: pieces}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDispatchBundle reverses EncodeDispatchBundle, used by the
// sequencer-log raft FSM on every replica to re-enter OnCommitted.
func DecodeDispatchBundle(payload []byte) (slot uint64, cmdID uint64, pieces []Piece, err error) {
	var b dispatchBundle
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&b); err != nil {
		return 0, 0, nil, fmt.Errorf("sequencer: %w: decode dispatch bundle: %v", kverrors.ErrCorrupt, err)
	}
	return b.Slot, b.CmdID, b.Pieces, nil
}
