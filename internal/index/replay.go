package index

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dreamware/shardkv/internal/kverrors"
)

// writeRecord is WriteOp's wire-safe projection, dropping Cmp (a Go
// closure cannot be gob-encoded) the same way internal/rpc.WireWriteOp
// does for the client/server RPC boundary. This package needs its own
// copy rather than importing internal/rpc's: the raft/sequencer commit
// payload is produced and consumed entirely within internal/index and
// internal/replica, and internal/rpc already imports internal/index for
// WriteOp itself, so the reverse import would cycle.
type writeRecord struct {
	Key            string
	Value          []byte
	Delete         bool
	IsInsert       bool
	ExpectedOld    []byte
	HasExpectedOld bool
}

// EncodeWriteBatch serializes a transaction's staged writes for one shard
// into the payload internal/replica.EncodeCommitPayload wraps with a
// CommitInfo trailer before proposing it to that shard's raft group (spec
// §6's Paxos payload).
func EncodeWriteBatch(writes []WriteOp) ([]byte, error) {
	records := make([]writeRecord, len(writes))
	for i, w := range writes {
		records[i] = writeRecord{
			Key: w.Key, Value: w.Value, Delete: w.Delete, IsInsert: w.IsInsert,
			ExpectedOld: w.ExpectedOld, HasExpectedOld: w.HasExpectedOld,
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return nil, fmt.Errorf("index: encode write batch: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWriteBatch reverses EncodeWriteBatch.
func DecodeWriteBatch(payload []byte) ([]WriteOp, error) {
	var records []writeRecord
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&records); err != nil {
		return nil, fmt.Errorf("index: %w: decode write batch: %v", kverrors.ErrCorrupt, err)
	}
	writes := make([]WriteOp, len(records))
	for i, r := range records {
		writes[i] = WriteOp{
			Key: r.Key, Value: r.Value, Delete: r.Delete, IsInsert: r.IsInsert,
			ExpectedOld: r.ExpectedOld, HasExpectedOld: r.HasExpectedOld,
		}
	}
	return writes, nil
}

// ApplyWrites installs a committed write batch without a Validate step:
// used on the follower/replay path (spec §4.7), where consensus has
// already totally ordered the batch. It still takes the per-row locks via
// TryLockWriteSet, so it fails with ErrConflict if an in-flight
// transaction holds one of the rows.
func (s *Shard) ApplyWrites(writes []WriteOp, commitTS uint32, epoch uint8) error {
	h, err := s.TryLockWriteSet(writes)
	if err != nil {
		return err
	}
	if err := h.Install(commitTS, epoch); err != nil {
		h.Unlock(false)
		return err
	}
	return h.Unlock(true)
}
