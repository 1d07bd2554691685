package rpc

import (
	"github.com/dreamware/shardkv/internal/index"
	"github.com/dreamware/shardkv/internal/sequencer"
)

// Every request embeds TargetServerID first, matching spec §6's "bytes
// 0..1 of every request payload are target_server_id:u16" dispatch key —
// gob doesn't let us pin a byte offset, but keeping the field first in
// every struct keeps the two encodings' field order consistent if this
// ever grows a second wire codec.

// GetRequest is spec §4.5 Get(table_id, key).
type GetRequest struct {
	TargetServerID uint16
	Key            string
	Epoch          uint8
	HistWatermark  map[uint8]uint32
}

// GetResponse carries the value and the shard index for fan-out
// aggregation (spec §6 "every non-trivial reply starts with status,
// req_nr, shard_index").
type GetResponse struct {
	ShardIndex uint16
	Value      []byte
	Version    uint32
	Found      bool
}

// ScanRequest is spec §4.5 Scan(table_id, start, end); Reverse selects
// RScan semantics.
type ScanRequest struct {
	TargetServerID uint16
	Start, End     string
	Epoch          uint8
	HistWatermark  map[uint8]uint32
	Reverse        bool
}

// ScanResponse carries the serialized rows for one shard's contribution
// to a fanned-out scan.
type ScanResponse struct {
	ShardIndex uint16
	Keys       []string
	Values     [][]byte
}

// WireWriteOp is the wire-transmissible projection of index.WriteOp.
// index.WriteOp.Cmp is a Go closure and cannot cross an RPC boundary; a
// conditional write aimed at a remote shard must instead be expressed as
// an equality check via ExpectedOld/HasExpectedOld (see index.WriteOp's
// doc comment).
type WireWriteOp struct {
	Key            string
	Value          []byte
	Delete         bool
	IsInsert       bool
	ExpectedOld    []byte
	HasExpectedOld bool
}

// ToWireWriteOps drops the non-serializable Cmp field of each op, keeping
// everything else. Call sites that need a cross-shard predicate must have
// populated ExpectedOld/HasExpectedOld rather than Cmp.
func ToWireWriteOps(writes []index.WriteOp) []WireWriteOp {
	out := make([]WireWriteOp, len(writes))
	for i, w := range writes {
		out[i] = WireWriteOp{
			Key:            w.Key,
			Value:          w.Value,
			Delete:         w.Delete,
			IsInsert:       w.IsInsert,
			ExpectedOld:    w.ExpectedOld,
			HasExpectedOld: w.HasExpectedOld,
		}
	}
	return out
}

// FromWireWriteOps reverses ToWireWriteOps for the server side.
func FromWireWriteOps(writes []WireWriteOp) []index.WriteOp {
	out := make([]index.WriteOp, len(writes))
	for i, w := range writes {
		out[i] = index.WriteOp{
			Key:            w.Key,
			Value:          w.Value,
			Delete:         w.Delete,
			IsInsert:       w.IsInsert,
			ExpectedOld:    w.ExpectedOld,
			HasExpectedOld: w.HasExpectedOld,
		}
	}
	return out
}

// BatchLockRequest is spec §4.5 BatchLock({(table_id, key, new_value)...}).
type BatchLockRequest struct {
	TargetServerID uint16
	Writes         []WireWriteOp
}

// BatchLockResponse reports only status + shard index; the lock itself is
// held server-side until Unlock/Abort.
type BatchLockResponse struct {
	ShardIndex uint16
}

// ValidateRequest is spec §4.5 Validate().
type ValidateRequest struct {
	TargetServerID uint16
	Reads          []index.ReadOp
	Epoch          uint8
}

// ValidateResponse carries the shard's local watermark contribution.
type ValidateResponse struct {
	ShardIndex uint16
	Watermark  uint32
}

// GetTimestampRequest is spec §4.5 GetTimestamp().
type GetTimestampRequest struct {
	TargetServerID uint16
}

// GetTimestampResponse carries the shard's current timestamp.
type GetTimestampResponse struct {
	ShardIndex uint16
	Timestamp  uint32
}

// InstallRequest is spec §4.5 Install(ts_encoded).
type InstallRequest struct {
	TargetServerID uint16
	TSEncoded      uint32
}

// InstallResponse is a bare ack, shard-indexed for aggregation.
type InstallResponse struct {
	ShardIndex uint16
}

// SerializeUtilRequest is spec §4.5 SerializeUtil(ts_encoded).
type SerializeUtilRequest struct {
	TargetServerID uint16
	TSEncoded      uint32
}

// SerializeUtilResponse is a bare ack.
type SerializeUtilResponse struct {
	ShardIndex uint16
}

// UnlockRequest is spec §4.5 Unlock().
type UnlockRequest struct {
	TargetServerID uint16
	Committed      bool
}

// UnlockResponse is a bare ack.
type UnlockResponse struct {
	ShardIndex uint16
}

// AbortRequest is spec §4.5 Abort().
type AbortRequest struct {
	TargetServerID uint16
}

// AbortResponse is a bare ack.
type AbortResponse struct {
	ShardIndex uint16
}

// ExchangeWatermarkRequest is spec §4.5 ExchangeWatermark().
type ExchangeWatermarkRequest struct {
	TargetServerID uint16
}

// ExchangeWatermarkResponse carries the responder's global watermark and
// its own shard index (spec §4.5).
type ExchangeWatermarkResponse struct {
	ShardIndex uint16
	Watermark  uint32
}

// ControlRequest is spec §4.5 Control(code, value), used by the epoch and
// failover controller.
type ControlRequest struct {
	TargetServerID uint16
	Code           int
	Value          uint32
}

// ControlResponse carries the responder's out-value.
type ControlResponse struct {
	ShardIndex uint16
	ValueOut   uint32
}

// WarmupRequest is the supplemented connection-priming call of spec §2.3,
// grounded in original_source's shardClient.h.
type WarmupRequest struct {
	TargetServerID uint16
	Value          uint32
}

// WarmupResponse echoes the priming value back.
type WarmupResponse struct {
	ShardIndex uint16
	ValueOut   uint32
}

// ProposeRequest carries a sequencer-assigned slot payload bound for the
// designated sequencer partition's own raft group (spec §4.8 step 3).
type ProposeRequest struct {
	TargetServerID uint16
	Payload        []byte
}

// ProposeResponse is a bare ack.
type ProposeResponse struct {
	ShardIndex uint16
}

// WirePiece is sequencer.Piece's wire-transmissible projection.
type WirePiece struct {
	PartitionID int
	CmdID       uint64
	Payload     []byte
	Slot        uint64
}

// ToWirePieces converts a sequencer.Piece slice for transmission.
func ToWirePieces(pieces []sequencer.Piece) []WirePiece {
	out := make([]WirePiece, len(pieces))
	for i, p := range pieces {
		out[i] = WirePiece{PartitionID: p.PartitionID, CmdID: p.CmdID, Payload: p.Payload, Slot: p.Slot}
	}
	return out
}

// FromWirePieces reverses ToWirePieces.
func FromWirePieces(pieces []WirePiece) []sequencer.Piece {
	out := make([]sequencer.Piece, len(pieces))
	for i, p := range pieces {
		out[i] = sequencer.Piece{PartitionID: p.PartitionID, CmdID: p.CmdID, Payload: p.Payload, Slot: p.Slot}
	}
	return out
}

// DispatchRequest carries one partition's share of an already-ordered
// deterministic command for direct local execution (spec §4.8 step 4b).
type DispatchRequest struct {
	TargetServerID uint16
	Pieces         []WirePiece
}

// DispatchResponse carries the executed pieces' merged output.
type DispatchResponse struct {
	ShardIndex uint16
	Output     []byte
}
