// Package kverrors defines the sentinel error kinds shared across the
// transaction executor, replication layer, and RPC surface.
//
// Every error a caller can meaningfully react to is one of a small, fixed
// set of kinds. Callers should compare with errors.Is against the sentinels
// below rather than matching on string text.
package kverrors

import "errors"

// ErrConflict indicates an OCC validation failure or lock contention during
// commit. Recoverable: the caller should retry the transaction.
var ErrConflict = errors.New("kverrors: conflict")

// ErrTimeout indicates an RPC deadline was exceeded. The coordinator must
// issue Abort to the known participants on receipt of this error.
var ErrTimeout = errors.New("kverrors: timeout")

// ErrNotConnected indicates the session backing an RPC is unusable. Fatal
// to the current transaction; clients may rebuild the session and retry a
// fresh transaction.
var ErrNotConnected = errors.New("kverrors: not connected")

// ErrSafetyFail indicates replay observed a timestamp above the current
// watermark. Transient: the caller should requeue and retry once the
// watermark advances.
var ErrSafetyFail = errors.New("kverrors: safety check failed")

// ErrConfig indicates malformed configuration. Fatal at startup.
var ErrConfig = errors.New("kverrors: invalid configuration")

// ErrProtocol indicates a malformed packet or unknown rpc_id. The
// connection carrying it must be closed.
var ErrProtocol = errors.New("kverrors: protocol error")

// ErrBusy indicates a helper queue is past its high watermark and the
// caller should back off before retrying (see spec §9 Backpressure).
var ErrBusy = errors.New("kverrors: busy")

// ErrKeyNotFound indicates the requested key has no visible version.
var ErrKeyNotFound = errors.New("kverrors: key not found")

// ErrCorrupt indicates an on-disk or in-memory MVCC record failed its
// structural invariants (V1/V2 in spec §3). This is always a fatal local
// error and is never silently absorbed.
var ErrCorrupt = errors.New("kverrors: corrupt mvcc record")

// ErrAborted is returned to a caller whose transaction was rolled back.
// No partial effects are observable on any participant.
var ErrAborted = errors.New("kverrors: transaction aborted")

// ErrNotLeader indicates an operation that requires the partition leader
// was issued against a follower.
var ErrNotLeader = errors.New("kverrors: not leader")

// ErrUnknownShard indicates a request addressed a shard this process
// neither hosts nor has a session to reach.
var ErrUnknownShard = errors.New("kverrors: unknown shard")
