package rpc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dreamware/shardkv/internal/index"
	"github.com/dreamware/shardkv/internal/kverrors"
	"github.com/dreamware/shardkv/internal/sequencer"
)

// pendingCall is how Client correlates a response frame, read by the
// single read-loop goroutine, back to the goroutine blocked in call().
type pendingCall struct {
	rpcID RPCID
	body  []byte
	err   error
	done  chan struct{}
}

// Client is a session to one peer shard server, per spec §4.5's "session
// is (cluster_role, shard_idx, server_id)". One Client multiplexes many
// concurrent calls over a single net.Conn using the xid correlation field
// spec §6 describes, the same shape as the teacher's shared *http.Client
// multiplexing many concurrent PostJSON calls over keep-alive connections.
type Client struct {
	addr string

	connMu sync.Mutex
	conn   net.Conn
	w      *bufio.Writer
	r      *bufio.Reader

	nextXID uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall

	closed atomic.Bool
}

// Dial opens a session to addr and starts its demultiplexing read loop.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	c := &Client{
		addr:    addr,
		conn:    conn,
		w:       bufio.NewWriter(conn),
		r:       bufio.NewReader(conn),
		pending: make(map[uint64]*pendingCall),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the session, failing every call still in flight with
// kverrors.ErrNotConnected (spec §7 NOT_CONNECTED).
func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		err := c.conn.Close()
		c.pendingMu.Lock()
		for xid, p := range c.pending {
			p.err = kverrors.ErrNotConnected
			close(p.done)
			delete(c.pending, xid)
		}
		c.pendingMu.Unlock()
		return err
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		xid, rpcID, body, err := readFrame(c.r)
		if err != nil {
			_ = c.Close()
			return
		}
		c.pendingMu.Lock()
		p, ok := c.pending[xid]
		if ok {
			delete(c.pending, xid)
		}
		c.pendingMu.Unlock()
		if !ok {
			continue // unknown xid: stale or duplicate, drop per spec §7 PROTOCOL tolerance
		}
		p.rpcID = rpcID
		p.body = body
		close(p.done)
	}
}

// call sends req under rpcID and blocks for the matching response, honoring
// ctx cancellation. A response framed under rpcErrMarker (see server.go)
// carries an errorBody, which call decodes and returns via DecodeError.
func (c *Client) call(ctx context.Context, rpcID RPCID, req, resp any) error {
	if c.closed.Load() {
		return kverrors.ErrNotConnected
	}

	body, err := encodeBody(req)
	if err != nil {
		return err
	}

	xid := atomic.AddUint64(&c.nextXID, 1)
	p := &pendingCall{done: make(chan struct{})}
	c.pendingMu.Lock()
	c.pending[xid] = p
	c.pendingMu.Unlock()

	c.connMu.Lock()
	writeErr := writeFrame(c.w, xid, rpcID, body)
	c.connMu.Unlock()
	if writeErr != nil {
		c.pendingMu.Lock()
		delete(c.pending, xid)
		c.pendingMu.Unlock()
		_ = c.Close()
		return fmt.Errorf("rpc: %w: %v", kverrors.ErrTimeout, writeErr)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, xid)
		c.pendingMu.Unlock()
		return fmt.Errorf("rpc: %w: %v", kverrors.ErrTimeout, ctx.Err())
	case <-p.done:
	}

	if p.err != nil {
		return p.err
	}
	if p.rpcID == rpcErrMarker {
		var eb errorBody
		if decErr := decodeBody(p.body, &eb); decErr != nil {
			return decErr
		}
		return DecodeError(eb.Code, eb.Message)
	}
	return decodeBody(p.body, resp)
}

// Get implements facade.RemoteReader.
func (c *Client) Get(ctx context.Context, shardID int, key string, epoch uint8, hist map[uint8]uint32) ([]byte, uint32, bool, error) {
	var resp GetResponse
	err := c.call(ctx, RPCGet, GetRequest{TargetServerID: uint16(shardID), Key: key, Epoch: epoch, HistWatermark: hist}, &resp)
	if err != nil {
		return nil, 0, false, err
	}
	return resp.Value, resp.Version, resp.Found, nil
}

// Scan implements facade.RemoteReader.
func (c *Client) Scan(ctx context.Context, shardID int, start, end string, epoch uint8, hist map[uint8]uint32, cb func(key string, value []byte) bool) error {
	return c.scan(ctx, shardID, start, end, epoch, hist, cb, false)
}

// RScan implements facade.RemoteReader.
func (c *Client) RScan(ctx context.Context, shardID int, start, end string, epoch uint8, hist map[uint8]uint32, cb func(key string, value []byte) bool) error {
	return c.scan(ctx, shardID, start, end, epoch, hist, cb, true)
}

func (c *Client) scan(ctx context.Context, shardID int, start, end string, epoch uint8, hist map[uint8]uint32, cb func(key string, value []byte) bool, reverse bool) error {
	rpcID := RPCScan
	if reverse {
		rpcID = RPCRScan
	}
	var resp ScanResponse
	err := c.call(ctx, rpcID, ScanRequest{TargetServerID: uint16(shardID), Start: start, End: end, Epoch: epoch, HistWatermark: hist, Reverse: reverse}, &resp)
	if err != nil {
		return err
	}
	for i, k := range resp.Keys {
		if !cb(k, resp.Values[i]) {
			break
		}
	}
	return nil
}

// BatchLock implements txn.Participant. Any WriteOp.Cmp is dropped — see
// WireWriteOp's doc comment — so conditional writes crossing shards must
// use ExpectedOld/HasExpectedOld instead.
func (c *Client) BatchLock(ctx context.Context, shardID int, writes []index.WriteOp) error {
	var resp BatchLockResponse
	return c.call(ctx, RPCBatchLock, BatchLockRequest{TargetServerID: uint16(shardID), Writes: ToWireWriteOps(writes)}, &resp)
}

// Validate implements txn.Participant.
func (c *Client) Validate(ctx context.Context, shardID int, reads []index.ReadOp, epoch uint8) (uint32, error) {
	var resp ValidateResponse
	err := c.call(ctx, RPCValidate, ValidateRequest{TargetServerID: uint16(shardID), Reads: reads, Epoch: epoch}, &resp)
	return resp.Watermark, err
}

// GetTimestamp calls the remote shard's GetTimestamp (spec §4.5).
func (c *Client) GetTimestamp(ctx context.Context, shardID int) (uint32, error) {
	var resp GetTimestampResponse
	err := c.call(ctx, RPCGetTimestamp, GetTimestampRequest{TargetServerID: uint16(shardID)}, &resp)
	return resp.Timestamp, err
}

// Install implements txn.Participant.
func (c *Client) Install(ctx context.Context, shardID int, tsEncoded uint32) error {
	var resp InstallResponse
	return c.call(ctx, RPCInstall, InstallRequest{TargetServerID: uint16(shardID), TSEncoded: tsEncoded}, &resp)
}

// SerializeUtil implements txn.Participant.
func (c *Client) SerializeUtil(ctx context.Context, shardID int, tsEncoded uint32) error {
	var resp SerializeUtilResponse
	return c.call(ctx, RPCSerializeUtil, SerializeUtilRequest{TargetServerID: uint16(shardID), TSEncoded: tsEncoded}, &resp)
}

// Unlock implements txn.Participant.
func (c *Client) Unlock(ctx context.Context, shardID int, committed bool) error {
	var resp UnlockResponse
	return c.call(ctx, RPCUnlock, UnlockRequest{TargetServerID: uint16(shardID), Committed: committed}, &resp)
}

// Abort implements txn.Participant.
func (c *Client) Abort(ctx context.Context, shardID int) error {
	var resp AbortResponse
	return c.call(ctx, RPCAbort, AbortRequest{TargetServerID: uint16(shardID)}, &resp)
}

// ExchangeWatermark calls the remote shard's watermark exchange responder
// (spec §4.6).
func (c *Client) ExchangeWatermark(ctx context.Context, shardID int) (uint32, error) {
	var resp ExchangeWatermarkResponse
	err := c.call(ctx, RPCExchangeWatermark, ExchangeWatermarkRequest{TargetServerID: uint16(shardID)}, &resp)
	return resp.Watermark, err
}

// Control issues the epoch/failover control RPC (spec §4.9).
func (c *Client) Control(ctx context.Context, shardID, code int, value uint32) (uint32, error) {
	var resp ControlResponse
	err := c.call(ctx, RPCControl, ControlRequest{TargetServerID: uint16(shardID), Code: code, Value: value}, &resp)
	return resp.ValueOut, err
}

// Warmup primes a session before serving traffic (spec §2.3, §4.5).
func (c *Client) Warmup(ctx context.Context, shardID int, value uint32) (uint32, error) {
	var resp WarmupResponse
	err := c.call(ctx, RPCWarmup, WarmupRequest{TargetServerID: uint16(shardID), Value: value}, &resp)
	return resp.ValueOut, err
}

// Propose implements sequencer.Replicator against a remote partition.
func (c *Client) Propose(ctx context.Context, shardID int, payload []byte) error {
	var resp ProposeResponse
	return c.call(ctx, RPCPropose, ProposeRequest{TargetServerID: uint16(shardID), Payload: payload}, &resp)
}

// BroadcastDispatch implements sequencer.Dispatcher against a remote
// partition.
func (c *Client) BroadcastDispatch(ctx context.Context, shardID int, pieces []sequencer.Piece) ([]byte, error) {
	var resp DispatchResponse
	err := c.call(ctx, RPCDispatch, DispatchRequest{TargetServerID: uint16(shardID), Pieces: ToWirePieces(pieces)}, &resp)
	return resp.Output, err
}
