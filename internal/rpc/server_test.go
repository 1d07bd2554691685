package rpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/index"
	"github.com/dreamware/shardkv/internal/kverrors"
	"github.com/dreamware/shardkv/internal/sequencer"
)

// fakeHandlers implements Handlers against an in-memory map, enough to
// exercise the server/client wire round trip without any real shard state.
type fakeHandlers struct {
	store map[string][]byte
}

func (f *fakeHandlers) Get(ctx context.Context, req GetRequest) (GetResponse, error) {
	if req.TargetServerID == 99 {
		return GetResponse{}, kverrors.ErrUnknownShard
	}
	v, ok := f.store[req.Key]
	return GetResponse{ShardIndex: req.TargetServerID, Value: v, Found: ok}, nil
}

func (f *fakeHandlers) Scan(ctx context.Context, req ScanRequest) (ScanResponse, error) {
	var resp ScanResponse
	for k, v := range f.store {
		resp.Keys = append(resp.Keys, k)
		resp.Values = append(resp.Values, v)
	}
	return resp, nil
}

func (f *fakeHandlers) BatchLock(ctx context.Context, req BatchLockRequest) (BatchLockResponse, error) {
	for _, w := range req.Writes {
		f.store[w.Key] = w.Value
	}
	return BatchLockResponse{}, nil
}

func (f *fakeHandlers) Validate(ctx context.Context, req ValidateRequest) (ValidateResponse, error) {
	return ValidateResponse{Watermark: 42}, nil
}

func (f *fakeHandlers) GetTimestamp(ctx context.Context, req GetTimestampRequest) (GetTimestampResponse, error) {
	return GetTimestampResponse{Timestamp: 7}, nil
}

func (f *fakeHandlers) Install(ctx context.Context, req InstallRequest) (InstallResponse, error) {
	return InstallResponse{}, nil
}

func (f *fakeHandlers) SerializeUtil(ctx context.Context, req SerializeUtilRequest) (SerializeUtilResponse, error) {
	return SerializeUtilResponse{}, nil
}

func (f *fakeHandlers) Unlock(ctx context.Context, req UnlockRequest) (UnlockResponse, error) {
	return UnlockResponse{}, nil
}

func (f *fakeHandlers) Abort(ctx context.Context, req AbortRequest) (AbortResponse, error) {
	return AbortResponse{}, nil
}

func (f *fakeHandlers) ExchangeWatermark(ctx context.Context, req ExchangeWatermarkRequest) (ExchangeWatermarkResponse, error) {
	return ExchangeWatermarkResponse{Watermark: 55}, nil
}

func (f *fakeHandlers) Control(ctx context.Context, req ControlRequest) (ControlResponse, error) {
	return ControlResponse{ValueOut: req.Value + 1}, nil
}

func (f *fakeHandlers) Warmup(ctx context.Context, req WarmupRequest) (WarmupResponse, error) {
	return WarmupResponse{ValueOut: req.Value}, nil
}

func (f *fakeHandlers) Propose(ctx context.Context, req ProposeRequest) (ProposeResponse, error) {
	return ProposeResponse{}, nil
}

func (f *fakeHandlers) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResponse, error) {
	return DispatchResponse{Output: []byte("dispatched")}, nil
}

func startTestServer(t *testing.T, h Handlers) (addr string, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(ln, h, nil, 16)
	go s.Serve()
	return ln.Addr().String(), func() { _ = s.Close() }
}

func TestClientServerGetRoundTrip(t *testing.T) {
	h := &fakeHandlers{store: map[string][]byte{"k1": []byte("v1")}}
	addr, cleanup := startTestServer(t, h)
	defer cleanup()

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	value, _, found, err := c.Get(context.Background(), 0, "k1", 0, nil)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), value)
}

func TestClientServerGetUnknownShardError(t *testing.T) {
	h := &fakeHandlers{store: map[string][]byte{}}
	addr, cleanup := startTestServer(t, h)
	defer cleanup()

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	_, _, _, err = c.Get(context.Background(), 99, "k1", 0, nil)
	assert.ErrorIs(t, err, kverrors.ErrUnknownShard)
}

func TestClientServerBatchLockThenGet(t *testing.T) {
	h := &fakeHandlers{store: map[string][]byte{}}
	addr, cleanup := startTestServer(t, h)
	defer cleanup()

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.BatchLock(ctx, 0, []index.WriteOp{{Key: "k2", Value: []byte("v2")}}))

	v, _, found, err := c.Get(ctx, 0, "k2", 0, nil)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v2"), v)
}

func TestClientServerControlEchoesValuePlusOne(t *testing.T) {
	h := &fakeHandlers{store: map[string][]byte{}}
	addr, cleanup := startTestServer(t, h)
	defer cleanup()

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Control(context.Background(), 0, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), out)
}

func TestClientServerExchangeWatermark(t *testing.T) {
	h := &fakeHandlers{store: map[string][]byte{}}
	addr, cleanup := startTestServer(t, h)
	defer cleanup()

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	w, err := c.ExchangeWatermark(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(55), w)
}

func TestClientServerBroadcastDispatch(t *testing.T) {
	h := &fakeHandlers{store: map[string][]byte{}}
	addr, cleanup := startTestServer(t, h)
	defer cleanup()

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	out, err := c.BroadcastDispatch(context.Background(), 0, []sequencer.Piece{{PartitionID: 0, CmdID: 1, Payload: []byte("x")}})
	require.NoError(t, err)
	assert.Equal(t, []byte("dispatched"), out)
}

func TestClientAfterCloseReturnsNotConnected(t *testing.T) {
	h := &fakeHandlers{store: map[string][]byte{}}
	addr, cleanup := startTestServer(t, h)
	defer cleanup()

	c, err := Dial(addr)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, _, _, err = c.Get(context.Background(), 0, "k1", 0, nil)
	assert.ErrorIs(t, err, kverrors.ErrNotConnected)
}
