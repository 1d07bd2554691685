package rpc

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/dreamware/shardkv/internal/kverrors"
	"github.com/dreamware/shardkv/internal/runtime"
)

// rpcErrMarker is a reserved RPCID the server uses in place of the
// request's own RPCID when it is replying with an error instead of a
// normal response body, since gob has no notion of a response union type.
const rpcErrMarker RPCID = -1

// errorBody is the payload carried under rpcErrMarker.
type errorBody struct {
	Code    ErrorCode
	Message string
}

// Handlers is what a Server dispatches decoded requests to; internal/rpc
// itself holds no shard state. cmd/node supplies the concrete
// implementation wired to its local facade.Index, txn.Coordinator, and
// watermark.Tracker.
type Handlers interface {
	Get(ctx context.Context, req GetRequest) (GetResponse, error)
	Scan(ctx context.Context, req ScanRequest) (ScanResponse, error)
	BatchLock(ctx context.Context, req BatchLockRequest) (BatchLockResponse, error)
	Validate(ctx context.Context, req ValidateRequest) (ValidateResponse, error)
	GetTimestamp(ctx context.Context, req GetTimestampRequest) (GetTimestampResponse, error)
	Install(ctx context.Context, req InstallRequest) (InstallResponse, error)
	SerializeUtil(ctx context.Context, req SerializeUtilRequest) (SerializeUtilResponse, error)
	Unlock(ctx context.Context, req UnlockRequest) (UnlockResponse, error)
	Abort(ctx context.Context, req AbortRequest) (AbortResponse, error)
	ExchangeWatermark(ctx context.Context, req ExchangeWatermarkRequest) (ExchangeWatermarkResponse, error)
	Control(ctx context.Context, req ControlRequest) (ControlResponse, error)
	Warmup(ctx context.Context, req WarmupRequest) (WarmupResponse, error)
	Propose(ctx context.Context, req ProposeRequest) (ProposeResponse, error)
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResponse, error)
}

// job is one decoded request waiting on a helper-queue worker, per spec
// §4.5's "server dispatch rule": enqueue an opaque request handle, a
// worker dequeues, invokes the handler, and the result is written back by
// the connection's own goroutine (there is no separate response queue
// here — Go's scheduler plays the role the source's event loop plays,
// writes happen directly on the owning connection, serialized by connMu).
type job struct {
	xid   uint64
	rpcID RPCID
	body  []byte
	conn  *serverConn
}

// Server is the per-process shard RPC server: one TCP listener, a bounded
// pool of worker goroutines acting as spec §4.5's helper queue, and
// backpressure via kverrors.ErrBusy once the queue is full (spec §9
// "Backpressure").
type Server struct {
	ln       net.Listener
	handlers Handlers
	rt       *runtime.Context

	queue chan job

	wg sync.WaitGroup
}

// serverConn serializes writes back to one client connection; reads are
// single-threaded per connection already (one readLoop per conn).
type serverConn struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (sc *serverConn) reply(xid uint64, rpcID RPCID, body []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return writeFrame(sc.w, xid, rpcID, body)
}

func (sc *serverConn) replyErr(xid uint64, err error) error {
	eb := errorBody{Code: EncodeError(err), Message: err.Error()}
	body, encErr := encodeBody(eb)
	if encErr != nil {
		return encErr
	}
	return sc.reply(xid, rpcErrMarker, body)
}

// NewServer builds a Server whose request queue holds queueDepth jobs (256
// when queueDepth <= 0), served by a fixed pool of 8 worker goroutines.
func NewServer(ln net.Listener, handlers Handlers, rt *runtime.Context, queueDepth int) *Server {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	s := &Server{ln: ln, handlers: handlers, rt: rt, queue: make(chan job, queueDepth)}
	workers := 8
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting and drains the worker pool.
func (s *Server) Close() error {
	err := s.ln.Close()
	close(s.queue)
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	sc := &serverConn{w: bufio.NewWriter(conn)}

	for {
		xid, rpcID, body, err := readFrame(r)
		if err != nil {
			return
		}

		select {
		case s.queue <- job{xid: xid, rpcID: rpcID, body: body, conn: sc}:
		default:
			if s.rt != nil {
				s.rt.Logger.Warn().Msg("rpc: helper queue full, returning BUSY")
			}
			_ = sc.replyErr(xid, kverrors.ErrBusy)
		}
	}
}

func (s *Server) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		s.dispatch(j)
	}
}

func (s *Server) dispatch(j job) {
	ctx := context.Background()
	var (
		respBody []byte
		encErr   error
		callErr  error
	)

	switch j.rpcID {
	case RPCGet:
		var req GetRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp GetResponse
			resp, callErr = s.handlers.Get(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCScan, RPCRScan:
		var req ScanRequest
		req.Reverse = j.rpcID == RPCRScan
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp ScanResponse
			resp, callErr = s.handlers.Scan(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCBatchLock:
		var req BatchLockRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp BatchLockResponse
			resp, callErr = s.handlers.BatchLock(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCValidate:
		var req ValidateRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp ValidateResponse
			resp, callErr = s.handlers.Validate(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCGetTimestamp:
		var req GetTimestampRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp GetTimestampResponse
			resp, callErr = s.handlers.GetTimestamp(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCInstall:
		var req InstallRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp InstallResponse
			resp, callErr = s.handlers.Install(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCSerializeUtil:
		var req SerializeUtilRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp SerializeUtilResponse
			resp, callErr = s.handlers.SerializeUtil(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCUnlock:
		var req UnlockRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp UnlockResponse
			resp, callErr = s.handlers.Unlock(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCAbort:
		var req AbortRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp AbortResponse
			resp, callErr = s.handlers.Abort(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCExchangeWatermark:
		var req ExchangeWatermarkRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp ExchangeWatermarkResponse
			resp, callErr = s.handlers.ExchangeWatermark(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCControl:
		var req ControlRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp ControlResponse
			resp, callErr = s.handlers.Control(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCWarmup:
		var req WarmupRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp WarmupResponse
			resp, callErr = s.handlers.Warmup(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCPropose:
		var req ProposeRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp ProposeResponse
			resp, callErr = s.handlers.Propose(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	case RPCDispatch:
		var req DispatchRequest
		if callErr = decodeBody(j.body, &req); callErr == nil {
			var resp DispatchResponse
			resp, callErr = s.handlers.Dispatch(ctx, req)
			if callErr == nil {
				respBody, encErr = encodeBody(resp)
			}
		}
	default:
		callErr = kverrors.ErrProtocol
	}

	if callErr != nil {
		_ = j.conn.replyErr(j.xid, callErr)
		return
	}
	if encErr != nil {
		_ = j.conn.replyErr(j.xid, encErr)
		return
	}
	_ = j.conn.reply(j.xid, j.rpcID, respBody)
}
