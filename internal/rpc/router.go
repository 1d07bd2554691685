package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/shardkv/internal/index"
	"github.com/dreamware/shardkv/internal/kverrors"
	"github.com/dreamware/shardkv/internal/sequencer"
)

// Router maps a shard id to the Client session of the process hosting it,
// and implements both facade.RemoteReader and txn.Participant by
// dispatching to the right session. This is the piece that makes every
// shard on every node reachable from every other node's facade.Index and
// txn.Coordinator, generalizing the teacher's single coordinator-to-node
// fan-out into arbitrary shard-to-shard calls.
type Router struct {
	mu      sync.RWMutex
	clients map[int]*Client
}

// NewRouter returns an empty Router; shards are added with Connect.
func NewRouter() *Router {
	return &Router{clients: make(map[int]*Client)}
}

// Connect dials addr and registers it as the session for shardID,
// replacing and closing any prior session for that shard.
func (r *Router) Connect(shardID int, addr string) error {
	c, err := Dial(addr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	old := r.clients[shardID]
	r.clients[shardID] = c
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close tears down every session.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, c := range r.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) client(shardID int) (*Client, error) {
	r.mu.RLock()
	c, ok := r.clients[shardID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rpc: %w: no session for shard %d", kverrors.ErrUnknownShard, shardID)
	}
	return c, nil
}

func (r *Router) Get(ctx context.Context, shardID int, key string, epoch uint8, hist map[uint8]uint32) ([]byte, uint32, bool, error) {
	c, err := r.client(shardID)
	if err != nil {
		return nil, 0, false, err
	}
	return c.Get(ctx, shardID, key, epoch, hist)
}

func (r *Router) Scan(ctx context.Context, shardID int, start, end string, epoch uint8, hist map[uint8]uint32, cb func(key string, value []byte) bool) error {
	c, err := r.client(shardID)
	if err != nil {
		return err
	}
	return c.Scan(ctx, shardID, start, end, epoch, hist, cb)
}

func (r *Router) RScan(ctx context.Context, shardID int, start, end string, epoch uint8, hist map[uint8]uint32, cb func(key string, value []byte) bool) error {
	c, err := r.client(shardID)
	if err != nil {
		return err
	}
	return c.RScan(ctx, shardID, start, end, epoch, hist, cb)
}

func (r *Router) BatchLock(ctx context.Context, shardID int, writes []index.WriteOp) error {
	c, err := r.client(shardID)
	if err != nil {
		return err
	}
	return c.BatchLock(ctx, shardID, writes)
}

func (r *Router) Validate(ctx context.Context, shardID int, reads []index.ReadOp, epoch uint8) (uint32, error) {
	c, err := r.client(shardID)
	if err != nil {
		return 0, err
	}
	return c.Validate(ctx, shardID, reads, epoch)
}

func (r *Router) Install(ctx context.Context, shardID int, tsEncoded uint32) error {
	c, err := r.client(shardID)
	if err != nil {
		return err
	}
	return c.Install(ctx, shardID, tsEncoded)
}

func (r *Router) SerializeUtil(ctx context.Context, shardID int, tsEncoded uint32) error {
	c, err := r.client(shardID)
	if err != nil {
		return err
	}
	return c.SerializeUtil(ctx, shardID, tsEncoded)
}

func (r *Router) Unlock(ctx context.Context, shardID int, committed bool) error {
	c, err := r.client(shardID)
	if err != nil {
		return err
	}
	return c.Unlock(ctx, shardID, committed)
}

func (r *Router) Abort(ctx context.Context, shardID int) error {
	c, err := r.client(shardID)
	if err != nil {
		return err
	}
	return c.Abort(ctx, shardID)
}

// ExchangeWatermark implements watermark.ExchangePeer.
func (r *Router) ExchangeWatermark(ctx context.Context, shardID int) (uint32, error) {
	c, err := r.client(shardID)
	if err != nil {
		return 0, err
	}
	return c.ExchangeWatermark(ctx, shardID)
}

// Control implements epoch.Peer.
func (r *Router) Control(ctx context.Context, shardID, code int, value uint32) (uint32, error) {
	c, err := r.client(shardID)
	if err != nil {
		return 0, err
	}
	return c.Control(ctx, shardID, code, value)
}

// Propose implements sequencer.Replicator for a partition this process
// does not host: forward the pre-stamped slot payload to whichever node
// does.
func (r *Router) Propose(ctx context.Context, partitionID int, payload []byte) error {
	c, err := r.client(partitionID)
	if err != nil {
		return err
	}
	return c.Propose(ctx, partitionID, payload)
}

// BroadcastDispatch implements sequencer.Dispatcher for a partition this
// process does not host.
func (r *Router) BroadcastDispatch(ctx context.Context, partitionID int, pieces []sequencer.Piece) ([]byte, error) {
	c, err := r.client(partitionID)
	if err != nil {
		return nil, err
	}
	return c.BroadcastDispatch(ctx, partitionID, pieces)
}
