// Package main implements a shardkv storage node: one process hosting
// one shard's partitions, each replicated through hashicorp/raft (spec
// §4.7), serving the sharded MVCC/OCC store of spec §4.1-§4.4 over the
// binary RPC protocol of spec §6.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"encoding/json"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/dreamware/shardkv/internal/cluster"
	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/epoch"
	"github.com/dreamware/shardkv/internal/facade"
	"github.com/dreamware/shardkv/internal/index"
	"github.com/dreamware/shardkv/internal/kverrors"
	"github.com/dreamware/shardkv/internal/replica"
	"github.com/dreamware/shardkv/internal/rpc"
	"github.com/dreamware/shardkv/internal/runtime"
	"github.com/dreamware/shardkv/internal/sequencer"
	"github.com/dreamware/shardkv/internal/txn"
	"github.com/dreamware/shardkv/internal/wal"
	"github.com/dreamware/shardkv/internal/watermark"
)

func main() {
	cfg, err := config.ParseNode(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rt := runtime.New(fmt.Sprintf("node-%d", cfg.ShardIdx), cfg.ShardIdx, cfg.NShards)
	n, err := buildNode(cfg, rt)
	if err != nil {
		rt.Logger.Fatal().Err(err).Msg("failed to build node")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watermarkTick, _ := time.ParseDuration(cfg.WatermarkTick)
	if watermarkTick <= 0 {
		watermarkTick = time.Millisecond
	}
	exchangeTick, _ := time.ParseDuration(cfg.ExchangeTick)
	if exchangeTick <= 0 {
		exchangeTick = 5 * time.Millisecond
	}
	go n.wm.Advance(ctx, watermarkTick)
	go n.wm.RunExchange(ctx, n.exchangePeers(), exchangeTick, rt)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		rt.Logger.Fatal().Err(err).Str("addr", cfg.Listen).Msg("rpc listen failed")
	}
	rpcServer := rpc.NewServer(ln, n, rt, cfg.NThreads*32)
	go func() {
		if err := rpcServer.Serve(); err != nil {
			rt.Logger.Error().Err(err).Msg("rpc server stopped")
		}
	}()

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	httpMux.HandleFunc("/control", n.handleControl)
	httpSrv := &http.Server{Addr: httpControlAddr(cfg.Listen), Handler: httpMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.Logger.Error().Err(err).Msg("control http server stopped")
		}
	}()

	if cfg.CoordAddr != "" {
		go n.register(ctx, cfg.CoordAddr)
		go n.pollTopology(ctx, cfg.CoordAddr, 2*time.Second)
	}

	rt.Logger.Info().Str("rpc_addr", cfg.Listen).Msg("node ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	rpcServer.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	n.router.Close()
	n.closeWALs()
	rt.Logger.Info().Msg("node stopped")
}

// httpControlAddr derives the control-plane HTTP address from the RPC
// listen address by adding 1000 to the port, so a single "--listen
// host:port" flag is enough to start both servers without colliding.
func httpControlAddr(rpcListen string) string {
	host, port, err := net.SplitHostPort(rpcListen)
	if err != nil {
		return ":0"
	}
	var p int
	fmt.Sscanf(port, "%d", &p)
	return fmt.Sprintf("%s:%d", host, p+1000)
}

// globalPartitionID maps a (shard, local partition) pair to the flat id
// space internal/facade, internal/rpc, and internal/sequencer all
// address as "shard id" / "partition id". Every node is assumed to run
// the same NPartitions, so a shard's partitions occupy a contiguous
// range starting at shardIdx*NPartitions — see DESIGN.md for why this
// system's "shard" (facade/txn/rpc routing unit) is finer-grained than
// the cluster-placement "shard" a node registers under.
func globalPartitionID(cfg *config.Node, shardIdx, localPartition int) int {
	return shardIdx*cfg.NPartitions + localPartition
}

// node bundles every per-process component spec §4 describes, wired
// together: the facade over local+remote shards, the transaction
// coordinator, one raft-backed partition per shard partition, the
// watermark tracker, the deterministic sequencer, and the epoch/failover
// controller.
type node struct {
	cfg *config.Node
	rt  *runtime.Context

	shards     map[int]*index.Shard
	wals       map[int]*wal.WAL
	facade     *facade.Index
	router     *rpc.Router
	coord      *txn.Coordinator
	wm         *watermark.Tracker
	partitions map[int]*replica.Partition
	rafts      map[int]*raft.Raft
	seq        *sequencer.Sequencer
	seqRaft    *raft.Raft // non-nil only on the node hosting global partition 0
	ctrl       *epoch.Controller

	locksMu      sync.Mutex
	pendingLocks map[int]*index.CommitHandle

	connectedMu sync.Mutex
	connected   map[int]bool
}

func buildNode(cfg *config.Node, rt *runtime.Context) (*node, error) {
	n := &node{
		cfg:          cfg,
		rt:           rt,
		shards:       make(map[int]*index.Shard),
		wals:         make(map[int]*wal.WAL),
		partitions:   make(map[int]*replica.Partition),
		rafts:        make(map[int]*raft.Raft),
		pendingLocks: make(map[int]*index.CommitHandle),
		connected:    make(map[int]bool),
	}

	n.wm = watermark.New(cfg.NPartitions, rt)
	n.router = rpc.NewRouter()

	owned := make(map[int]*index.Shard, cfg.NPartitions)
	for p := 0; p < cfg.NPartitions; p++ {
		gid := globalPartitionID(cfg, cfg.ShardIdx, p)
		sh := index.New(gid)
		owned[gid] = sh
		n.shards[gid] = sh

		w, err := wal.Open(filepath.Join(cfg.DataDir, fmt.Sprintf("partition-%d.wal", gid)))
		if err != nil {
			return nil, err
		}
		n.wals[gid] = w
		if err := w.WriteMeta(wal.MetaRecord{
			ShardID:       cfg.ShardIdx,
			NumShards:     cfg.NShards,
			NumPartitions: cfg.NPartitions,
			NumWorkers:    cfg.NThreads,
			Timestamp:     time.Now().Unix(),
		}); err != nil {
			return nil, err
		}
	}
	n.facade = facade.New(cfg.NShards*cfg.NPartitions, owned, n.router)
	n.coord = txn.NewCoordinator(n.facade, n.router, rt)

	peers := make(map[int]epoch.Peer)
	n.ctrl = epoch.New(cfg.ShardIdx, cfg.NShards, cfg.NPartitions, n.wm, nil, peers, rt)

	transport := &seqTransport{n: n}
	n.seq = sequencer.New(0, cfg.IsReplicated, transport, transport, rt)
	for p, sh := range n.shards {
		p, sh := p, sh
		n.seq.RegisterHandler(p, func(ctx context.Context, piece sequencer.Piece) ([]byte, error) {
			writes, err := index.DecodeWriteBatch(piece.Payload)
			if err != nil {
				return nil, err
			}
			ts := n.wm.Global() + 1
			return nil, sh.ApplyWrites(writes, ts, n.ctrl.Epoch())
		})
	}

	partitionList := make([]*replica.Partition, 0, cfg.NPartitions)
	for p := 0; p < cfg.NPartitions; p++ {
		gid := globalPartitionID(cfg, cfg.ShardIdx, p)
		executor := executorFunc(func(payload []byte, ts uint32, ep uint8) error {
			writes, err := index.DecodeWriteBatch(replica.Body(payload))
			if err != nil {
				return err
			}
			return n.shards[gid].ApplyWrites(writes, ts, ep)
		})
		part := replica.NewPartition(gid, n.wm, executor, n.ctrl.OnNoopsObserved(noopPublisher{n}), rt)
		n.partitions[gid] = part
		partitionList = append(partitionList, part)

		r, err := bootstrapRaft(cfg, fmt.Sprintf("%d", gid), part, rt)
		if err != nil {
			return nil, err
		}
		n.rafts[gid] = r
		part.Attach(r)
	}
	n.ctrl.SetPartitions(partitionList)

	// Global partition 0 additionally carries the sequencer's own
	// slot-assignment log (spec §4.8 step 3); every other partition only
	// replicates its own committed write batches.
	if cfg.ShardIdx == 0 {
		seqFSM := &sequencerFSM{seq: n.seq, rt: rt}
		r, err := bootstrapRaft(cfg, "seq", seqFSM, rt)
		if err != nil {
			return nil, err
		}
		n.seqRaft = r
	}

	return n, nil
}

type executorFunc func(payload []byte, ts uint32, epoch uint8) error

func (f executorFunc) Apply(payload []byte, ts uint32, epoch uint8) error { return f(payload, ts, epoch) }

// seqTransport adapts node to sequencer.Dispatcher and
// sequencer.Replicator: a partition this process hosts is served
// locally (raft Apply / direct handler execution), anything else is
// forwarded to its owner over the binary RPC protocol.
type seqTransport struct{ n *node }

func (t *seqTransport) Propose(ctx context.Context, partitionID int, payload []byte) error {
	if t.n.seqRaft != nil {
		return t.n.seqRaft.Apply(payload, 5*time.Second).Error()
	}
	return t.n.router.Propose(ctx, partitionID, payload)
}

func (t *seqTransport) BroadcastDispatch(ctx context.Context, partitionID int, pieces []sequencer.Piece) ([]byte, error) {
	return t.n.router.BroadcastDispatch(ctx, partitionID, pieces)
}

// sequencerFSM replicates the slot-assignment log for the sequencer
// designated at global partition 0 (spec §4.8 step 3): every replica of
// this raft group decodes a committed slot bundle and re-enters its own
// Sequencer via OnCommitted, so every replica executes the same pieces
// in the same order independent of which node happened to call Dispatch.
type sequencerFSM struct {
	seq *sequencer.Sequencer
	rt  *runtime.Context
}

func (f *sequencerFSM) Apply(log *raft.Log) any {
	slot, cmdID, pieces, err := sequencer.DecodeDispatchBundle(log.Data)
	if err != nil {
		if f.rt != nil {
			f.rt.Logger.Error().Err(err).Msg("sequencer fsm: corrupt slot bundle")
		}
		return err
	}
	f.seq.OnCommitted(context.Background(), slot, cmdID, pieces)
	return nil
}

func (f *sequencerFSM) Snapshot() (raft.FSMSnapshot, error) { return emptyFSMSnapshot{}, nil }
func (f *sequencerFSM) Restore(rc io.ReadCloser) error       { return rc.Close() }

type emptyFSMSnapshot struct{}

func (emptyFSMSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptyFSMSnapshot) Release()                             {}

// noopPublisher adapts node to epoch.FVWPublisher by recording the FVW
// against this node's own controller. It is used in every deployment,
// single- or multi-shard; the FVW is not sent to any other process.
type noopPublisher struct{ n *node }

func (p noopPublisher) PublishFVW(shardIndex int, fvw uint32) {
	p.n.ctrl.RecordFVW(shardIndex, fvw)
}

// bootstrapRaft builds a single-voter raft group backed by raft-boltdb/v2
// log/stable stores under cfg.DataDir/raft-<name>. A production
// multi-replica deployment would add voters via raft.AddVoter as peers
// join; that membership choreography is cluster bring-up orthogonal to
// the FSM/commit-callback semantics SPEC_FULL.md's modules need to
// exercise, so this process always bootstraps alone.
func bootstrapRaft(cfg *config.Node, name string, fsm raft.FSM, rt *runtime.Context) (*raft.Raft, error) {
	raftDir := filepath.Join(cfg.DataDir, fmt.Sprintf("raft-%s", name))
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return nil, err
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("node: raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "stable.bolt"))
	if err != nil {
		return nil, fmt.Errorf("node: raft stable store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(raftDir, 2, nil)
	if err != nil {
		return nil, fmt.Errorf("node: raft snapshot store: %w", err)
	}

	addr := fmt.Sprintf("%s-%s", cfg.PaxosProcName, name)
	_, transport := raft.NewInmemTransport(raft.ServerAddress(addr))

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(fmt.Sprintf("%s-shard%d-%s", cfg.PaxosProcName, cfg.ShardIdx, name))
	raftConfig.Logger = nil

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("node: raft.NewRaft: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return nil, err
	}
	if !hasState {
		f := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}},
		})
		if err := f.Error(); err != nil {
			return nil, fmt.Errorf("node: bootstrap %s: %w", name, err)
		}
	}
	return r, nil
}

// exchangePeers builds the watermark.ExchangePeer map for every other
// shard in the cluster, all routed through the same Router: a session
// that isn't connected yet simply fails that tick's poll and is retried
// on the next (spec §4.6 tolerates a missed exchange).
func (n *node) exchangePeers() map[int]watermark.ExchangePeer {
	out := make(map[int]watermark.ExchangePeer)
	for shardID := 0; shardID < n.cfg.NShards; shardID++ {
		if shardID == n.cfg.ShardIdx {
			continue
		}
		out[globalPartitionID(n.cfg, shardID, 0)] = n.router
	}
	return out
}

func (n *node) closeWALs() {
	for _, w := range n.wals {
		w.Close()
	}
}

// register announces this node to the coordinator with its RPC address
// and shard index, retrying every 400ms for up to 10 attempts.
func (n *node) register(ctx context.Context, coordAddr string) {
	req := cluster.RegisterRequest{Node: cluster.NodeInfo{
		ID:       fmt.Sprintf("shard-%d", n.cfg.ShardIdx),
		Addr:     "http://" + httpControlAddr(n.cfg.Listen),
		ShardIdx: n.cfg.ShardIdx,
		RPCAddr:  n.cfg.Listen,
	}}

	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coordAddr+"/register", req, nil)
		if lastErr == nil {
			n.rt.Logger.Info().Str("coordinator", coordAddr).Msg("registered with coordinator")
			return
		}
		n.rt.Logger.Warn().Err(lastErr).Int("attempt", i+1).Msg("register retry")
		time.Sleep(400 * time.Millisecond)
	}
	n.rt.Logger.Error().Err(lastErr).Msg("failed to register with coordinator")
}

// pollTopology periodically fetches the coordinator's shard map and
// dials any shard this process hasn't connected to yet, so the facade,
// txn.Coordinator, watermark exchange, and epoch controller can all
// reach it through n.router (spec §4.9 Phase 3's "resume" republishes
// this map after every failover).
func (n *node) pollTopology(ctx context.Context, coordAddr string, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var topo cluster.Topology
		if err := cluster.GetJSON(ctx, coordAddr+"/topology", &topo); err != nil {
			n.rt.Logger.Warn().Err(err).Msg("topology poll failed")
			continue
		}

		for shardID, addr := range topo.ShardRPCAddrs {
			if shardID == n.cfg.ShardIdx {
				continue
			}
			n.connectedMu.Lock()
			already := n.connected[shardID]
			n.connectedMu.Unlock()
			if already {
				continue
			}

			for p := 0; p < n.cfg.NPartitions; p++ {
				gid := globalPartitionID(n.cfg, shardID, p)
				if err := n.router.Connect(gid, addr); err != nil {
					n.rt.Logger.Warn().Err(err).Int("shard", shardID).Msg("router connect failed")
					continue
				}
			}
			n.ctrl.AddPeer(globalPartitionID(n.cfg, shardID, 0), n.router)
			n.connectedMu.Lock()
			n.connected[shardID] = true
			n.connectedMu.Unlock()
		}
	}
}

// handleControl is the coordinator's one-way HTTP trigger (distinct from
// the binary RPC Control op peer shards use on each other): the
// coordinator's health monitor detected a failed shard and is telling
// this survivor to begin Phase 1.
func (n *node) handleControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code  int
		Epoch uint8
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Code != epoch.CodeFailoverBegin {
		w.WriteHeader(http.StatusOK)
		return
	}

	propose := func(ctx context.Context, partitionID int, payload []byte) error {
		r, ok := n.rafts[partitionID]
		if !ok {
			return kverrors.ErrUnknownShard
		}
		return r.Apply(payload, 5*time.Second).Error()
	}
	if err := n.ctrl.OnFailoverBegin(r.Context(), propose); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Get implements rpc.Handlers.
func (n *node) Get(ctx context.Context, req rpc.GetRequest) (rpc.GetResponse, error) {
	sh, ok := n.shards[int(req.TargetServerID)]
	if !ok {
		return rpc.GetResponse{}, kverrors.ErrUnknownShard
	}
	value, version, found, err := sh.Get(req.Key, req.Epoch, req.HistWatermark)
	if err != nil {
		return rpc.GetResponse{}, err
	}
	return rpc.GetResponse{ShardIndex: req.TargetServerID, Value: value, Version: version, Found: found}, nil
}

// Scan implements rpc.Handlers, serving both Scan and RScan (req.Reverse
// selects direction).
func (n *node) Scan(ctx context.Context, req rpc.ScanRequest) (rpc.ScanResponse, error) {
	sh, ok := n.shards[int(req.TargetServerID)]
	if !ok {
		return rpc.ScanResponse{}, kverrors.ErrUnknownShard
	}
	resp := rpc.ScanResponse{ShardIndex: req.TargetServerID}
	cb := func(key string, value []byte) bool {
		resp.Keys = append(resp.Keys, key)
		resp.Values = append(resp.Values, value)
		return true
	}
	var err error
	if req.Reverse {
		err = sh.RScan(req.Start, req.End, req.Epoch, req.HistWatermark, cb)
	} else {
		err = sh.Scan(req.Start, req.End, req.Epoch, req.HistWatermark, cb)
	}
	return resp, err
}

// BatchLock implements rpc.Handlers. The acquired CommitHandle is parked
// under partitionID until Validate/Install/Unlock or Abort retrieves it;
// spec §4.5's wire protocol carries no transaction id of its own, so at
// most one remote-participant lock may be outstanding per partition at a
// time, matching the teacher's one-session-per-shard model.
func (n *node) BatchLock(ctx context.Context, req rpc.BatchLockRequest) (rpc.BatchLockResponse, error) {
	partitionID := int(req.TargetServerID)
	sh, ok := n.shards[partitionID]
	if !ok {
		return rpc.BatchLockResponse{}, kverrors.ErrUnknownShard
	}
	handle, err := sh.TryLockWriteSet(rpc.FromWireWriteOps(req.Writes))
	if err != nil {
		return rpc.BatchLockResponse{}, err
	}
	n.locksMu.Lock()
	n.pendingLocks[partitionID] = handle
	n.locksMu.Unlock()
	return rpc.BatchLockResponse{ShardIndex: req.TargetServerID}, nil
}

func (n *node) takeLock(partitionID int) (*index.CommitHandle, error) {
	n.locksMu.Lock()
	defer n.locksMu.Unlock()
	h, ok := n.pendingLocks[partitionID]
	if !ok {
		return nil, fmt.Errorf("rpc: %w: no pending lock on partition %d", kverrors.ErrProtocol, partitionID)
	}
	return h, nil
}

func (n *node) releaseLock(partitionID int) (*index.CommitHandle, error) {
	n.locksMu.Lock()
	defer n.locksMu.Unlock()
	h, ok := n.pendingLocks[partitionID]
	if !ok {
		return nil, fmt.Errorf("rpc: %w: no pending lock on partition %d", kverrors.ErrProtocol, partitionID)
	}
	delete(n.pendingLocks, partitionID)
	return h, nil
}

// Validate implements rpc.Handlers.
func (n *node) Validate(ctx context.Context, req rpc.ValidateRequest) (rpc.ValidateResponse, error) {
	handle, err := n.takeLock(int(req.TargetServerID))
	if err != nil {
		return rpc.ValidateResponse{}, err
	}
	wm, err := handle.Validate(req.Reads, req.Epoch)
	if err != nil {
		return rpc.ValidateResponse{}, err
	}
	return rpc.ValidateResponse{ShardIndex: req.TargetServerID, Watermark: wm}, nil
}

// GetTimestamp implements rpc.Handlers.
func (n *node) GetTimestamp(ctx context.Context, req rpc.GetTimestampRequest) (rpc.GetTimestampResponse, error) {
	return rpc.GetTimestampResponse{ShardIndex: req.TargetServerID, Timestamp: n.wm.Global()}, nil
}

// Install implements rpc.Handlers.
func (n *node) Install(ctx context.Context, req rpc.InstallRequest) (rpc.InstallResponse, error) {
	handle, err := n.takeLock(int(req.TargetServerID))
	if err != nil {
		return rpc.InstallResponse{}, err
	}
	ts, ep := watermark.DecodeTS(req.TSEncoded)
	if err := handle.Install(ts, ep); err != nil {
		return rpc.InstallResponse{}, err
	}
	return rpc.InstallResponse{ShardIndex: req.TargetServerID}, nil
}

// SerializeUtil implements rpc.Handlers.
func (n *node) SerializeUtil(ctx context.Context, req rpc.SerializeUtilRequest) (rpc.SerializeUtilResponse, error) {
	handle, err := n.takeLock(int(req.TargetServerID))
	if err != nil {
		return rpc.SerializeUtilResponse{}, err
	}
	if err := handle.SerializeUtil(req.TSEncoded, nil); err != nil {
		return rpc.SerializeUtilResponse{}, err
	}
	return rpc.SerializeUtilResponse{ShardIndex: req.TargetServerID}, nil
}

// Unlock implements rpc.Handlers.
func (n *node) Unlock(ctx context.Context, req rpc.UnlockRequest) (rpc.UnlockResponse, error) {
	handle, err := n.releaseLock(int(req.TargetServerID))
	if err != nil {
		return rpc.UnlockResponse{}, err
	}
	if err := handle.Unlock(req.Committed); err != nil {
		return rpc.UnlockResponse{}, err
	}
	return rpc.UnlockResponse{ShardIndex: req.TargetServerID}, nil
}

// Abort implements rpc.Handlers.
func (n *node) Abort(ctx context.Context, req rpc.AbortRequest) (rpc.AbortResponse, error) {
	handle, err := n.releaseLock(int(req.TargetServerID))
	if err != nil {
		return rpc.AbortResponse{}, err
	}
	if err := handle.Abort(); err != nil {
		return rpc.AbortResponse{}, err
	}
	return rpc.AbortResponse{ShardIndex: req.TargetServerID}, nil
}

// ExchangeWatermark implements rpc.Handlers.
func (n *node) ExchangeWatermark(ctx context.Context, req rpc.ExchangeWatermarkRequest) (rpc.ExchangeWatermarkResponse, error) {
	return rpc.ExchangeWatermarkResponse{ShardIndex: req.TargetServerID, Watermark: n.wm.Global()}, nil
}

// Control implements rpc.Handlers: the binary-RPC peer-to-peer half of
// spec §4.9's Control protocol (see handleControl for the coordinator's
// HTTP-side trigger).
func (n *node) Control(ctx context.Context, req rpc.ControlRequest) (rpc.ControlResponse, error) {
	propose := func(ctx context.Context, partitionID int, payload []byte) error {
		r, ok := n.rafts[partitionID]
		if !ok {
			return kverrors.ErrUnknownShard
		}
		return r.Apply(payload, 5*time.Second).Error()
	}
	out, err := n.ctrl.Control(ctx, req.Code, req.Value, propose, noopPublisher{n})
	if err != nil {
		return rpc.ControlResponse{}, err
	}
	return rpc.ControlResponse{ShardIndex: req.TargetServerID, ValueOut: out}, nil
}

// Warmup implements rpc.Handlers: a connection priming echo (spec §2.3).
func (n *node) Warmup(ctx context.Context, req rpc.WarmupRequest) (rpc.WarmupResponse, error) {
	return rpc.WarmupResponse{ShardIndex: req.TargetServerID, ValueOut: req.Value}, nil
}

// Propose implements rpc.Handlers for a remote caller proposing into
// this node's sequencer-log raft group (only meaningful when this node
// hosts global partition 0).
func (n *node) Propose(ctx context.Context, req rpc.ProposeRequest) (rpc.ProposeResponse, error) {
	if n.seqRaft == nil {
		return rpc.ProposeResponse{}, kverrors.ErrUnknownShard
	}
	if err := n.seqRaft.Apply(req.Payload, 5*time.Second).Error(); err != nil {
		return rpc.ProposeResponse{}, err
	}
	return rpc.ProposeResponse{ShardIndex: uint16(n.cfg.ShardIdx)}, nil
}

// Dispatch implements rpc.Handlers: execute an already-ordered piece
// bundle against the local partitions it targets (spec §4.8 step 4b).
func (n *node) Dispatch(ctx context.Context, req rpc.DispatchRequest) (rpc.DispatchResponse, error) {
	out, err := n.seq.ExecutePieces(ctx, rpc.FromWirePieces(req.Pieces))
	if err != nil {
		return rpc.DispatchResponse{}, err
	}
	return rpc.DispatchResponse{ShardIndex: uint16(n.cfg.ShardIdx), Output: out}, nil
}
