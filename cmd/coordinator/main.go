// Package main implements the shardkv coordinator: the control-plane
// process that tracks cluster membership, shard-to-node assignment, and
// the cluster's current epoch, and triggers the Phase 0 step of the
// failover handshake (spec §4.9) when a node's health check fails.
//
// Data never flows through the coordinator. Once a client or node has
// the cluster's Topology (GET /topology), every read, write, and
// transaction commit goes directly over the binary RPC protocol of spec
// §6 between nodes; the coordinator's job ends at membership and
// failover triggering.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardkv/internal/cluster"
	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/coordinator"
	"github.com/dreamware/shardkv/internal/runtime"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
	healthStatusUnknown   = "unknown"
)

func main() {
	cfg, err := config.ParseCoordinator(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rt := runtime.New("coordinator", -1, cfg.NShards)
	srv := newServer(cfg.NShards, rt)

	go srv.healthMonitor.Start(context.Background(), func() []cluster.NodeInfo {
		srv.mu.RLock()
		defer srv.mu.RUnlock()
		nodes := make([]cluster.NodeInfo, len(srv.nodes))
		copy(nodes, srv.nodes)
		return nodes
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/nodes", srv.handleListNodes)
	mux.HandleFunc("/broadcast", srv.handleBroadcast)
	mux.HandleFunc("/topology", srv.handleTopology)
	mux.HandleFunc("/shards", srv.handleShards)
	mux.HandleFunc("/shards/assign", srv.handleShardAssign)
	mux.HandleFunc("/shards/rebalance", srv.handleShardRebalance)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		rt.Logger.Info().Str("addr", cfg.Listen).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.Logger.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	rt.Logger.Info().Msg("stopping health monitor")
	srv.healthMonitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		rt.Logger.Warn().Err(err).Msg("http shutdown error")
	}
	rt.Logger.Info().Msg("coordinator stopped")
}

// server holds the coordinator's control-plane state: registered nodes,
// the shard assignment registry, the current epoch, and the health
// monitor that drives failover triggering.
type server struct {
	registry      *coordinator.ShardRegistry
	healthMonitor *coordinator.HealthMonitor
	rt            *runtime.Context

	mu    sync.RWMutex
	nodes []cluster.NodeInfo
	epoch uint8
}

func newServer(numShards int, rt *runtime.Context) *server {
	healthInterval := 5 * time.Second
	if envInterval := os.Getenv("HEALTH_CHECK_INTERVAL"); envInterval != "" {
		if parsed, err := time.ParseDuration(envInterval); err == nil {
			healthInterval = parsed
		}
	}

	srv := &server{
		registry:      coordinator.NewShardRegistry(numShards),
		healthMonitor: coordinator.NewHealthMonitor(healthInterval),
		rt:            rt,
	}

	// Phase 0 of spec §4.9's failover handshake: a node going unhealthy
	// triggers the coordinator to broadcast a FailoverBegin control
	// message to every surviving node's /control endpoint, bumping the
	// cluster epoch. The surviving nodes then run Phase 1-3 peer-to-peer
	// over the binary Control RPC among themselves (internal/epoch).
	srv.healthMonitor.SetOnUnhealthy(func(nodeID string) {
		rt.Logger.Warn().Str("node", nodeID).Msg("node unhealthy, triggering failover")
		srv.markNodeUnhealthy(nodeID)
		for _, shardID := range srv.registry.GetNodeShards(nodeID) {
			if err := srv.registry.RemoveShard(shardID); err != nil {
				rt.Logger.Error().Err(err).Int("shard", shardID).Msg("failed to release shard from dead node")
			}
		}
		srv.mu.Lock()
		srv.autoAssignShards()
		srv.mu.Unlock()
		srv.triggerFailover(nodeID)
	})

	return srv
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	if idx >= 0 {
		s.nodes[idx] = req.Node
	} else {
		s.nodes = append(s.nodes, req.Node)
		s.autoAssignShards()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Epoch uint8 `json:"epoch"`
	}{Epoch: s.epoch})
}

func (s *server) markNodeUnhealthy(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, node := range s.nodes {
		if node.ID == nodeID {
			s.nodes[i].Status = healthStatusUnhealthy
			return
		}
	}
}

// triggerFailover bumps the cluster epoch and posts a FailoverBegin
// control message to every node besides the one that just failed.
// Content mirrors internal/epoch.CodeFailoverBegin so a node's /control
// handler can decode it into a direct call into its local
// epoch.Controller.OnFailoverBegin.
func (s *server) triggerFailover(failedNodeID string) {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	targets := make([]cluster.NodeInfo, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.ID != failedNodeID && n.Status != healthStatusUnhealthy {
			targets = append(targets, n)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	payload := struct {
		Code  int   `json:"code"`
		Epoch uint8 `json:"epoch"`
	}{Code: 0, Epoch: epoch}

	for _, n := range targets {
		if err := cluster.PostJSON(ctx, n.Addr+"/control", payload, nil); err != nil {
			s.rt.Logger.Warn().Str("node", n.ID).Err(err).Msg("failover control broadcast failed")
		}
	}
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allHealth := s.healthMonitor.GetAllNodeHealth()
	nodes := make([]cluster.NodeInfo, len(s.nodes))
	for i, node := range s.nodes {
		nodes[i] = node
		if node.Status != healthStatusUnhealthy {
			if health := allHealth[node.ID]; health != nil {
				nodes[i].Status = health.Status
				nodes[i].LastHealthCheck = health.LastCheck
			} else {
				nodes[i].Status = healthStatusUnknown
			}
		}
	}

	json.NewEncoder(w).Encode(struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: nodes})
}

func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req cluster.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Path == "" || req.Path[0] != '/' {
		http.Error(w, "path must start with '/'", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	targets := append([]cluster.NodeInfo(nil), s.nodes...)
	s.mu.RUnlock()

	type result struct {
		NodeID string `json:"node_id"`
		Err    string `json:"err,omitempty"`
	}
	out := make([]result, 0, len(targets))

	ctx, cancel := context.WithTimeout(r.Context(), 4*time.Second)
	defer cancel()

	for _, n := range targets {
		err := cluster.PostJSON(ctx, n.Addr+req.Path, req.Payload, nil)
		res := result{NodeID: n.ID}
		if err != nil {
			res.Err = err.Error()
		}
		out = append(out, res)
	}

	json.NewEncoder(w).Encode(struct {
		Results []result `json:"results"`
		SentTo  int      `json:"sent_to"`
	}{Results: out, SentTo: len(out)})
}

// handleTopology answers GET /topology with the shard-index-to-RPC-address
// map and current epoch, per spec §4.5: the map a new client or node needs
// to populate internal/rpc.Router and internal/facade.Index.
func (s *server) handleTopology(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topo := cluster.Topology{Epoch: s.epoch, ShardRPCAddrs: make(map[int]string)}
	for _, n := range s.nodes {
		if n.RPCAddr != "" && n.Status != healthStatusUnhealthy {
			topo.ShardRPCAddrs[n.ShardIdx] = n.RPCAddr
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(topo)
}

func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	assignments := s.registry.GetAllAssignments()
	response := struct {
		Shards    []*coordinator.ShardAssignment `json:"shards"`
		NumShards int                            `json:"num_shards"`
	}{
		Shards:    assignments,
		NumShards: s.registry.NumShards(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *server) handleShardAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		NodeID    string `json:"node_id"`
		IsPrimary bool   `json:"is_primary"`
		ShardID   int    `json:"shard_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if err := s.registry.AssignShard(req.ShardID, req.NodeID, req.IsPrimary); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleShardRebalance redistributes every shard round-robin across the
// node IDs given in the request body, overwriting existing assignments.
// Intended for operator use after manually adding capacity; routine
// placement of newly-unassigned shards goes through autoAssignShards
// instead.
func (s *server) handleShardRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		NodeIDs []string `json:"node_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if err := s.registry.RebalanceShards(req.NodeIDs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// autoAssignShards distributes unassigned shards round-robin across
// healthy registered nodes. Called under s.mu from handleRegister and the
// unhealthy-node callback.
func (s *server) autoAssignShards() {
	var healthyNodes []cluster.NodeInfo
	for _, node := range s.nodes {
		if node.Status != healthStatusUnhealthy {
			healthyNodes = append(healthyNodes, node)
		}
	}
	if len(healthyNodes) == 0 {
		return
	}

	assignments := s.registry.GetAllAssignments()
	assignedShards := make(map[int]bool)
	for _, a := range assignments {
		assignedShards[a.ShardID] = true
	}

	nodeIndex := 0
	for shardID := 0; shardID < s.registry.NumShards(); shardID++ {
		if !assignedShards[shardID] {
			nodeID := healthyNodes[nodeIndex].ID
			if err := s.registry.AssignShard(shardID, nodeID, true); err != nil {
				s.rt.Logger.Error().Err(err).Int("shard", shardID).Str("node", nodeID).Msg("auto-assign failed")
			}
			nodeIndex = (nodeIndex + 1) % len(healthyNodes)
		}
	}
}
