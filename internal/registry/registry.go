// Package registry maintains the in-memory registry of authenticated worker
// nodes.
//
// When a worker completes the AUTH handshake, the gateway registers it here
// together with the outbound half of its channel. The dispatcher consults
// the registry to pick idle nodes and resolves the channel by nodeId at
// send time, so no other component holds a channel handle of its own.
//
// All state is in-memory and intentionally non-persistent: when the control
// plane restarts, workers reconnect and re-register through their
// reconnection loop. Lock order across components is registry < queue <
// ledger; the registry never calls into either while holding its lock.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/metrics"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
)

// ─── Types ───────────────────────────────────────────────────────────────────

// Status is the liveness state of a registered node.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusStale   Status = "STALE"
)

// Metrics is the load snapshot a node reports with each heartbeat.
type Metrics struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	ActiveJobs    int     `json:"activeJobs"`
}

// Sender is the outbound half of a worker channel. The gateway session
// implements it; the registry holds it as a weak handle that stops working
// once the gateway closes the connection.
type Sender interface {
	// SendFrame encodes and queues one frame for delivery. Sends to a
	// closed channel return an error and are otherwise dropped.
	SendFrame(t protocol.FrameType, traceID string, payload any) error

	// Close tears the connection down with a reason recorded in the logs.
	Close(reason string)
}

// Node is the registry's record of one connected worker. Returned values
// are snapshot copies; mutating them does not affect the registry.
type Node struct {
	ID            string             `json:"nodeId"`
	Capabilities  []string           `json:"capabilities"`
	AgentTypes    []string           `json:"agentTypes,omitempty"`
	Wallet        string             `json:"wallet,omitempty"`
	Version       string             `json:"version"`
	Specs         protocol.NodeSpecs `json:"specs"`
	Status        Status             `json:"status"`
	ConnectedAt   time.Time          `json:"connectedAt"`
	LastHeartbeat time.Time          `json:"lastHeartbeat"`
	Metrics       Metrics            `json:"metrics"`
}

// Info carries the AUTH fields the gateway passes to Register.
type Info struct {
	Capabilities []string
	AgentTypes   []string
	Wallet       string
	Version      string
	Specs        protocol.NodeSpecs
}

// Eviction pairs a removed node with the channel the caller must close.
// Closing happens outside the registry lock.
type Eviction struct {
	Node    *Node
	Channel Sender
}

// CloseReasonReplaced is the close reason for a channel displaced by a
// re-registration of the same nodeId.
const CloseReasonReplaced = "REPLACED"

type entry struct {
	node *Node
	ch   Sender
}

// ─── Registry ────────────────────────────────────────────────────────────────

// Registry is the concurrent map of live worker nodes. The zero value is
// not usable; create instances with New.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*entry
	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		nodes:  make(map[string]*entry),
		logger: logger.Named("registry"),
	}
}

// Register adds a node with its outbound channel. Re-registering an
// existing nodeId displaces the previous channel: the returned Sender (if
// any) must be closed by the caller with CloseReasonReplaced after the
// lock is released.
func (r *Registry) Register(nodeID string, ch Sender, info Info) (displaced Sender) {
	now := time.Now().UTC()

	r.mu.Lock()
	if old, exists := r.nodes[nodeID]; exists {
		// The node reconnected before the stale sweep caught the previous
		// connection, or it is running twice by mistake.
		r.logger.Warn("replacing existing node connection",
			zap.String("node_id", nodeID),
		)
		displaced = old.ch
	}

	r.nodes[nodeID] = &entry{
		node: &Node{
			ID:            nodeID,
			Capabilities:  append([]string(nil), info.Capabilities...),
			AgentTypes:    append([]string(nil), info.AgentTypes...),
			Wallet:        info.Wallet,
			Version:       info.Version,
			Specs:         info.Specs,
			Status:        StatusOnline,
			ConnectedAt:   now,
			LastHeartbeat: now,
		},
		ch: ch,
	}
	total := len(r.nodes)
	r.mu.Unlock()

	metrics.NodesConnected.Set(float64(total))
	r.logger.Info("node registered",
		zap.String("node_id", nodeID),
		zap.Strings("capabilities", info.Capabilities),
		zap.Strings("agent_types", info.AgentTypes),
		zap.Int("total_connected", total),
	)
	return displaced
}

// UpdateHeartbeat refreshes a node's metrics and liveness. Returns false
// when the node is unknown, which the gateway answers with a fatal
// NOT_REGISTERED error.
func (r *Registry) UpdateHeartbeat(nodeID string, m Metrics) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.nodes[nodeID]
	if !exists {
		return false
	}

	e.node.LastHeartbeat = time.Now().UTC()
	e.node.Metrics = m
	e.node.Status = StatusOnline
	return true
}

// Unregister removes a node. Returns the removed snapshot, or false when
// the node was already gone (disconnect racing the stale sweep).
func (r *Registry) Unregister(nodeID string) (*Node, bool) {
	r.mu.Lock()
	e, exists := r.nodes[nodeID]
	if exists {
		delete(r.nodes, nodeID)
	}
	total := len(r.nodes)
	r.mu.Unlock()

	if !exists {
		return nil, false
	}

	metrics.NodesConnected.Set(float64(total))
	r.logger.Info("node unregistered",
		zap.String("node_id", nodeID),
		zap.Duration("session_duration", time.Since(e.node.ConnectedAt)),
		zap.Int("total_connected", total),
	)
	return snapshot(e.node), true
}

// Get returns a snapshot of one node.
func (r *Registry) Get(nodeID string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.nodes[nodeID]
	if !exists {
		return nil, false
	}
	return snapshot(e.node), true
}

// ChannelOf resolves the outbound channel for a node at send time.
func (r *Registry) ChannelOf(nodeID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.nodes[nodeID]
	if !exists {
		return nil, false
	}
	return e.ch, true
}

// FindByChannel returns the node registered with the given channel handle.
func (r *Registry) FindByChannel(ch Sender) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.nodes {
		if e.ch == ch {
			return snapshot(e.node), true
		}
	}
	return nil, false
}

// OnlineNodes returns snapshots of all nodes with status ONLINE, sorted by
// id for stable API output.
func (r *Registry) OnlineNodes() []*Node {
	return r.filter(func(n *Node) bool { return n.Status == StatusOnline })
}

// AllNodes returns snapshots of every registered node, stale ones included.
func (r *Registry) AllNodes() []*Node {
	return r.filter(func(n *Node) bool { return true })
}

// IdleNodes returns ONLINE nodes with no active jobs.
func (r *Registry) IdleNodes() []*Node {
	return r.filter(func(n *Node) bool {
		return n.Status == StatusOnline && n.Metrics.ActiveJobs == 0
	})
}

// NodesWithCapability returns ONLINE nodes advertising the capability.
func (r *Registry) NodesWithCapability(cap string) []*Node {
	return r.filter(func(n *Node) bool {
		return n.Status == StatusOnline && contains(n.Capabilities, cap)
	})
}

// IdleNodeForAgent returns the first idle node that may execute the given
// agent type.
func (r *Registry) IdleNodeForAgent(agentType string) (*Node, bool) {
	idle := r.filter(func(n *Node) bool {
		return n.Status == StatusOnline && n.Metrics.ActiveJobs == 0 && contains(n.AgentTypes, agentType)
	})
	if len(idle) == 0 {
		return nil, false
	}
	return idle[0], true
}

// Count returns the number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Sweep marks nodes STALE once their last heartbeat is older than
// staleAfter and removes nodes quiet for longer than evictAfter. The
// caller closes the returned channels after the lock is released.
func (r *Registry) Sweep(now time.Time, staleAfter, evictAfter time.Duration) []Eviction {
	var evicted []Eviction

	r.mu.Lock()
	for id, e := range r.nodes {
		quiet := now.Sub(e.node.LastHeartbeat)
		switch {
		case quiet > evictAfter:
			delete(r.nodes, id)
			evicted = append(evicted, Eviction{Node: snapshot(e.node), Channel: e.ch})
		case quiet > staleAfter && e.node.Status == StatusOnline:
			e.node.Status = StatusStale
			r.logger.Warn("node went stale",
				zap.String("node_id", id),
				zap.Duration("since_heartbeat", quiet),
			)
		}
	}
	total := len(r.nodes)
	r.mu.Unlock()

	if len(evicted) > 0 {
		metrics.NodesConnected.Set(float64(total))
		for _, ev := range evicted {
			r.logger.Warn("evicting stale node",
				zap.String("node_id", ev.Node.ID),
				zap.Time("last_heartbeat", ev.Node.LastHeartbeat),
			)
		}
	}
	return evicted
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (r *Registry) filter(keep func(*Node) bool) []*Node {
	r.mu.RLock()
	result := make([]*Node, 0, len(r.nodes))
	for _, e := range r.nodes {
		if keep(e.node) {
			result = append(result, snapshot(e.node))
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func snapshot(n *Node) *Node {
	cp := *n
	cp.Capabilities = append([]string(nil), n.Capabilities...)
	cp.AgentTypes = append([]string(nil), n.AgentTypes...)
	return &cp
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
