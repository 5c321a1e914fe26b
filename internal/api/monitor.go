package api

import (
	"net/http"
	"strconv"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/monitor"
	"github.com/agentmesh-io/agentmesh/internal/queue"
	"github.com/agentmesh-io/agentmesh/internal/registry"
)

type monitorHandler struct {
	registry   *registry.Registry
	queue      *queue.Queue
	dispatcher Dispatcher
	store      *agents.Store
	monitor    *monitor.Monitor
	version    string
}

func newMonitorHandler(cfg RouterConfig) *monitorHandler {
	return &monitorHandler{
		registry:   cfg.Registry,
		queue:      cfg.Queue,
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		monitor:    cfg.Monitor,
		version:    cfg.Version,
	}
}

// Health is the liveness probe.
func (h *monitorHandler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
	})
}

// Status summarizes nodes, dispatcher, queue and catalogue in one view.
func (h *monitorHandler) Status(w http.ResponseWriter, r *http.Request) {
	online := h.registry.OnlineNodes()
	idle := h.registry.IdleNodes()

	JSON(w, http.StatusOK, map[string]any{
		"version": h.version,
		"uptime":  h.monitor.Uptime().String(),
		"nodes": map[string]int{
			"total":  h.registry.Count(),
			"online": len(online),
			"idle":   len(idle),
		},
		"dispatcher": map[string]int{
			"pendingRuns": h.dispatcher.Pending(),
		},
		"queue":  h.queue.Stats(),
		"agents": len(h.store.List()),
	})
}

// Overview is the monitor landing snapshot: uptime, per-node counters and
// buffer sizes.
func (h *monitorHandler) Overview(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"uptime":   h.monitor.Uptime().String(),
		"counters": h.monitor.Counters(),
		"queue":    h.queue.Stats(),
		"nodes":    h.registry.Count(),
		"feedback": len(h.monitor.FeedbackEntries()),
	})
}

// Nodes lists every registered node including stale ones.
func (h *monitorHandler) Nodes(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"nodes": h.registry.AllNodes()})
}

// Logs returns the newest captured log entries, capped by ?limit=.
func (h *monitorHandler) Logs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ErrJSON(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	JSON(w, http.StatusOK, map[string]any{"logs": h.monitor.Logs(limit)})
}

// History returns the bounded connection event history.
func (h *monitorHandler) History(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"history": h.monitor.History()})
}
