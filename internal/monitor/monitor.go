// Package monitor aggregates the control plane's observability state: a
// bounded ring of recent log entries fed straight from the zap core, the
// node connection history, per-node job counters and user feedback. All
// views are read-only snapshots for the monitor HTTP endpoints.
package monitor

import (
	"sync"
	"time"
)

const (
	maxLogEntries  = 500
	maxHistory     = 200
	maxFeedback    = 500
	connected      = "CONNECTED"
	disconnected   = "DISCONNECTED"
	defaultLogView = 100
)

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	NodeID    string    `json:"nodeId,omitempty"`
	JobID     string    `json:"jobId,omitempty"`
}

// ConnectionEvent records a node joining or leaving.
type ConnectionEvent struct {
	NodeID    string    `json:"nodeId"`
	Event     string    `json:"event"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeCounters tallies job outcomes per node.
type NodeCounters struct {
	JobsCompleted int `json:"jobsCompleted"`
	JobsFailed    int `json:"jobsFailed"`
}

// Feedback is one user rating of a query response.
type Feedback struct {
	QueryHash string    `json:"queryHash"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	Wallet    string    `json:"wallet,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Monitor owns the bounded observability buffers. The log ring evicts
// oldest-first once full; history and feedback keep the newest entries.
type Monitor struct {
	mu        sync.Mutex
	logs      []LogEntry
	logNext   int
	logCount  int
	history   []ConnectionEvent
	counters  map[string]*NodeCounters
	feedback  []Feedback
	startedAt time.Time
}

// New builds an empty monitor.
func New() *Monitor {
	return &Monitor{
		logs:      make([]LogEntry, maxLogEntries),
		counters:  make(map[string]*NodeCounters),
		startedAt: time.Now(),
	}
}

// AddLog appends one entry to the ring.
func (m *Monitor) AddLog(entry LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs[m.logNext] = entry
	m.logNext = (m.logNext + 1) % maxLogEntries
	if m.logCount < maxLogEntries {
		m.logCount++
	}
}

// Logs returns up to limit entries, newest first. limit <= 0 uses the
// default view size.
func (m *Monitor) Logs(limit int) []LogEntry {
	if limit <= 0 {
		limit = defaultLogView
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limit > m.logCount {
		limit = m.logCount
	}
	out := make([]LogEntry, limit)
	for i := 0; i < limit; i++ {
		idx := (m.logNext - 1 - i + maxLogEntries) % maxLogEntries
		out[i] = m.logs[idx]
	}
	return out
}

// RecordConnected notes a node joining.
func (m *Monitor) RecordConnected(nodeID string) {
	m.addEvent(ConnectionEvent{NodeID: nodeID, Event: connected, Timestamp: time.Now()})
}

// RecordDisconnected notes a node leaving with the close reason.
func (m *Monitor) RecordDisconnected(nodeID, reason string) {
	m.addEvent(ConnectionEvent{NodeID: nodeID, Event: disconnected, Reason: reason, Timestamp: time.Now()})
}

func (m *Monitor) addEvent(ev ConnectionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, ev)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

// History returns the connection events, newest first.
func (m *Monitor) History() []ConnectionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ConnectionEvent, len(m.history))
	for i, ev := range m.history {
		out[len(m.history)-1-i] = ev
	}
	return out
}

// RecordJobResult bumps the node's completed or failed counter.
func (m *Monitor) RecordJobResult(nodeID string, success bool) {
	if nodeID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[nodeID]
	if !ok {
		c = &NodeCounters{}
		m.counters[nodeID] = c
	}
	if success {
		c.JobsCompleted++
	} else {
		c.JobsFailed++
	}
}

// Counters returns a copy of every node's job counters.
func (m *Monitor) Counters() map[string]NodeCounters {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]NodeCounters, len(m.counters))
	for id, c := range m.counters {
		out[id] = *c
	}
	return out
}

// CountersFor returns one node's counters, zero-valued when unseen.
func (m *Monitor) CountersFor(nodeID string) NodeCounters {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[nodeID]; ok {
		return *c
	}
	return NodeCounters{}
}

// AddFeedback stores one feedback entry, keeping the newest.
func (m *Monitor) AddFeedback(fb Feedback) {
	if fb.Timestamp.IsZero() {
		fb.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.feedback = append(m.feedback, fb)
	if len(m.feedback) > maxFeedback {
		m.feedback = m.feedback[len(m.feedback)-maxFeedback:]
	}
}

// FeedbackEntries returns stored feedback, newest first.
func (m *Monitor) FeedbackEntries() []Feedback {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Feedback, len(m.feedback))
	for i, fb := range m.feedback {
		out[len(m.feedback)-1-i] = fb
	}
	return out
}

// Uptime reports how long the monitor (and so the process) has been up.
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startedAt)
}
