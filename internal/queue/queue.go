// Package queue tracks the lifecycle of dispatched jobs: a capability-
// matched FIFO of pending work, the set of running attempts keyed by runId,
// a bounded history of completed attempts, and the dead-letter list for
// jobs that exhausted their retries.
//
// The queue is pure bookkeeping. It never talks to nodes and never notifies
// waiters; the dispatcher drives every transition and reacts to the values
// returned here. A runId lives in at most one structure at any instant, all
// transitions happen under one mutex.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/metrics"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
)

// maxCompleted bounds the completed-attempt history. Oldest entries are
// evicted first.
const maxCompleted = 256

// DefaultMaxRetries is the retry budget for jobs that do not set their own.
const DefaultMaxRetries = 3

// ─── Types ───────────────────────────────────────────────────────────────────

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusTimeout Status = "TIMEOUT"
	StatusDead    Status = "DEAD"
)

// Job is one logical work item. The jobId is stable across retries; RunID
// identifies the current attempt and changes on every MarkRunning.
type Job struct {
	ID                   string             `json:"jobId"`
	RunID                string             `json:"runId,omitempty"`
	AgentID              string             `json:"agentId,omitempty"`
	Input                json.RawMessage    `json:"input,omitempty"`
	ToolCall             *protocol.ToolCall `json:"toolCall,omitempty"`
	RequiredCapabilities []string           `json:"requiredCapabilities,omitempty"`
	Timeout              time.Duration      `json:"-"`
	RetryCount           int                `json:"retryCount"`
	MaxRetries           int                `json:"maxRetries"`
	Status               Status             `json:"status"`
	NodeID               string             `json:"nodeId,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	StartedAt            time.Time          `json:"startedAt,omitzero"`
}

// Completion is the archived record of a finished attempt.
type Completion struct {
	Job         *Job            `json:"job"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// DeadLetter is the terminal record of a job whose retries ran out.
type DeadLetter struct {
	Job    *Job      `json:"job"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Stats is a point-in-time size summary of all four structures.
type Stats struct {
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	DeadLetter int `json:"deadLetter"`
}

// TimeoutEvent reports one running attempt swept past its deadline. RunID
// is the attempt that expired; the job's own RunID is already cleared when
// it went back to pending.
type TimeoutEvent struct {
	RunID        string
	Job          *Job
	DeadLettered bool
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// Queue holds all job bookkeeping. Create instances with New.
type Queue struct {
	mu             sync.Mutex
	pending        []*Job
	running        map[string]*Job
	completed      map[string]*Completion
	completedOrder []string
	deadLetter     []*DeadLetter
	logger         *zap.Logger
}

// New creates an empty Queue.
func New(logger *zap.Logger) *Queue {
	return &Queue{
		running:   make(map[string]*Job),
		completed: make(map[string]*Completion),
		logger:    logger.Named("queue"),
	}
}

// Enqueue appends a job to the pending FIFO. MaxRetries defaults when the
// caller left it zero.
func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	if job.MaxRetries <= 0 {
		job.MaxRetries = DefaultMaxRetries
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = StatusPending
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("agent_id", job.AgentID),
		zap.Strings("required_capabilities", job.RequiredCapabilities),
	)
}

// Dequeue removes and returns the first pending job whose required
// capabilities are covered by caps, or nil when none match.
func (q *Queue) Dequeue(caps []string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.pending {
		if subset(job.RequiredCapabilities, caps) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return job
		}
	}
	return nil
}

// TakePending removes a specific job from the pending FIFO, for a caller
// that abandons its job or reclaims it for a targeted retry.
func (q *Queue) TakePending(jobID string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.pending {
		if job.ID == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return job
		}
	}
	return nil
}

// MarkRunning records the start of an attempt: the job gets the fresh
// runId, the assigned node, and a start timestamp, and enters the running
// map.
func (q *Queue) MarkRunning(job *Job, nodeID, runID string) {
	q.mu.Lock()
	job.RunID = runID
	job.NodeID = nodeID
	job.StartedAt = time.Now().UTC()
	job.Status = StatusRunning
	q.running[runID] = job
	q.mu.Unlock()
}

// MarkComplete moves a running attempt to the completed history. Unknown
// runIds return nil, which makes the call idempotent against the sweeper.
func (q *Queue) MarkComplete(runID string, success bool, result json.RawMessage, errMsg string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.running[runID]
	if !ok {
		return nil
	}
	delete(q.running, runID)

	if success {
		job.Status = StatusSuccess
	} else {
		job.Status = StatusFailed
	}

	q.completed[runID] = &Completion{
		Job:         job,
		Success:     success,
		Result:      result,
		Error:       errMsg,
		CompletedAt: time.Now().UTC(),
	}
	q.completedOrder = append(q.completedOrder, runID)
	for len(q.completedOrder) > maxCompleted {
		delete(q.completed, q.completedOrder[0])
		q.completedOrder = q.completedOrder[1:]
	}
	return job
}

// MarkTimeout charges one failed attempt against the job's retry budget.
// The job either returns to the tail of pending with a cleared runId, or,
// once retryCount reaches maxRetries, moves to the dead-letter list. The
// second return is false for unknown runIds.
func (q *Queue) MarkTimeout(runID string) (deadLettered bool, job *Job) {
	q.mu.Lock()
	job, ok := q.running[runID]
	if !ok {
		q.mu.Unlock()
		return false, nil
	}
	delete(q.running, runID)

	job.RetryCount++
	if job.RetryCount >= job.MaxRetries {
		job.Status = StatusDead
		q.deadLetter = append(q.deadLetter, &DeadLetter{
			Job:    job,
			Reason: fmt.Sprintf("Exceeded max retries (%d)", job.MaxRetries),
			At:     time.Now().UTC(),
		})
		q.mu.Unlock()

		metrics.DeadLetteredTotal.Inc()
		q.logger.Warn("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.String("run_id", runID),
			zap.Int("retry_count", job.RetryCount),
		)
		return true, job
	}

	job.Status = StatusPending
	job.RunID = ""
	job.NodeID = ""
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	metrics.JobRetriesTotal.Inc()
	q.logger.Info("job requeued after timeout",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
		zap.Int("max_retries", job.MaxRetries),
	)
	return false, job
}

// SweepTimeouts applies MarkTimeout to every running attempt whose
// deadline passed. Runs every few seconds as the backstop for attempts
// whose dispatcher-side timer never fired.
func (q *Queue) SweepTimeouts(now time.Time) []TimeoutEvent {
	q.mu.Lock()
	var expired []string
	for runID, job := range q.running {
		if job.Timeout > 0 && now.Sub(job.StartedAt) > job.Timeout {
			expired = append(expired, runID)
		}
	}
	q.mu.Unlock()

	events := make([]TimeoutEvent, 0, len(expired))
	for _, runID := range expired {
		dead, job := q.MarkTimeout(runID)
		if job != nil {
			events = append(events, TimeoutEvent{RunID: runID, Job: job, DeadLettered: dead})
		}
	}
	return events
}

// Completed looks up an archived attempt by runId.
func (q *Queue) Completed(runID string) (*Completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.completed[runID]
	return c, ok
}

// DeadLetters returns a snapshot of the dead-letter list.
func (q *Queue) DeadLetters() []*DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*DeadLetter(nil), q.deadLetter...)
}

// Stats reports the current size of each structure.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:    len(q.pending),
		Running:    len(q.running),
		Completed:  len(q.completed),
		DeadLetter: len(q.deadLetter),
	}
}

// subset reports whether every element of need is present in have.
func subset(need, have []string) bool {
	for _, n := range need {
		found := false
		for _, h := range have {
			if n == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
