// Package dispatch owns the in-flight job table of the control plane. A
// dispatch picks an idle node, registers a pending entry keyed by the
// attempt's runId, sends JOB_ASSIGN and parks the caller on a one-shot
// channel. Inbound results, deadline timers and the periodic sweeper race
// to resolve that entry; an atomic take on the pending map guarantees
// exactly one of them publishes the outcome.
//
// Retries are not the dispatcher's job. A timed-out attempt surfaces to
// its caller immediately while the queue requeues the job; the drain loop
// hands requeued work to the next idle node as a background attempt with
// a fresh runId and no waiter.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/metrics"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
	"github.com/agentmesh-io/agentmesh/internal/queue"
	"github.com/agentmesh-io/agentmesh/internal/registry"
)

// Timeouts for the two dispatch paths.
const (
	DefaultJobTimeout = 30 * time.Second
	AgentJobTimeout   = 60 * time.Second
)

// drainInterval is the safety tick of the drain loop for the rare wakeup
// lost while the loop was mid-pass.
const drainInterval = 5 * time.Second

var (
	// ErrNoIdleNode means no registered node can take the job right now.
	ErrNoIdleNode = errors.New("dispatch: no idle nodes available")
	// ErrJobTimeout means the attempt's deadline fired before a result.
	ErrJobTimeout = errors.New("dispatch: job timed out")
	// ErrSendFailed means the JOB_ASSIGN could not be written to the node.
	ErrSendFailed = errors.New("dispatch: failed to send job to node")
)

// Request describes one synchronous dispatch. ToolCall, when set, rides
// the JOB_ASSIGN frame so the worker runs a single named tool instead of
// a script.
type Request struct {
	Input                json.RawMessage
	AgentID              string
	ToolCall             *protocol.ToolCall
	RequiredCapabilities []string
	Timeout              time.Duration
}

// Result is the outcome of one job attempt as reported by the worker.
type Result struct {
	JobID   string
	RunID   string
	NodeID  string
	Status  protocol.RunStatus
	Output  json.RawMessage
	Logs    []string
	Error   *protocol.JobError
	Metrics protocol.RunMetrics
}

// AgentResult is the outcome of a delegated agent run.
type AgentResult struct {
	JobID     string
	NodeID    string
	Success   bool
	Response  string
	ToolsUsed []string
	Error     string
}

type outcome struct {
	res      *Result
	agentRes *AgentResult
	err      error
}

// pendingRun is one unresolved attempt. Key is the runId for jobs and the
// jobId for agent jobs. done is nil for background retries.
type pendingRun struct {
	key     string
	jobID   string
	agentID string
	nodeID  string
	timer   *time.Timer
	done    chan outcome
}

// MemoryStore is the slice of the agent store the dispatcher needs for
// frame enrichment and result persistence.
type MemoryStore interface {
	Get(id string) (*agents.Definition, bool)
	Memory(agentID string) json.RawMessage
	SetMemory(agentID string, mem json.RawMessage)
}

// Dispatcher correlates outbound job frames with inbound results.
type Dispatcher struct {
	registry *registry.Registry
	queue    *queue.Queue
	store    MemoryStore
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingRun

	wake chan struct{}
}

// New builds a Dispatcher. store may be nil when no agent enrichment is
// wanted (tests, bare tool dispatch).
func New(reg *registry.Registry, q *queue.Queue, store MemoryStore, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		queue:    q,
		store:    store,
		logger:   logger.Named("dispatch"),
		pending:  make(map[string]*pendingRun),
		wake:     make(chan struct{}, 1),
	}
}

// ─── Synchronous dispatch ────────────────────────────────────────────────────

// Dispatch runs one job on an idle node and waits for its result. It
// returns ErrNoIdleNode immediately when no node qualifies, ErrJobTimeout
// when the deadline fires first, and the worker-reported Result otherwise;
// a worker-side failure is a Result with Status ERROR, not a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	node := d.pickNode(req.AgentID, req.RequiredCapabilities)
	if node == nil {
		metrics.DispatchesTotal.WithLabelValues("no_idle_node").Inc()
		return nil, ErrNoIdleNode
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	job := &queue.Job{
		ID:                   ulid.Make().String(),
		AgentID:              req.AgentID,
		Input:                req.Input,
		ToolCall:             req.ToolCall,
		RequiredCapabilities: req.RequiredCapabilities,
		Timeout:              timeout,
		MaxRetries:           queue.DefaultMaxRetries,
		CreatedAt:            time.Now().UTC(),
	}

	entry, err := d.assign(job, node, true)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("send_failed").Inc()
		return nil, err
	}

	select {
	case out := <-entry.done:
		return out.res, out.err
	case <-ctx.Done():
		if e := d.take(entry.key); e != nil {
			e.timer.Stop()
			d.queue.MarkComplete(e.key, false, nil, "canceled by caller")
		}
		return nil, ctx.Err()
	}
}

// DispatchAgentJob delegates a whole agent run to a node advertising the
// agent type and waits up to AgentJobTimeout for its response.
func (d *Dispatcher) DispatchAgentJob(ctx context.Context, agentID, query string, agentCtx json.RawMessage) (*AgentResult, error) {
	node, ok := d.registry.IdleNodeForAgent(agentID)
	if !ok {
		metrics.DispatchesTotal.WithLabelValues("no_idle_node").Inc()
		return nil, fmt.Errorf("%w for agent %s", ErrNoIdleNode, agentID)
	}

	jobID := ulid.Make().String()
	entry := &pendingRun{
		key:     jobID,
		jobID:   jobID,
		agentID: agentID,
		nodeID:  node.ID,
		done:    make(chan outcome, 1),
	}

	d.mu.Lock()
	d.pending[entry.key] = entry
	entry.timer = time.AfterFunc(AgentJobTimeout, func() { d.onDeadline(entry.key) })
	d.mu.Unlock()

	ch, ok := d.registry.ChannelOf(node.ID)
	if !ok {
		d.take(entry.key)
		entry.timer.Stop()
		return nil, fmt.Errorf("%w: node %s has no channel", ErrSendFailed, node.ID)
	}

	if d.store != nil && agentCtx == nil {
		agentCtx = d.store.Memory(agentID)
	}
	err := ch.SendFrame(protocol.FrameAgentJob, protocol.NewTraceID(), protocol.AgentJobPayload{
		JobID:     jobID,
		AgentType: agentID,
		UserQuery: query,
		Context:   agentCtx,
	})
	if err != nil {
		d.take(entry.key)
		entry.timer.Stop()
		metrics.DispatchesTotal.WithLabelValues("send_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	d.logger.Info("agent job dispatched",
		zap.String("job_id", jobID),
		zap.String("agent_id", agentID),
		zap.String("node_id", node.ID),
	)

	select {
	case out := <-entry.done:
		return out.agentRes, out.err
	case <-ctx.Done():
		if e := d.take(entry.key); e != nil {
			e.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

// ─── Inbound results ─────────────────────────────────────────────────────────

// HandleJobResult resolves the pending entry for a JOB_RESULT frame.
// Unknown runIds are late replies from attempts already timed out; they
// are logged and dropped.
func (d *Dispatcher) HandleJobResult(nodeID string, p *protocol.JobResultPayload) {
	entry := d.take(p.RunID)
	if entry == nil {
		d.logger.Warn("discarding late job result",
			zap.String("run_id", p.RunID),
			zap.String("job_id", p.JobID),
			zap.String("node_id", nodeID),
		)
		return
	}
	entry.timer.Stop()

	success := p.Status == protocol.RunStatusSuccess
	errMsg := ""
	if p.Error != nil {
		errMsg = p.Error.Message
	}
	d.queue.MarkComplete(p.RunID, success, p.Output, errMsg)

	if d.store != nil && entry.agentID != "" && len(p.Memory) > 0 {
		d.store.SetMemory(entry.agentID, p.Memory)
	}

	if success {
		metrics.DispatchesTotal.WithLabelValues("success").Inc()
	} else {
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
	}
	d.logger.Info("job result received",
		zap.String("job_id", p.JobID),
		zap.String("run_id", p.RunID),
		zap.String("node_id", nodeID),
		zap.String("status", string(p.Status)),
		zap.Int64("duration_ms", p.Metrics.DurationMs),
	)

	if entry.done != nil {
		entry.done <- outcome{res: &Result{
			JobID:   entry.jobID,
			RunID:   p.RunID,
			NodeID:  nodeID,
			Status:  p.Status,
			Output:  p.Output,
			Logs:    p.Logs,
			Error:   p.Error,
			Metrics: p.Metrics,
		}}
	}
	d.Wake()
}

// HandleAgentJobResult resolves the pending entry for an AGENT_JOB_RESULT
// frame, correlated by jobId.
func (d *Dispatcher) HandleAgentJobResult(nodeID string, p *protocol.AgentJobResultPayload) {
	entry := d.take(p.JobID)
	if entry == nil {
		d.logger.Warn("discarding late agent job result",
			zap.String("job_id", p.JobID),
			zap.String("node_id", nodeID),
		)
		return
	}
	entry.timer.Stop()

	if d.store != nil && len(p.Memory) > 0 {
		d.store.SetMemory(entry.agentID, p.Memory)
	}

	if p.Success {
		metrics.DispatchesTotal.WithLabelValues("success").Inc()
	} else {
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
	}

	if entry.done != nil {
		entry.done <- outcome{agentRes: &AgentResult{
			JobID:     p.JobID,
			NodeID:    nodeID,
			Success:   p.Success,
			Response:  p.Response,
			ToolsUsed: p.ToolsUsed,
			Error:     p.Error,
		}}
	}
}

// ─── Timeouts ────────────────────────────────────────────────────────────────

// onDeadline fires when an attempt's timer expires. Winning the take
// against a concurrent result publishes the timeout; losing is a no-op.
func (d *Dispatcher) onDeadline(key string) {
	entry := d.take(key)
	if entry == nil {
		return
	}

	metrics.DispatchesTotal.WithLabelValues("timeout").Inc()
	deadLettered, _ := d.queue.MarkTimeout(key)
	d.logger.Warn("job attempt timed out",
		zap.String("job_id", entry.jobID),
		zap.String("run_id", key),
		zap.String("node_id", entry.nodeID),
		zap.Bool("dead_lettered", deadLettered),
	)

	if entry.done != nil {
		entry.done <- outcome{err: fmt.Errorf("%w: job %s", ErrJobTimeout, entry.jobID)}
	}
	d.Wake()
}

// ProcessTimeouts applies the queue sweeper and resolves any waiter whose
// own timer was somehow lost. Scheduled every 5 seconds.
func (d *Dispatcher) ProcessTimeouts(now time.Time) {
	for _, ev := range d.queue.SweepTimeouts(now) {
		if entry := d.take(ev.RunID); entry != nil {
			entry.timer.Stop()
			if entry.done != nil {
				entry.done <- outcome{err: fmt.Errorf("%w: job %s", ErrJobTimeout, ev.Job.ID)}
			}
		}
	}
	d.Wake()
}

// ─── Background drain ────────────────────────────────────────────────────────

// Wake nudges the drain loop. Called after enqueues, node arrivals, idle
// heartbeats and timeouts; extra wakes coalesce.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the drain loop: every wakeup pairs pending jobs with idle
// nodes and launches background attempts. Returns nil once ctx is done;
// cancellation is the normal way to stop the loop, not a failure.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		case <-ticker.C:
		}
		d.drain()
	}
}

// drain hands requeued jobs to idle nodes, one attempt per node per pass.
func (d *Dispatcher) drain() {
	for _, node := range d.registry.IdleNodes() {
		job := d.queue.Dequeue(node.Capabilities)
		if job == nil {
			continue
		}
		if _, err := d.assign(job, node, false); err != nil {
			d.logger.Warn("background attempt failed to start",
				zap.String("job_id", job.ID),
				zap.String("node_id", node.ID),
				zap.Error(err),
			)
		}
	}
}

// Pending reports the number of unresolved attempts.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ─── Internals ───────────────────────────────────────────────────────────────

// assign starts one attempt of job on node: fresh runId, queue bookkeeping,
// pending entry, JOB_ASSIGN. With waited=false the entry has no waiter and
// the result is only archived.
func (d *Dispatcher) assign(job *queue.Job, node *registry.Node, waited bool) (*pendingRun, error) {
	runID := uuid.NewString()
	d.queue.MarkRunning(job, node.ID, runID)

	entry := &pendingRun{
		key:     runID,
		jobID:   job.ID,
		agentID: job.AgentID,
		nodeID:  node.ID,
	}
	if waited {
		entry.done = make(chan outcome, 1)
	}

	// Insert and arm under the lock: any take sees a complete entry and
	// a short deadline cannot fire against a missing key.
	d.mu.Lock()
	d.pending[runID] = entry
	entry.timer = time.AfterFunc(job.Timeout, func() { d.onDeadline(runID) })
	d.mu.Unlock()

	payload := protocol.JobAssignPayload{
		JobID:     job.ID,
		RunID:     runID,
		AgentID:   job.AgentID,
		Input:     job.Input,
		ToolCall:  job.ToolCall,
		TimeoutMs: job.Timeout.Milliseconds(),
	}
	if d.store != nil && job.AgentID != "" {
		if def, ok := d.store.Get(job.AgentID); ok && def.Script != "" {
			payload.Script = def.Script
		}
		payload.Context = d.store.Memory(job.AgentID)
	}

	ch, ok := d.registry.ChannelOf(node.ID)
	if !ok {
		d.failAttempt(entry, "node channel gone before send")
		return nil, fmt.Errorf("%w: node %s has no channel", ErrSendFailed, node.ID)
	}
	if err := ch.SendFrame(protocol.FrameJobAssign, protocol.NewTraceID(), payload); err != nil {
		d.failAttempt(entry, "send failed: "+err.Error())
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	d.logger.Info("job assigned",
		zap.String("job_id", job.ID),
		zap.String("run_id", runID),
		zap.String("node_id", node.ID),
		zap.String("agent_id", job.AgentID),
		zap.Int("retry_count", job.RetryCount),
	)
	return entry, nil
}

func (d *Dispatcher) failAttempt(entry *pendingRun, reason string) {
	if e := d.take(entry.key); e != nil {
		e.timer.Stop()
	}
	d.queue.MarkComplete(entry.key, false, nil, reason)
}

// take atomically removes and returns the pending entry for key. The
// single point deciding which producer owns an attempt's outcome.
func (d *Dispatcher) take(key string) *pendingRun {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.pending[key]
	if !ok {
		return nil
	}
	delete(d.pending, key)
	return entry
}

// pickNode selects the node for a fresh dispatch: a node hosting the
// agent type when one exists, otherwise the first idle node covering the
// required capabilities.
func (d *Dispatcher) pickNode(agentID string, caps []string) *registry.Node {
	if agentID != "" {
		if node, ok := d.registry.IdleNodeForAgent(agentID); ok {
			return node
		}
	}
	for _, node := range d.registry.IdleNodes() {
		if hasCaps(node.Capabilities, caps) {
			return node
		}
	}
	return nil
}

func hasCaps(have, need []string) bool {
	for _, n := range need {
		found := false
		for _, h := range have {
			if h == n {
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
