// Package orchestrator turns one user message into a multi-agent answer.
// It selects agents through the planner's fallback chain, fans the
// selected agents out concurrently, runs each agent's planned tool calls
// (locally, or on a worker node by capability), and aggregates the
// per-agent summaries into a single response.
//
// The orchestrator never charges: the HTTP handler inspects
// Response.Succeeded and owns the deduct-and-distribute step.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/dispatch"
	"github.com/agentmesh-io/agentmesh/internal/planner"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
)

// toolDispatchTimeout bounds one worker-bound tool call.
const toolDispatchTimeout = 30 * time.Second

// errorPrefix marks a failed agent summary. The success criterion for
// charging is at least one summary without it.
const errorPrefix = "Error: "

// ErrNoInput rejects empty queries before any planner call.
var ErrNoInput = errors.New("orchestrator: empty message")

// ToolDispatcher is the slice of the dispatcher the orchestrator needs to
// run worker-bound tools.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// AgentStore is the catalogue view the orchestrator reads.
type AgentStore interface {
	List() []*agents.Definition
	Get(id string) (*agents.Definition, bool)
	Memory(agentID string) json.RawMessage
}

// AgentResult is one agent's contribution to a response.
type AgentResult struct {
	AgentID   string               `json:"agent"`
	Name      string               `json:"name"`
	Tools     []string             `json:"tools"`
	ToolCalls []planner.ToolResult `json:"toolCalls,omitempty"`
	Summary   string               `json:"summary"`
}

// Failed reports whether this agent produced an error summary.
func (r *AgentResult) Failed() bool {
	return strings.HasPrefix(r.Summary, errorPrefix)
}

// Response is the aggregated outcome of one query.
type Response struct {
	Message    string        `json:"message"`
	AgentsUsed []string      `json:"agentsUsed"`
	QueryHash  string        `json:"queryHash"`
	Reasoning  string        `json:"reasoning,omitempty"`
	Source     string        `json:"selectionSource"`
	Results    []AgentResult `json:"agentResults"`
}

// Succeeded reports whether at least one agent produced a non-error
// summary. This criterion alone decides whether the caller charges.
func (r *Response) Succeeded() bool {
	for i := range r.Results {
		if !r.Results[i].Failed() {
			return true
		}
	}
	return false
}

// Orchestrator coordinates selection, fan-out and aggregation.
type Orchestrator struct {
	store      AgentStore
	selector   *planner.Selector
	tools      planner.ToolPlanner
	dispatcher ToolDispatcher
	builtins   map[string]agents.ToolFunc
	logger     *zap.Logger
}

// New builds an Orchestrator. dispatcher may be nil, in which case every
// worker-bound tool call fails soft inside its agent result.
func New(store AgentStore, sel *planner.Selector, tools planner.ToolPlanner, dispatcher ToolDispatcher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		selector:   sel,
		tools:      tools,
		dispatcher: dispatcher,
		builtins:   agents.Builtins(),
		logger:     logger.Named("orchestrator"),
	}
}

// Execute runs the full query pipeline: intent, concurrent agent
// execution, aggregation. Individual agent failures become partial
// results; Execute itself only fails on an empty message or a canceled
// context.
func (o *Orchestrator) Execute(ctx context.Context, message string) (*Response, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrNoInput
	}

	defs := o.store.List()
	sel := o.selector.Select(ctx, message, defs)
	o.logger.Info("agents selected",
		zap.Strings("agent_ids", sel.AgentIDs),
		zap.String("source", sel.Source),
	)

	results := make([]AgentResult, len(sel.AgentIDs))
	var wg sync.WaitGroup
	for i, id := range sel.AgentIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = o.runAgent(ctx, id, message)
		}(i, id)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("orchestrator: query canceled: %w", err)
	}

	resp := &Response{
		AgentsUsed: sel.AgentIDs,
		QueryHash:  QueryHash(message),
		Reasoning:  sel.Reasoning,
		Source:     sel.Source,
		Results:    results,
	}
	resp.Message = o.aggregate(ctx, message, results)
	return resp, nil
}

// runAgent executes one agent end to end. Every failure path lands in the
// summary with the error prefix so a broken agent never aborts the query.
func (o *Orchestrator) runAgent(ctx context.Context, agentID, message string) AgentResult {
	def, ok := o.store.Get(agentID)
	if !ok {
		return AgentResult{
			AgentID: agentID,
			Name:    agentID,
			Tools:   []string{},
			Summary: errorPrefix + "unknown agent " + agentID,
		}
	}

	result := AgentResult{
		AgentID: def.ID,
		Name:    def.Name,
		Tools:   []string{},
	}

	calls, err := o.tools.PlanCalls(ctx, def, message, o.store.Memory(def.ID))
	if err != nil {
		o.logger.Warn("tool planning failed",
			zap.String("agent_id", def.ID),
			zap.Error(err),
		)
		result.Summary = errorPrefix + "tool planning failed: " + err.Error()
		return result
	}

	for _, call := range calls {
		tr := o.executeTool(ctx, call)
		result.Tools = append(result.Tools, call.Tool)
		result.ToolCalls = append(result.ToolCalls, tr)
	}

	summary, err := o.tools.Summarize(ctx, def, message, result.ToolCalls)
	if err != nil {
		o.logger.Warn("summarization failed",
			zap.String("agent_id", def.ID),
			zap.Error(err),
		)
		result.Summary = errorPrefix + "summarization failed: " + err.Error()
		return result
	}
	result.Summary = summary
	return result
}

// executeTool runs one tool call: a builtin locally, everything else on a
// worker advertising capability "tool:<name>".
func (o *Orchestrator) executeTool(ctx context.Context, call protocol.ToolCall) planner.ToolResult {
	start := time.Now()
	tr := planner.ToolResult{Tool: call.Tool, Params: call.Params}

	if fn, ok := o.builtins[call.Tool]; ok {
		value, err := fn(ctx, call.Params)
		tr.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			tr.Error = err.Error()
			return tr
		}
		data, err := json.Marshal(value)
		if err != nil {
			tr.Error = "encode tool result: " + err.Error()
			return tr
		}
		tr.Result = data
		return tr
	}

	if o.dispatcher == nil {
		tr.Error = "tool " + call.Tool + " is not available"
		tr.DurationMs = time.Since(start).Milliseconds()
		return tr
	}

	res, err := o.dispatcher.Dispatch(ctx, dispatch.Request{
		ToolCall:             &call,
		RequiredCapabilities: []string{"tool:" + call.Tool},
		Timeout:              toolDispatchTimeout,
	})
	tr.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	if res.Status != protocol.RunStatusSuccess {
		if res.Error != nil {
			tr.Error = res.Error.Message
		} else {
			tr.Error = "tool run ended with status " + string(res.Status)
		}
		return tr
	}
	tr.Result = res.Output
	return tr
}

// aggregate reduces the per-agent summaries to one message. A single
// agent answers verbatim; the planner aggregates multiple agents, with
// deterministic concatenation as the fallback.
func (o *Orchestrator) aggregate(ctx context.Context, message string, results []AgentResult) string {
	if len(results) == 1 {
		return results[0].Summary
	}

	summaries := make([]planner.AgentSummary, 0, len(results))
	for _, r := range results {
		summaries = append(summaries, planner.AgentSummary{
			AgentID: r.AgentID,
			Name:    r.Name,
			Summary: r.Summary,
		})
	}

	aggregated, err := o.tools.Aggregate(ctx, message, summaries)
	if err != nil {
		o.logger.Warn("aggregation failed, concatenating summaries", zap.Error(err))
		return planner.DeterministicAggregate(summaries)
	}
	return aggregated
}

// QueryHash is the stable identifier of one query text, used to correlate
// feedback with responses.
func QueryHash(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:8])
}
