// Package runner executes the work a node is assigned: single tool calls
// against the builtin toolbox, scripts in a subprocess sandbox with
// captured standard output, and delegated agent jobs driven by the
// heuristic planner over the stock catalogue.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/planner"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
)

// DefaultTimeout bounds a job that arrived without its own deadline.
const DefaultTimeout = 30 * time.Second

// scriptShell runs sandbox scripts. The job input is piped to stdin,
// stdout becomes the result, stderr lines become logs.
const scriptShell = "/bin/sh"

// Error codes reported back in JOB_RESULT frames.
const (
	codeInvalidJob  = "INVALID_JOB"
	codeToolUnknown = "TOOL_UNKNOWN"
	codeToolFailed  = "TOOL_FAILED"
	codeScriptError = "SCRIPT_ERROR"
	codeTimeout     = "TIMEOUT"
)

// Runner executes assigned jobs sequentially per call; concurrency is the
// connection manager's choice. Active feeds the heartbeat's activeJobs.
type Runner struct {
	builtins map[string]agents.ToolFunc
	tools    planner.ToolPlanner
	logger   *zap.Logger
	active   atomic.Int64
}

// New builds a Runner with the builtin toolbox and the heuristic planner
// for delegated agent jobs.
func New(logger *zap.Logger) *Runner {
	return &Runner{
		builtins: agents.Builtins(),
		tools:    planner.Heuristic{},
		logger:   logger.Named("runner"),
	}
}

// Active reports how many jobs are executing right now.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// Execute runs one JOB_ASSIGN payload to completion and builds the
// correlated JOB_RESULT payload. It never returns an error; failures are
// encoded in the result status.
func (r *Runner) Execute(ctx context.Context, p *protocol.JobAssignPayload) *protocol.JobResultPayload {
	r.active.Add(1)
	defer r.active.Add(-1)

	timeout := DefaultTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result := &protocol.JobResultPayload{
		JobID: p.JobID,
		RunID: p.RunID,
		Logs:  []string{},
	}

	switch {
	case p.ToolCall != nil:
		r.runTool(ctx, p.ToolCall, result)
	case p.Script != "":
		r.runScript(ctx, p, result)
	default:
		result.Status = protocol.RunStatusError
		result.Error = &protocol.JobError{
			Code:    codeInvalidJob,
			Message: "job carries neither a script nor a tool call",
		}
	}

	ended := time.Now()
	result.Metrics = protocol.RunMetrics{
		StartTime:  started.UnixMilli(),
		EndTime:    ended.UnixMilli(),
		DurationMs: ended.Sub(started).Milliseconds(),
	}

	r.logger.Info("job executed",
		zap.String("job_id", p.JobID),
		zap.String("run_id", p.RunID),
		zap.String("status", string(result.Status)),
		zap.Int64("duration_ms", result.Metrics.DurationMs),
	)
	return result
}

func (r *Runner) runTool(ctx context.Context, call *protocol.ToolCall, result *protocol.JobResultPayload) {
	fn, ok := r.builtins[call.Tool]
	if !ok {
		result.Status = protocol.RunStatusError
		result.Error = &protocol.JobError{
			Code:    codeToolUnknown,
			Message: "tool " + call.Tool + " is not implemented on this node",
		}
		return
	}

	value, err := fn(ctx, call.Params)
	if err != nil {
		result.Status = statusFor(ctx, protocol.RunStatusError)
		result.Error = &protocol.JobError{Code: codeToolFailed, Message: err.Error()}
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		result.Status = protocol.RunStatusError
		result.Error = &protocol.JobError{Code: codeToolFailed, Message: "encode result: " + err.Error()}
		return
	}
	result.Status = protocol.RunStatusSuccess
	result.Output = data
	result.Logs = append(result.Logs, "tool "+call.Tool+" completed")
}

// runScript executes the script in the sandbox shell. The job input is
// written to stdin, stdout becomes the output (passed through raw when it
// is valid JSON), stderr lines become logs.
func (r *Runner) runScript(ctx context.Context, p *protocol.JobAssignPayload, result *protocol.JobResultPayload) {
	cmd := exec.CommandContext(ctx, scriptShell, "-c", p.Script)
	cmd.Stdin = bytes.NewReader(p.Input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(p.Context) > 0 {
		cmd.Env = append(cmd.Environ(), "AGENT_CONTEXT="+string(p.Context))
	}

	err := cmd.Run()
	for _, line := range strings.Split(strings.TrimRight(stderr.String(), "\n"), "\n") {
		if line != "" {
			result.Logs = append(result.Logs, line)
		}
	}

	if err != nil {
		result.Status = statusFor(ctx, protocol.RunStatusError)
		code := codeScriptError
		if result.Status == protocol.RunStatusTimeout {
			code = codeTimeout
		}
		result.Error = &protocol.JobError{Code: code, Message: err.Error()}
		return
	}

	result.Status = protocol.RunStatusSuccess
	result.Output = encodeOutput(stdout.Bytes())
}

// RunAgentJob executes a delegated agent run locally: heuristic tool
// planning over the stock catalogue, builtin execution, and a template
// summary. The response is the correlated AGENT_JOB_RESULT payload.
func (r *Runner) RunAgentJob(ctx context.Context, p *protocol.AgentJobPayload) *protocol.AgentJobResultPayload {
	r.active.Add(1)
	defer r.active.Add(-1)

	started := time.Now()
	result := &protocol.AgentJobResultPayload{JobID: p.JobID}

	var def *agents.Definition
	for _, d := range agents.Catalogue() {
		if d.ID == p.AgentType {
			def = d
			break
		}
	}
	if def == nil {
		result.Error = "unknown agent type " + p.AgentType
		return result
	}

	calls, err := r.tools.PlanCalls(ctx, def, p.UserQuery, p.Context)
	if err != nil {
		result.Error = "tool planning failed: " + err.Error()
		return result
	}

	var toolResults []planner.ToolResult
	for _, call := range calls {
		tr := planner.ToolResult{Tool: call.Tool, Params: call.Params}
		callStart := time.Now()
		if fn, ok := r.builtins[call.Tool]; ok {
			if value, err := fn(ctx, call.Params); err != nil {
				tr.Error = err.Error()
			} else if data, err := json.Marshal(value); err == nil {
				tr.Result = data
			}
		} else {
			tr.Error = "tool " + call.Tool + " is not implemented on this node"
		}
		tr.DurationMs = time.Since(callStart).Milliseconds()
		toolResults = append(toolResults, tr)
		result.ToolsUsed = append(result.ToolsUsed, call.Tool)
	}

	summary, err := r.tools.Summarize(ctx, def, p.UserQuery, toolResults)
	if err != nil {
		result.Error = "summarization failed: " + err.Error()
		return result
	}

	ended := time.Now()
	result.Success = true
	result.Response = summary
	result.Metrics = &protocol.RunMetrics{
		StartTime:  started.UnixMilli(),
		EndTime:    ended.UnixMilli(),
		DurationMs: ended.Sub(started).Milliseconds(),
	}
	return result
}

// statusFor upgrades a failure to TIMEOUT when the deadline caused it.
func statusFor(ctx context.Context, fallback protocol.RunStatus) protocol.RunStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.RunStatusTimeout
	}
	return fallback
}

// encodeOutput passes valid JSON stdout through raw and wraps everything
// else as a JSON string.
func encodeOutput(stdout []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return json.RawMessage(`""`)
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	data, err := json.Marshal(string(trimmed))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return data
}
