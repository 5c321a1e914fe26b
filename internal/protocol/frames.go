// Package protocol defines the wire frames exchanged between the control
// plane and worker nodes, and the codec that encodes and decodes them.
//
// Every frame is a single UTF-8 JSON text message with three common fields
// (type, traceId, timestamp) and a type-specific payload object. The codec
// discriminates on the type field and hands the raw payload to the caller,
// which decodes it into the matching payload struct. Responders echo the
// traceId of the frame they answer so both sides can correlate request and
// reply across the duplex stream.
package protocol

import "encoding/json"

// ─── Frame types ─────────────────────────────────────────────────────────────

// FrameType identifies the kind of message carried by a frame.
type FrameType string

const (
	FrameAuth           FrameType = "AUTH"
	FrameAuthAck        FrameType = "AUTH_ACK"
	FrameHeartbeat      FrameType = "HEARTBEAT"
	FrameHeartbeatAck   FrameType = "HEARTBEAT_ACK"
	FrameJobAssign      FrameType = "JOB_ASSIGN"
	FrameJobResult      FrameType = "JOB_RESULT"
	FrameAgentJob       FrameType = "AGENT_JOB"
	FrameAgentJobResult FrameType = "AGENT_JOB_RESULT"
	FrameError          FrameType = "ERROR"
)

// knownTypes is the closed set the decoder accepts. Anything else is a
// malformed frame in strict contexts.
var knownTypes = map[FrameType]struct{}{
	FrameAuth:           {},
	FrameAuthAck:        {},
	FrameHeartbeat:      {},
	FrameHeartbeatAck:   {},
	FrameJobAssign:      {},
	FrameJobResult:      {},
	FrameAgentJob:       {},
	FrameAgentJobResult: {},
	FrameError:          {},
}

// Frame is the envelope common to every message on the wire. Timestamp is
// the sender's clock in milliseconds since the Unix epoch.
type Frame struct {
	Type      FrameType       `json:"type"`
	TraceID   string          `json:"traceId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ─── Worker state ────────────────────────────────────────────────────────────

// WorkerStatus is the load state a node reports in its heartbeats.
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "IDLE"
	WorkerStatusBusy     WorkerStatus = "BUSY"
	WorkerStatusDraining WorkerStatus = "DRAINING"
)

// RunStatus is the terminal state a worker reports for a job attempt.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusError   RunStatus = "ERROR"
	RunStatusTimeout RunStatus = "TIMEOUT"
)

// ─── Error codes ─────────────────────────────────────────────────────────────

// ErrorCode is the machine-readable code carried by ERROR frames.
type ErrorCode string

const (
	CodeAuthTimeout    ErrorCode = "AUTH_TIMEOUT"
	CodeAuthDenied     ErrorCode = "AUTH_DENIED"
	CodeNotRegistered  ErrorCode = "NOT_REGISTERED"
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	CodeShutdown       ErrorCode = "SHUTDOWN"
	CodeInternal       ErrorCode = "INTERNAL"
)

// ─── Payloads ────────────────────────────────────────────────────────────────

// NodeSpecs describes the host a worker runs on, reported once at AUTH.
type NodeSpecs struct {
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	CPUCores       int     `json:"cpuCores"`
	TotalMemoryGB  float64 `json:"totalMemoryGB"`
	RuntimeVersion string  `json:"runtimeVersion"`
}

// AuthPayload is sent by a worker as its first frame after connecting.
type AuthPayload struct {
	NodeID       string    `json:"nodeId"`
	Capabilities []string  `json:"capabilities"`
	AgentTypes   []string  `json:"agentTypes,omitempty"`
	Wallet       string    `json:"wallet,omitempty"`
	Specs        NodeSpecs `json:"specs"`
	Secret       string    `json:"secret"`
	Version      string    `json:"version"`
}

// AuthAckPayload answers an AUTH frame. HeartbeatIntervalMs tells the
// worker how often to send heartbeats; it is only set on success.
type AuthAckPayload struct {
	Success             bool   `json:"success"`
	Message             string `json:"message,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs,omitempty"`
}

// HeartbeatPayload carries the worker's live load metrics.
type HeartbeatPayload struct {
	Status      WorkerStatus `json:"status"`
	CPUUsage    float64      `json:"cpuUsage"`
	MemoryUsage float64      `json:"memoryUsage"`
	ActiveJobs  int          `json:"activeJobs"`
}

// HeartbeatAckPayload confirms receipt of a heartbeat.
type HeartbeatAckPayload struct {
	Received bool `json:"received"`
}

// ToolCall names a worker-side tool invocation inside a JOB_ASSIGN.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// JobAssignPayload dispatches one job attempt to a worker. Exactly one of
// Script and ToolCall is normally set; Input and Context are opaque to the
// wire and passed through to the sandbox.
type JobAssignPayload struct {
	JobID     string          `json:"jobId"`
	RunID     string          `json:"runId"`
	AgentID   string          `json:"agentId,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	Script    string          `json:"script,omitempty"`
	ToolCall  *ToolCall       `json:"toolCall,omitempty"`
}

// JobError describes a failure inside a worker run.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// RunMetrics reports the timing of one job attempt. Start and end are
// worker-clock milliseconds.
type RunMetrics struct {
	StartTime  int64 `json:"startTime"`
	EndTime    int64 `json:"endTime"`
	DurationMs int64 `json:"durationMs"`
}

// JobResultPayload is the worker's answer to a JOB_ASSIGN, correlated by
// runId. Memory, when present, is persisted by the control plane and handed
// back as Context on the agent's next dispatch.
type JobResultPayload struct {
	JobID   string          `json:"jobId"`
	RunID   string          `json:"runId"`
	Status  RunStatus       `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Logs    []string        `json:"logs"`
	Error   *JobError       `json:"error,omitempty"`
	Metrics RunMetrics      `json:"metrics"`
	Memory  json.RawMessage `json:"memory,omitempty"`
}

// AgentJobPayload asks a worker to run a full agent loop locally.
type AgentJobPayload struct {
	JobID     string          `json:"jobId"`
	AgentType string          `json:"agentType"`
	UserQuery string          `json:"userQuery"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// AgentJobResultPayload is the worker's answer to an AGENT_JOB, correlated
// by jobId.
type AgentJobResultPayload struct {
	JobID     string          `json:"jobId"`
	Success   bool            `json:"success"`
	Response  string          `json:"response"`
	ToolsUsed []string        `json:"toolsUsed,omitempty"`
	Metrics   *RunMetrics     `json:"metrics,omitempty"`
	Error     string          `json:"error,omitempty"`
	Memory    json.RawMessage `json:"memory,omitempty"`
}

// ErrorPayload reports a protocol-level problem. Fatal errors are followed
// by connection close from the sender.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Fatal   bool      `json:"fatal"`
}
