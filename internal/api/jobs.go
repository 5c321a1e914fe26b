package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/dispatch"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
)

type jobHandler struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

func newJobHandler(cfg RouterConfig) *jobHandler {
	return &jobHandler{
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger.Named("api"),
	}
}

type runRequest struct {
	Input     json.RawMessage `json:"input"`
	AgentID   string          `json:"agentId,omitempty"`
	TimeoutMs int64           `json:"timeout,omitempty"`
}

type runResponse struct {
	Success bool                `json:"success"`
	JobID   string              `json:"jobId"`
	RunID   string              `json:"runId"`
	Output  json.RawMessage     `json:"output,omitempty"`
	Logs    []string            `json:"logs"`
	Metrics protocol.RunMetrics `json:"metrics"`
	Error   string              `json:"error,omitempty"`
}

// Run dispatches a single job to an idle worker and waits for its result.
// No idle node or an expired attempt budget means 503; a failure the
// worker itself reported comes back 200 with success=false.
func (h *jobHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Input) == 0 {
		ErrJSON(w, http.StatusBadRequest, "input is required")
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Input:   req.Input,
		AgentID: req.AgentID,
		Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	switch {
	case errors.Is(err, dispatch.ErrNoIdleNode):
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"error":   "No idle nodes available",
		})
		return
	case errors.Is(err, dispatch.ErrJobTimeout):
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"error":   "job timed out",
		})
		return
	case err != nil:
		h.logger.Error("dispatch failed", zap.Error(err))
		ErrJSON(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	out := runResponse{
		Success: result.Status == protocol.RunStatusSuccess,
		JobID:   result.JobID,
		RunID:   result.RunID,
		Output:  result.Output,
		Logs:    result.Logs,
		Metrics: result.Metrics,
	}
	if result.Error != nil {
		out.Error = result.Error.Message
	}
	JSON(w, http.StatusOK, out)
}
