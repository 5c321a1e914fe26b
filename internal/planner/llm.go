package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/metrics"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
)

// maxPlannedCalls bounds the tool calls one agent may request per query.
const maxPlannedCalls = 5

// LLMConfig configures the OpenAI-compatible planner backend.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LLM talks to an OpenAI-compatible chat completions endpoint. It
// implements both IntentPlanner and ToolPlanner.
type LLM struct {
	cfg    LLMConfig
	hc     *http.Client
	logger *zap.Logger
}

// NewLLM builds the planner client.
func NewLLM(cfg LLMConfig, logger *zap.Logger) *LLM {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &LLM{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("planner"),
	}
}

// SelectAgents asks the model to route the query across the catalogue.
func (l *LLM) SelectAgents(ctx context.Context, message string, defs []*agents.Definition) (*Selection, error) {
	var listing strings.Builder
	for _, def := range defs {
		fmt.Fprintf(&listing, "- %s: %s (keywords: %s)\n", def.ID, def.Description, strings.Join(def.Keywords, ", "))
	}

	system := "You are the intent router of a multi-agent platform. " +
		"Pick the agents best suited to the user's query from the catalogue. " +
		fmt.Sprintf("Select at most %d. ", MaxAgents) +
		`Respond with JSON only: {"agents": ["agent-id"], "reasoning": "one sentence"}`
	user := fmt.Sprintf("Catalogue:\n%s\nQuery: %s", listing.String(), message)

	content, err := l.chat(ctx, "select_agents", system, user)
	if err != nil {
		return nil, err
	}

	var sel Selection
	if err := decodeModelJSON(content, &sel); err != nil {
		return nil, fmt.Errorf("planner: parse selection: %w", err)
	}
	return &sel, nil
}

// PlanCalls asks the model which of the agent's tools to invoke.
func (l *LLM) PlanCalls(ctx context.Context, def *agents.Definition, message string, memory json.RawMessage) ([]protocol.ToolCall, error) {
	if len(def.Tools) == 0 {
		return nil, nil
	}

	var toolbox strings.Builder
	for _, t := range def.Tools {
		fmt.Fprintf(&toolbox, "- %s: %s", t.Name, t.Description)
		if len(t.Params) > 0 {
			fmt.Fprintf(&toolbox, " (params: %s)", strings.Join(t.Params, ", "))
		}
		toolbox.WriteByte('\n')
	}

	system := def.SystemPrompt + "\n" +
		"Decide which tools to call before answering. Available tools:\n" + toolbox.String() +
		`Respond with JSON only: {"calls": [{"tool": "name", "params": {}}]}. Use an empty list when no tool helps.`
	user := "Query: " + message
	if len(memory) > 0 {
		user += "\nContext from previous interactions: " + string(memory)
	}

	content, err := l.chat(ctx, "plan_calls", system, user)
	if err != nil {
		return nil, err
	}

	var plan struct {
		Calls []protocol.ToolCall `json:"calls"`
	}
	if err := decodeModelJSON(content, &plan); err != nil {
		return nil, fmt.Errorf("planner: parse tool plan: %w", err)
	}

	known := make(map[string]bool, len(def.Tools))
	for _, t := range def.Tools {
		known[t.Name] = true
	}
	calls := make([]protocol.ToolCall, 0, len(plan.Calls))
	for _, call := range plan.Calls {
		if !known[call.Tool] {
			l.logger.Warn("planner requested unknown tool",
				zap.String("agent_id", def.ID),
				zap.String("tool", call.Tool),
			)
			continue
		}
		calls = append(calls, call)
		if len(calls) == maxPlannedCalls {
			break
		}
	}
	return calls, nil
}

// Summarize turns tool results into the agent's answer.
func (l *LLM) Summarize(ctx context.Context, def *agents.Definition, message string, results []ToolResult) (string, error) {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("planner: marshal results: %w", err)
	}

	system := def.SystemPrompt + "\nAnswer the user's query using the tool results. Be concise. Respond with plain text."
	user := fmt.Sprintf("Query: %s\nTool results: %s", message, resultsJSON)

	content, err := l.chat(ctx, "summarize", system, user)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// Aggregate merges per-agent summaries into the final response.
func (l *LLM) Aggregate(ctx context.Context, message string, summaries []AgentSummary) (string, error) {
	var parts strings.Builder
	for _, s := range summaries {
		fmt.Fprintf(&parts, "%s: %s\n\n", s.Name, s.Summary)
	}

	system := "You merge answers from specialist agents into one coherent response. " +
		"Keep every concrete fact, drop repetition. Respond with plain text."
	user := fmt.Sprintf("Query: %s\nAgent answers:\n%s", message, parts.String())

	content, err := l.chat(ctx, "aggregate", system, user)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// chat runs one completion with retries. 429 and 5xx responses retry with
// exponential backoff; other 4xx responses are permanent failures.
func (l *LLM) chat(ctx context.Context, op, system, user string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":       l.cfg.Model,
		"temperature": 0.2,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("planner: marshal request: %w", err)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	attempt := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("planner: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if l.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)
		}

		resp, err := l.hc.Do(req)
		metrics.PlannerRequestsTotal.WithLabelValues(op).Inc()
		metrics.PlannerRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			l.logger.Warn("planner rate limited", zap.String("op", op))
			return fmt.Errorf("planner: rate limited")
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("planner: %s status %d: %s", op, resp.StatusCode, snippet(respBody)))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("planner: %s status %d", op, resp.StatusCode)
		}

		if err := json.Unmarshal(respBody, &out); err != nil {
			return fmt.Errorf("planner: decode response: %w", err)
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(expo, 2), ctx)); err != nil {
		return "", err
	}

	if len(out.Choices) == 0 {
		return "", errors.New("planner: empty choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

// decodeModelJSON parses a model response that should be JSON, tolerating
// markdown code fences around it.
func decodeModelJSON(content string, v any) error {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	return json.Unmarshal([]byte(trimmed), v)
}

func snippet(b []byte) string {
	const limit = 256
	if len(b) > limit {
		b = b[:limit]
	}
	return string(b)
}
