package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
)

// expressionPattern finds an arithmetic expression worth sending to the
// calculator: digits and operators, at least one of each.
var expressionPattern = regexp.MustCompile(`[0-9][0-9 .]*(?:[-+*/][ ]*[0-9(][-+*/() .0-9]*)+`)

var timeWords = []string{"time", "today", "date", "now", "when", "schedule"}

// Heuristic is the model-free ToolPlanner. It plans obvious tool calls
// from the message text and renders summaries from templates, so the
// pipeline stays deterministic when no planner endpoint is configured.
type Heuristic struct{}

// PlanCalls picks tool calls by pattern matching the message against the
// agent's toolbox.
func (Heuristic) PlanCalls(_ context.Context, def *agents.Definition, message string, _ json.RawMessage) ([]protocol.ToolCall, error) {
	lowered := strings.ToLower(message)
	var calls []protocol.ToolCall

	for _, tool := range def.Tools {
		switch tool.Name {
		case "calculator":
			if expr := expressionPattern.FindString(message); expr != "" {
				calls = append(calls, protocol.ToolCall{
					Tool:   "calculator",
					Params: map[string]any{"expression": strings.TrimSpace(expr)},
				})
			}
		case "currentTime":
			for _, w := range timeWords {
				if strings.Contains(lowered, w) {
					calls = append(calls, protocol.ToolCall{Tool: "currentTime"})
					break
				}
			}
		}
	}
	return calls, nil
}

// Summarize renders a plain-text answer from the tool results.
func (Heuristic) Summarize(_ context.Context, def *agents.Definition, message string, results []ToolResult) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s handled %q.", def.Name, truncate(message, 80))

	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(&b, " %s failed: %s.", r.Tool, r.Error)
			continue
		}
		fmt.Fprintf(&b, " %s returned %s.", r.Tool, compactJSON(r.Result))
	}
	if len(results) == 0 {
		fmt.Fprintf(&b, " %s", def.Description)
	}
	return b.String(), nil
}

// Aggregate joins the summaries deterministically.
func (Heuristic) Aggregate(_ context.Context, _ string, summaries []AgentSummary) (string, error) {
	return DeterministicAggregate(summaries), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "no output"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
