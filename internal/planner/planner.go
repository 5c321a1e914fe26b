// Package planner decides which agents handle a query and what tool calls
// each agent makes. The LLM-backed implementation is optional: selection
// falls back to keyword matching over the catalogue, and the heuristic
// tool planner keeps the pipeline working with no model configured.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
)

// MaxAgents caps how many agents one query fans out to.
const MaxAgents = 3

// Selection names the agents chosen for a query and where the choice
// came from.
type Selection struct {
	AgentIDs  []string `json:"agents"`
	Reasoning string   `json:"reasoning,omitempty"`
	Source    string   `json:"source"`
}

// Selection sources.
const (
	SourcePlanner  = "planner"
	SourceKeywords = "keywords"
	SourceFallback = "fallback"
)

// ToolResult carries the outcome of one executed tool call into
// summarization.
type ToolResult struct {
	Tool       string          `json:"tool"`
	Params     map[string]any  `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// AgentSummary is one agent's answer, ready for aggregation.
type AgentSummary struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// IntentPlanner picks agents for a query.
type IntentPlanner interface {
	SelectAgents(ctx context.Context, message string, defs []*agents.Definition) (*Selection, error)
}

// ToolPlanner drives one agent's reasoning: planning tool calls,
// summarizing their results and aggregating across agents.
type ToolPlanner interface {
	PlanCalls(ctx context.Context, def *agents.Definition, message string, memory json.RawMessage) ([]protocol.ToolCall, error)
	Summarize(ctx context.Context, def *agents.Definition, message string, results []ToolResult) (string, error)
	Aggregate(ctx context.Context, message string, summaries []AgentSummary) (string, error)
}

// Selector resolves agent selection with the full fallback chain:
// intent planner, then keyword matching, then the general assistant.
// Select never fails; a query always lands somewhere.
type Selector struct {
	planner IntentPlanner
	logger  *zap.Logger
}

// NewSelector builds a Selector. planner may be nil, which skips straight
// to keyword matching.
func NewSelector(planner IntentPlanner, logger *zap.Logger) *Selector {
	return &Selector{planner: planner, logger: logger.Named("selector")}
}

// Select picks up to MaxAgents agents for the message.
func (s *Selector) Select(ctx context.Context, message string, defs []*agents.Definition) *Selection {
	if s.planner != nil {
		sel, err := s.planner.SelectAgents(ctx, message, defs)
		if err != nil {
			s.logger.Warn("intent planner failed, falling back to keywords", zap.Error(err))
		} else if sel != nil && len(sel.AgentIDs) > 0 {
			sel.AgentIDs = capAgents(validIDs(sel.AgentIDs, defs))
			if len(sel.AgentIDs) > 0 {
				sel.Source = SourcePlanner
				return sel
			}
			s.logger.Warn("intent planner returned no known agents", zap.Strings("raw", sel.AgentIDs))
		}
	}

	if matched := capAgents(agents.MatchKeywords(defs, message)); len(matched) > 0 {
		return &Selection{
			AgentIDs:  matched,
			Reasoning: "keyword match",
			Source:    SourceKeywords,
		}
	}

	return &Selection{
		AgentIDs:  []string{agents.FallbackAgentID},
		Reasoning: "no specialist matched",
		Source:    SourceFallback,
	}
}

// DeterministicAggregate joins per-agent summaries without a model:
// "**{name}:** {summary}" blocks separated by blank lines.
func DeterministicAggregate(summaries []AgentSummary) string {
	parts := make([]string, 0, len(summaries))
	for _, s := range summaries {
		parts = append(parts, fmt.Sprintf("**%s:** %s", s.Name, s.Summary))
	}
	return strings.Join(parts, "\n\n")
}

func validIDs(ids []string, defs []*agents.Definition) []string {
	known := make(map[string]bool, len(defs))
	for _, def := range defs {
		known[def.ID] = true
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if known[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

func capAgents(ids []string) []string {
	if len(ids) > MaxAgents {
		return ids[:MaxAgents]
	}
	return ids
}
