package planner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/planner"
)

type fakeIntent struct {
	sel *planner.Selection
	err error
}

func (f *fakeIntent) SelectAgents(context.Context, string, []*agents.Definition) (*planner.Selection, error) {
	return f.sel, f.err
}

func testDefs() []*agents.Definition {
	return []*agents.Definition{
		{ID: "general-assistant", Name: "General Assistant", Keywords: []string{"help"}},
		{ID: "travel-planner", Name: "Travel Planner", Keywords: []string{"trip", "travel"}},
		{ID: "budget-planner", Name: "Budget Planner", Keywords: []string{"budget", "cheap"}},
		{ID: "recipe-chef", Name: "Recipe Chef", Keywords: []string{"recipe"}},
	}
}

func TestSelectorUsesPlannerSelection(t *testing.T) {
	t.Parallel()

	intent := &fakeIntent{sel: &planner.Selection{
		AgentIDs:  []string{"travel-planner", "ghost-agent", "budget-planner"},
		Reasoning: "trip with a budget",
	}}
	s := planner.NewSelector(intent, zap.NewNop())

	sel := s.Select(context.Background(), "plan a cheap trip", testDefs())
	assert.Equal(t, planner.SourcePlanner, sel.Source)
	// Unknown ids are dropped, known ones keep planner order.
	assert.Equal(t, []string{"travel-planner", "budget-planner"}, sel.AgentIDs)
}

func TestSelectorCapsPlannerSelection(t *testing.T) {
	t.Parallel()

	intent := &fakeIntent{sel: &planner.Selection{
		AgentIDs: []string{"general-assistant", "travel-planner", "budget-planner", "recipe-chef"},
	}}
	s := planner.NewSelector(intent, zap.NewNop())

	sel := s.Select(context.Background(), "anything", testDefs())
	assert.Len(t, sel.AgentIDs, planner.MaxAgents)
}

func TestSelectorFallsBackToKeywordsOnPlannerError(t *testing.T) {
	t.Parallel()

	intent := &fakeIntent{err: errors.New("model unavailable")}
	s := planner.NewSelector(intent, zap.NewNop())

	sel := s.Select(context.Background(), "plan a trip to Tokyo", testDefs())
	assert.Equal(t, planner.SourceKeywords, sel.Source)
	assert.Equal(t, []string{"travel-planner"}, sel.AgentIDs)
}

func TestSelectorWithoutPlannerMatchesKeywords(t *testing.T) {
	t.Parallel()

	s := planner.NewSelector(nil, zap.NewNop())

	sel := s.Select(context.Background(), "give me a cheap recipe", testDefs())
	assert.Equal(t, planner.SourceKeywords, sel.Source)
	assert.ElementsMatch(t, []string{"budget-planner", "recipe-chef"}, sel.AgentIDs)
}

func TestSelectorFallsBackToGeneralAssistant(t *testing.T) {
	t.Parallel()

	s := planner.NewSelector(nil, zap.NewNop())

	sel := s.Select(context.Background(), "xyzzy", testDefs())
	assert.Equal(t, planner.SourceFallback, sel.Source)
	assert.Equal(t, []string{agents.FallbackAgentID}, sel.AgentIDs)
}

func TestDeterministicAggregate(t *testing.T) {
	t.Parallel()

	got := planner.DeterministicAggregate([]planner.AgentSummary{
		{AgentID: "travel-planner", Name: "Travel Planner", Summary: "Fly in April."},
		{AgentID: "budget-planner", Name: "Budget Planner", Summary: "Budget $1200."},
	})
	assert.Equal(t, "**Travel Planner:** Fly in April.\n\n**Budget Planner:** Budget $1200.", got)
}
