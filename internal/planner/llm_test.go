package planner_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/planner"
)

func chatResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(body)
}

func newLLM(t *testing.T, handler http.HandlerFunc) *planner.LLM {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return planner.NewLLM(planner.LLMConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	}, zap.NewNop())
}

func TestSelectAgentsParsesFencedJSON(t *testing.T) {
	t.Parallel()

	llm := newLLM(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, chatResponse("```json\n{\"agents\": [\"travel-planner\"], \"reasoning\": \"trip query\"}\n```"))
	})

	sel, err := llm.SelectAgents(context.Background(), "plan a trip", testDefs())
	require.NoError(t, err)
	assert.Equal(t, []string{"travel-planner"}, sel.AgentIDs)
	assert.Equal(t, "trip query", sel.Reasoning)
}

func TestPlanCallsFiltersUnknownTools(t *testing.T) {
	t.Parallel()

	llm := newLLM(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, chatResponse(`{"calls": [
			{"tool": "calculator", "params": {"expression": "1+1"}},
			{"tool": "launchMissiles", "params": {}}
		]}`))
	})

	calls, err := llm.PlanCalls(context.Background(), budgetDef(), "compute 1+1", nil)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "calculator", calls[0].Tool)
}

func TestPlanCallsSkipsAgentsWithoutTools(t *testing.T) {
	t.Parallel()

	llm := newLLM(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected for a toolless agent")
	})

	calls, err := llm.PlanCalls(context.Background(), testDefs()[0], "anything", nil)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestChatRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	llm := newLLM(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, chatResponse("final answer"))
	})

	got, err := llm.Summarize(context.Background(), budgetDef(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "final answer", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	llm := newLLM(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := llm.Summarize(context.Background(), budgetDef(), "q", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatRejectsEmptyChoices(t *testing.T) {
	t.Parallel()

	llm := newLLM(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices": []}`)
	})

	_, err := llm.Aggregate(context.Background(), "q", []planner.AgentSummary{{Name: "A", Summary: "s"}})
	assert.ErrorContains(t, err, "empty choices")
}
