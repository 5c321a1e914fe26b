package agents_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-io/agentmesh/internal/agents"
)

func TestCalculatorEvaluatesArithmetic(t *testing.T) {
	t.Parallel()
	calc := agents.Builtins()["calculator"]
	require.NotNil(t, calc)

	cases := []struct {
		expr string
		want float64
	}{
		{"12*30+45", 405},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"-5 + 10", 5},
		{"10 / 4", 2.5},
		{"1.5 * 2", 3},
	}
	for _, tc := range cases {
		out, err := calc(context.Background(), map[string]any{"expression": tc.expr})
		require.NoError(t, err, tc.expr)
		result, ok := out.(map[string]any)
		require.True(t, ok)
		assert.InDelta(t, tc.want, result["result"], 1e-9, tc.expr)
	}
}

func TestCalculatorRejectsBadInput(t *testing.T) {
	t.Parallel()
	calc := agents.Builtins()["calculator"]

	_, err := calc(context.Background(), map[string]any{"expression": "2 +"})
	assert.Error(t, err)

	_, err = calc(context.Background(), map[string]any{"expression": "1 / 0"})
	assert.ErrorContains(t, err, "division by zero")

	_, err = calc(context.Background(), map[string]any{"expression": "2 $ 2"})
	assert.Error(t, err)

	_, err = calc(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestCurrentTimeReportsUTC(t *testing.T) {
	t.Parallel()
	now := agents.Builtins()["currentTime"]

	out, err := now(context.Background(), nil)
	require.NoError(t, err)
	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, result["iso"])
	assert.NotZero(t, result["unix"])
}

func TestFetchURLReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello agents"))
	}))
	defer srv.Close()

	fetch := agents.Builtins()["fetchUrl"]
	out, err := fetch(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)

	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, result["status"])
	assert.Equal(t, "hello agents", result["body"])
	assert.Equal(t, false, result["truncated"])
}

func TestFetchURLRejectsNonHTTPSchemes(t *testing.T) {
	t.Parallel()
	fetch := agents.Builtins()["fetchUrl"]

	_, err := fetch(context.Background(), map[string]any{"url": "file:///etc/passwd"})
	assert.Error(t, err)

	_, err = fetch(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestMatchKeywordsRanksByHits(t *testing.T) {
	t.Parallel()

	defs := []*agents.Definition{
		{ID: "travel-planner", Keywords: []string{"trip", "travel", "flight"}},
		{ID: "budget-planner", Keywords: []string{"budget", "cheap", "cost"}},
		{ID: "recipe-chef", Keywords: []string{"recipe", "cook"}},
	}

	got := agents.MatchKeywords(defs, "Plan a cheap trip to Tokyo, flight and budget included")
	require.Len(t, got, 2)
	// travel-planner hits trip+flight, budget-planner hits cheap+budget; tie broken by id.
	assert.Equal(t, []string{"budget-planner", "travel-planner"}, got)

	assert.Empty(t, agents.MatchKeywords(defs, "completely unrelated message"))
}

func TestMatchKeywordsIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	defs := []*agents.Definition{{ID: "travel-planner", Keywords: []string{"Trip"}}}
	assert.Equal(t, []string{"travel-planner"}, agents.MatchKeywords(defs, "TRIP to osaka"))
}
