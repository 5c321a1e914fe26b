package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/api"
	"github.com/agentmesh-io/agentmesh/internal/dispatch"
	"github.com/agentmesh-io/agentmesh/internal/ledger"
	"github.com/agentmesh-io/agentmesh/internal/monitor"
	"github.com/agentmesh-io/agentmesh/internal/orchestrator"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
	"github.com/agentmesh-io/agentmesh/internal/queue"
	"github.com/agentmesh-io/agentmesh/internal/registry"
	"github.com/agentmesh-io/agentmesh/internal/settlement"
)

const (
	platformWallet = "0xPLATFORM"
	userWallet     = "0xUSERAAA"
)

type fakeEngine struct {
	resp *orchestrator.Response
	err  error
}

func (f *fakeEngine) Execute(context.Context, string) (*orchestrator.Response, error) {
	return f.resp, f.err
}

type fakeDispatcher struct {
	result *dispatch.Result
	err    error
}

func (f *fakeDispatcher) Dispatch(context.Context, dispatch.Request) (*dispatch.Result, error) {
	return f.result, f.err
}

func (f *fakeDispatcher) Pending() int { return 0 }

// fakeVerifier confirms any transaction as a 1.00 USDC transfer from the
// given sender to the platform wallet.
type fakeVerifier struct {
	from   string
	amount decimal.Decimal
}

func (f *fakeVerifier) VerifyDeposit(context.Context, string) (*ledger.DepositInfo, error) {
	return &ledger.DepositInfo{
		Confirmed: true,
		From:      f.from,
		To:        platformWallet,
		Amount:    f.amount,
	}, nil
}

type harness struct {
	srv         *httptest.Server
	ledger      *ledger.Ledger
	distributor *settlement.Distributor
	monitor     *monitor.Monitor
	store       *agents.Store
}

func newHarness(t *testing.T, engine api.QueryEngine, disp api.Dispatcher) *harness {
	t.Helper()
	logger := zap.NewNop()

	led, err := ledger.New(t.TempDir(), platformWallet, &fakeVerifier{from: userWallet, amount: decimal.NewFromInt(1)}, logger)
	require.NoError(t, err)
	store, err := agents.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	dist := settlement.New(led, nil, store, settlement.Config{
		PlatformWallet: platformWallet,
		TransferDelay:  1,
	}, logger)
	mon := monitor.New()

	h := &harness{
		ledger:      led,
		distributor: dist,
		monitor:     mon,
		store:       store,
	}
	h.srv = httptest.NewServer(api.NewRouter(api.RouterConfig{
		Logger:          logger,
		Engine:          engine,
		Dispatcher:      disp,
		Ledger:          led,
		Distributor:     dist,
		Store:           store,
		Registry:        registry.New(logger),
		Queue:           queue.New(logger),
		Monitor:         mon,
		PaymentsEnabled: true,
		QueryPrice:      decimal.RequireFromString("0.10"),
		Version:         "test",
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) request(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func successResponse(agentIDs ...string) *orchestrator.Response {
	resp := &orchestrator.Response{
		Message:    "aggregated answer",
		AgentsUsed: agentIDs,
		QueryHash:  orchestrator.QueryHash("q"),
	}
	for _, id := range agentIDs {
		resp.Results = append(resp.Results, orchestrator.AgentResult{
			AgentID: id,
			Name:    id,
			Tools:   []string{},
			Summary: "summary from " + id,
		})
	}
	return resp
}

func errorResponse(agentIDs ...string) *orchestrator.Response {
	resp := successResponse(agentIDs...)
	for i := range resp.Results {
		resp.Results[i].Summary = "Error: planner down"
	}
	return resp
}

// ─── Chat ────────────────────────────────────────────────────────────────────

func TestChatChargesAndDistributesOnSuccess(t *testing.T) {
	h := newHarness(t, &fakeEngine{resp: successResponse("travel-planner", "budget-planner")}, &fakeDispatcher{})
	h.ledger.Credit(userWallet, decimal.NewFromInt(1), "seed")

	resp, body := h.request(t, http.MethodPost, "/api/chat",
		map[string]string{"message": "Plan a cheap trip to Tokyo"},
		map[string]string{"X-Wallet-Address": userWallet},
	)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["charged"])
	assert.NotNil(t, body["payment"])

	bal := h.ledger.GetBalance(userWallet)
	assert.True(t, bal.Balance.Equal(decimal.RequireFromString("0.90")), "got %s", bal.Balance)

	dists := h.distributor.Distributions()
	require.Len(t, dists, 1)
	assert.True(t, dists[0].OrchestratorAmount.Equal(decimal.RequireFromString("0.05")))
	require.Len(t, dists[0].AgentPayments, 2)
	assert.True(t, dists[0].AgentPayments[0].Amount.Equal(decimal.RequireFromString("0.025")))
}

func TestChatInsufficientBalanceIs402(t *testing.T) {
	h := newHarness(t, &fakeEngine{resp: successResponse("travel-planner")}, &fakeDispatcher{})
	h.ledger.Credit(userWallet, decimal.RequireFromString("0.05"), "seed")

	resp, body := h.request(t, http.MethodPost, "/api/chat",
		map[string]string{"message": "hello"},
		map[string]string{"X-Wallet-Address": userWallet},
	)

	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.InDelta(t, 0.10, body["required"], 1e-9)
	assert.InDelta(t, 0.05, body["currentBalance"], 1e-9)

	// Balance untouched.
	assert.True(t, h.ledger.GetBalance(userWallet).Balance.Equal(decimal.RequireFromString("0.05")))
}

func TestChatDoesNotChargeWhenAllAgentsFail(t *testing.T) {
	h := newHarness(t, &fakeEngine{resp: errorResponse("travel-planner")}, &fakeDispatcher{})
	h.ledger.Credit(userWallet, decimal.NewFromInt(1), "seed")

	resp, body := h.request(t, http.MethodPost, "/api/chat",
		map[string]string{"message": "hello"},
		map[string]string{"X-Wallet-Address": userWallet},
	)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, false, body["charged"])
	assert.True(t, h.ledger.GetBalance(userWallet).Balance.Equal(decimal.NewFromInt(1)))
	assert.Empty(t, h.distributor.Distributions())
}

func TestChatEngineErrorIs500WithoutCharge(t *testing.T) {
	h := newHarness(t, &fakeEngine{err: errors.New("boom")}, &fakeDispatcher{})
	h.ledger.Credit(userWallet, decimal.NewFromInt(1), "seed")

	resp, _ := h.request(t, http.MethodPost, "/api/chat",
		map[string]string{"message": "hello"},
		map[string]string{"X-Wallet-Address": userWallet},
	)

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, h.ledger.GetBalance(userWallet).Balance.Equal(decimal.NewFromInt(1)))
}

func TestChatRequiresWalletHeaderWhenPaid(t *testing.T) {
	h := newHarness(t, &fakeEngine{resp: successResponse("travel-planner")}, &fakeDispatcher{})

	resp, _ := h.request(t, http.MethodPost, "/api/chat",
		map[string]string{"message": "hello"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatSettlesInlinePaymentHeader(t *testing.T) {
	h := newHarness(t, &fakeEngine{resp: successResponse("travel-planner")}, &fakeDispatcher{})

	// Empty balance, but the header carries a verifiable 1.00 deposit.
	resp, body := h.request(t, http.MethodPost, "/api/chat",
		map[string]string{"message": "hello"},
		map[string]string{
			"X-Wallet-Address": userWallet,
			"X-Payment-Tx":     "0xdeadbeef",
		},
	)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["charged"])
	assert.True(t, h.ledger.GetBalance(userWallet).Balance.Equal(decimal.RequireFromString("0.90")))
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRunReturns503WithoutIdleNodes(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeDispatcher{err: dispatch.ErrNoIdleNode})

	resp, body := h.request(t, http.MethodPost, "/api/run",
		map[string]any{"input": "print(1)"}, nil)

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "No idle nodes available", body["error"])
}

func TestRunReturns503OnJobTimeout(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeDispatcher{err: dispatch.ErrJobTimeout})

	resp, body := h.request(t, http.MethodPost, "/api/run",
		map[string]any{"input": "print(1)"}, nil)

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "job timed out", body["error"])
}

func TestRunReturnsWorkerResult(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeDispatcher{result: &dispatch.Result{
		JobID:  "job-1",
		RunID:  "run-1",
		Status: protocol.RunStatusSuccess,
		Output: json.RawMessage(`"42"`),
		Logs:   []string{"started", "done"},
	}})

	resp, body := h.request(t, http.MethodPost, "/api/run",
		map[string]any{"input": "6*7"}, nil)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "job-1", body["jobId"])
	assert.Equal(t, "run-1", body["runId"])
}

// ─── Deposits and balances ───────────────────────────────────────────────────

func TestDepositCreditsOnceAndRejectsReplay(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeDispatcher{})

	resp, body := h.request(t, http.MethodPost, "/api/deposit",
		map[string]string{"txHash": "0xabc", "wallet": userWallet}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.InDelta(t, 1.0, body["deposited"], 1e-9)
	assert.InDelta(t, 1.0, body["newBalance"], 1e-9)

	resp, body = h.request(t, http.MethodPost, "/api/deposit",
		map[string]string{"txHash": "0xabc", "wallet": userWallet}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "already processed")
	assert.True(t, h.ledger.GetBalance(userWallet).Balance.Equal(decimal.NewFromInt(1)))
}

func TestBalanceReportsQueriesRemaining(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeDispatcher{})
	h.ledger.Credit(userWallet, decimal.RequireFromString("0.35"), "seed")

	resp, body := h.request(t, http.MethodGet, "/api/balance?wallet="+userWallet, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 0.35, body["balance"], 1e-9)
	assert.InDelta(t, 0.10, body["queryPrice"], 1e-9)
	assert.EqualValues(t, 3, body["queriesRemaining"])
}

func TestBalanceRequiresWalletParam(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeDispatcher{})
	resp, _ := h.request(t, http.MethodGet, "/api/balance", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── Agents ──────────────────────────────────────────────────────────────────

func TestAgentCRUD(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeDispatcher{})

	resp, body := h.request(t, http.MethodPost, "/api/agents", map[string]any{
		"id":   "tax-advisor",
		"name": "Tax Advisor",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "tax-advisor", body["id"])

	resp, body = h.request(t, http.MethodGet, "/api/agents/tax-advisor", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Tax Advisor", body["name"])

	resp, body = h.request(t, http.MethodPut, "/api/agents/tax-advisor", map[string]any{
		"id":   "tax-advisor",
		"name": "Tax Specialist",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Tax Specialist", body["name"])

	resp, _ = h.request(t, http.MethodDelete, "/api/agents/tax-advisor", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.request(t, http.MethodGet, "/api/agents/tax-advisor", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStockAgentsRejectMutation(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeDispatcher{})

	resp, _ := h.request(t, http.MethodPut, "/api/agents/travel-planner", map[string]any{
		"id":   "travel-planner",
		"name": "Hijacked",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.request(t, http.MethodDelete, "/api/agents/travel-planner", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── Observability ───────────────────────────────────────────────────────────

func TestFeedbackIsStored(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeDispatcher{})

	resp, body := h.request(t, http.MethodPost, "/api/feedback", map[string]any{
		"queryHash": "abcd1234abcd1234",
		"rating":    5,
		"comment":   "great answer",
	}, map[string]string{"X-Wallet-Address": userWallet})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	entries := h.monitor.FeedbackEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, 5, entries[0].Rating)
	assert.Equal(t, userWallet, entries[0].Wallet)
}

func TestObservabilityEndpoints(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeDispatcher{})

	for _, path := range []string{
		"/health",
		"/api/status",
		"/api/monitor",
		"/api/monitor/nodes",
		"/api/monitor/logs",
		"/api/monitor/history",
		"/api/payments",
		"/api/transactions",
		"/api/agents",
	} {
		resp, _ := h.request(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprintf("GET %s", path))
	}
}
