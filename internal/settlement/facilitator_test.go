package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFacilitator(t *testing.T, handler http.Handler) *Facilitator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFacilitator(FacilitatorConfig{BaseURL: srv.URL, Network: "base-sepolia"}, zap.NewNop())
}

func TestFacilitatorVerifyDeposit(t *testing.T) {
	t.Parallel()

	f := newTestFacilitator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)

		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0xabc", req.TxHash)
		assert.Equal(t, "base-sepolia", req.Network)

		json.NewEncoder(w).Encode(verifyResponse{
			Confirmed: true,
			From:      "0xUserA",
			To:        "0xPlatform",
			Amount:    "1.50",
		})
	}))

	info, err := f.VerifyDeposit(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, info.Confirmed)
	assert.Equal(t, "0xUserA", info.From)
	assert.True(t, info.Amount.Equal(decimal.RequireFromString("1.50")))
}

func TestFacilitatorTransfer(t *testing.T) {
	t.Parallel()

	f := newTestFacilitator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfer", r.URL.Path)

		var req transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0xTravel", req.To)
		assert.Equal(t, "0.025", req.Amount)

		json.NewEncoder(w).Encode(transferResponse{Success: true, TxHash: "0xtx1"})
	}))

	txID, err := f.Transfer(context.Background(), "0xTravel", decimal.RequireFromString("0.025"))
	require.NoError(t, err)
	assert.Equal(t, "0xtx1", txID)
}

func TestFacilitatorTransferRejected(t *testing.T) {
	t.Parallel()

	f := newTestFacilitator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transferResponse{Success: false, Error: "insufficient funds"})
	}))

	_, err := f.Transfer(context.Background(), "0xTravel", decimal.New(1, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestFacilitatorRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := newTestFacilitator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(verifyResponse{Confirmed: true, Amount: "1"})
	}))

	info, err := f.VerifyDeposit(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, info.Confirmed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFacilitatorDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := newTestFacilitator(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad tx hash", http.StatusBadRequest)
	}))

	_, err := f.VerifyDeposit(context.Background(), "0xabc")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
