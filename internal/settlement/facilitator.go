// Package settlement splits successful query payments between the platform
// and the participating agents, and talks to the on-chain facilitator that
// verifies deposits and executes transfers.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/ledger"
)

// Backend is the on-chain facilitator capability the control plane
// consumes: deposit inspection for the ledger and value transfers for
// on-chain distribution.
type Backend interface {
	ledger.DepositVerifier

	// Transfer moves amount USDC to the given address and returns the
	// resulting transaction id.
	Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error)
}

// Facilitator is the JSON-over-HTTP Backend implementation. Transient
// failures are retried with exponential backoff; 4xx responses are not.
type Facilitator struct {
	baseURL string
	rpcURL  string
	network string
	client  *http.Client
	logger  *zap.Logger
}

// FacilitatorConfig configures the HTTP facilitator client.
type FacilitatorConfig struct {
	BaseURL string
	RPCURL  string
	Network string
	Timeout time.Duration
}

// NewFacilitator creates a Backend talking to the configured facilitator
// service.
func NewFacilitator(cfg FacilitatorConfig, logger *zap.Logger) *Facilitator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Facilitator{
		baseURL: cfg.BaseURL,
		rpcURL:  cfg.RPCURL,
		network: cfg.Network,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("facilitator"),
	}
}

type verifyRequest struct {
	TxHash  string `json:"txHash"`
	Network string `json:"network,omitempty"`
	RPCURL  string `json:"rpcUrl,omitempty"`
}

type verifyResponse struct {
	Confirmed bool   `json:"confirmed"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
}

// VerifyDeposit asks the facilitator to inspect an on-chain transaction.
func (f *Facilitator) VerifyDeposit(ctx context.Context, txID string) (*ledger.DepositInfo, error) {
	var resp verifyResponse
	err := f.post(ctx, "/verify", verifyRequest{TxHash: txID, Network: f.network, RPCURL: f.rpcURL}, &resp)
	if err != nil {
		return nil, fmt.Errorf("settlement: verify %s: %w", txID, err)
	}

	amount := decimal.Zero
	if resp.Amount != "" {
		amount, err = decimal.NewFromString(resp.Amount)
		if err != nil {
			return nil, fmt.Errorf("settlement: verify %s: bad amount %q: %w", txID, resp.Amount, err)
		}
	}

	return &ledger.DepositInfo{
		Confirmed: resp.Confirmed,
		From:      resp.From,
		To:        resp.To,
		Amount:    amount,
	}, nil
}

type transferRequest struct {
	To      string `json:"to"`
	Amount  string `json:"amount"`
	Network string `json:"network,omitempty"`
	RPCURL  string `json:"rpcUrl,omitempty"`
}

type transferResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash"`
	Error   string `json:"error,omitempty"`
}

// Transfer asks the facilitator to move funds to the given address.
func (f *Facilitator) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	var resp transferResponse
	err := f.post(ctx, "/transfer", transferRequest{
		To:      to,
		Amount:  amount.String(),
		Network: f.network,
		RPCURL:  f.rpcURL,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("settlement: transfer to %s: %w", to, err)
	}
	if !resp.Success {
		return "", fmt.Errorf("settlement: transfer to %s rejected: %s", to, resp.Error)
	}
	return resp.TxHash, nil
}

// post sends one JSON request with retry on transient failures.
func (f *Facilitator) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			f.logger.Warn("facilitator request failed, retrying",
				zap.String("path", path),
				zap.Error(err),
			)
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 500:
			f.logger.Warn("facilitator returned server error, retrying",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
			)
			return fmt.Errorf("status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
		}

		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}, policy)
}
