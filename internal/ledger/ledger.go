// Package ledger keeps the prepaid USDC balance of every user wallet and
// the idempotency set of processed deposits.
//
// Balances live in memory and are mirrored to two JSON files in the data
// directory after every successful mutation. Writes go through a temp file
// and rename, so a crash leaves the files at the last completed operation.
// Mutations happen under the ledger's write lock; file and network I/O
// happen outside it. In the documented lock order (registry < queue <
// ledger) this is the innermost lock, so no other component lock may be
// taken while holding it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/metrics"
)

// ─── Errors ──────────────────────────────────────────────────────────────────

var (
	// ErrDepositAlreadyProcessed means the transaction id was credited before.
	ErrDepositAlreadyProcessed = errors.New("ledger: deposit already processed")

	// ErrDepositSenderMismatch means the on-chain sender does not match the
	// wallet claiming the deposit.
	ErrDepositSenderMismatch = errors.New("ledger: deposit sender mismatch")

	// ErrDepositNotConfirmed means the transaction is unknown or not yet
	// confirmed on chain.
	ErrDepositNotConfirmed = errors.New("ledger: deposit not confirmed")

	// ErrDepositWrongRecipient means the transaction did not pay the
	// platform wallet.
	ErrDepositWrongRecipient = errors.New("ledger: deposit recipient is not the platform wallet")
)

// ─── Types ───────────────────────────────────────────────────────────────────

// Deposit is one verified credit in an account's append-only history.
type Deposit struct {
	TxID   string          `json:"txId,omitempty"`
	Amount decimal.Decimal `json:"amount"`
	At     time.Time       `json:"at"`
}

// Balance is the ledger record for one wallet. Invariant:
// Balance = TotalDeposited − TotalSpent, never negative.
type Balance struct {
	Wallet         string          `json:"wallet"`
	Balance        decimal.Decimal `json:"balance"`
	TotalDeposited decimal.Decimal `json:"totalDeposited"`
	TotalSpent     decimal.Decimal `json:"totalSpent"`
	DepositHistory []Deposit       `json:"depositHistory,omitempty"`
	LastActivity   time.Time       `json:"lastActivity"`
}

// DepositInfo is what the settlement backend reports about an on-chain
// transaction when a deposit is verified.
type DepositInfo struct {
	Confirmed bool
	From      string
	To        string
	Amount    decimal.Decimal
}

// DepositVerifier inspects an on-chain transaction by id. Implemented by
// the settlement facilitator client.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, txID string) (*DepositInfo, error)
}

// ─── Ledger ──────────────────────────────────────────────────────────────────

// Ledger is the concurrent balance store. Create instances with New, which
// loads any previously persisted state from the data directory.
type Ledger struct {
	mu        sync.RWMutex
	accounts  map[string]*Balance
	processed map[string]struct{}

	dataDir        string
	platformWallet string
	verifier       DepositVerifier
	logger         *zap.Logger
}

// New creates a Ledger backed by dataDir and loads balances.json and
// processed-deposits.json when they exist. Corrupt files are logged and
// treated as empty rather than blocking startup.
func New(dataDir, platformWallet string, verifier DepositVerifier, logger *zap.Logger) (*Ledger, error) {
	l := &Ledger{
		accounts:       make(map[string]*Balance),
		processed:      make(map[string]struct{}),
		dataDir:        dataDir,
		platformWallet: platformWallet,
		verifier:       verifier,
		logger:         logger.Named("ledger"),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// GetBalance returns a snapshot of the wallet's account. Unknown wallets
// get a zeroed account without creating an entry.
func (l *Ledger) GetBalance(wallet string) *Balance {
	key := normalize(wallet)

	l.mu.RLock()
	defer l.mu.RUnlock()

	acct, ok := l.accounts[key]
	if !ok {
		return &Balance{Wallet: key}
	}
	return snapshot(acct)
}

// GetOrCreate returns a snapshot of the wallet's account, creating an
// empty in-memory entry the first time the wallet is seen.
func (l *Ledger) GetOrCreate(wallet string) *Balance {
	key := normalize(wallet)

	l.mu.Lock()
	defer l.mu.Unlock()
	return snapshot(l.getOrCreateLocked(key))
}

// HasEnough reports whether the wallet can afford amount.
func (l *Ledger) HasEnough(wallet string, amount decimal.Decimal) bool {
	key := normalize(wallet)

	l.mu.RLock()
	defer l.mu.RUnlock()

	acct, ok := l.accounts[key]
	return ok && acct.Balance.GreaterThanOrEqual(amount)
}

// Deduct atomically spends amount from the wallet. It returns false,
// mutating nothing, when the balance is short; on success the new state is
// persisted after the lock is released.
func (l *Ledger) Deduct(wallet string, amount decimal.Decimal) bool {
	key := normalize(wallet)

	l.mu.Lock()
	acct, ok := l.accounts[key]
	if !ok || acct.Balance.LessThan(amount) {
		l.mu.Unlock()
		return false
	}
	acct.Balance = acct.Balance.Sub(amount)
	acct.TotalSpent = acct.TotalSpent.Add(amount)
	acct.LastActivity = time.Now().UTC()
	l.mu.Unlock()

	l.persistBalances()
	l.logger.Info("balance deducted",
		zap.String("wallet", key),
		zap.String("amount", amount.String()),
	)
	return true
}

// Credit adds amount to the wallet, recording txID in the deposit history
// when present, and persists the new state.
func (l *Ledger) Credit(wallet string, amount decimal.Decimal, txID string) {
	key := normalize(wallet)

	l.mu.Lock()
	l.creditLocked(key, amount, txID)
	l.mu.Unlock()

	l.persistBalances()
	l.logger.Info("balance credited",
		zap.String("wallet", key),
		zap.String("amount", amount.String()),
		zap.String("tx_id", txID),
	)
}

// VerifyAndCredit checks the on-chain transaction behind txID and credits
// its amount to expectedFrom's balance. The transaction must be confirmed,
// must pay the platform wallet, must originate from expectedFrom, and must
// not have been credited before. The processed set is the sole gate: the
// txID enters it in the same critical section as the credit.
func (l *Ledger) VerifyAndCredit(ctx context.Context, txID, expectedFrom string) (decimal.Decimal, error) {
	key := normalize(expectedFrom)
	if key == "" {
		return decimal.Zero, ErrDepositSenderMismatch
	}

	l.mu.RLock()
	_, done := l.processed[txID]
	l.mu.RUnlock()
	if done {
		return decimal.Zero, ErrDepositAlreadyProcessed
	}

	info, err := l.verifier.VerifyDeposit(ctx, txID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: verify deposit %s: %w", txID, err)
	}

	switch {
	case !info.Confirmed:
		return decimal.Zero, ErrDepositNotConfirmed
	case !strings.EqualFold(info.To, l.platformWallet):
		return decimal.Zero, ErrDepositWrongRecipient
	case !strings.EqualFold(info.From, expectedFrom):
		return decimal.Zero, ErrDepositSenderMismatch
	case info.Amount.LessThanOrEqual(decimal.Zero):
		return decimal.Zero, fmt.Errorf("ledger: deposit %s has non-positive amount", txID)
	}

	l.mu.Lock()
	if _, done := l.processed[txID]; done {
		// A concurrent call won the race while we were verifying.
		l.mu.Unlock()
		return decimal.Zero, ErrDepositAlreadyProcessed
	}
	l.processed[txID] = struct{}{}
	l.creditLocked(key, info.Amount, txID)
	l.mu.Unlock()

	l.persistProcessed()
	l.persistBalances()
	metrics.DepositsTotal.Inc()
	l.logger.Info("deposit verified and credited",
		zap.String("wallet", key),
		zap.String("tx_id", txID),
		zap.String("amount", info.Amount.String()),
	)
	return info.Amount, nil
}

// IsProcessed reports whether a transaction id has been credited.
func (l *Ledger) IsProcessed(txID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, done := l.processed[txID]
	return done
}

// Flush persists both files. Called once on graceful shutdown.
func (l *Ledger) Flush() {
	l.persistBalances()
	l.persistProcessed()
}

// ─── Internal ────────────────────────────────────────────────────────────────

func (l *Ledger) getOrCreateLocked(key string) *Balance {
	acct, ok := l.accounts[key]
	if !ok {
		acct = &Balance{
			Wallet:         key,
			Balance:        decimal.Zero,
			TotalDeposited: decimal.Zero,
			TotalSpent:     decimal.Zero,
			LastActivity:   time.Now().UTC(),
		}
		l.accounts[key] = acct
	}
	return acct
}

func (l *Ledger) creditLocked(key string, amount decimal.Decimal, txID string) {
	acct := l.getOrCreateLocked(key)
	acct.Balance = acct.Balance.Add(amount)
	acct.TotalDeposited = acct.TotalDeposited.Add(amount)
	acct.LastActivity = time.Now().UTC()
	acct.DepositHistory = append(acct.DepositHistory, Deposit{
		TxID:   txID,
		Amount: amount,
		At:     acct.LastActivity,
	})
}

func normalize(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}

func snapshot(b *Balance) *Balance {
	cp := *b
	cp.DepositHistory = append([]Deposit(nil), b.DepositHistory...)
	return &cp
}
