package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/ledger"
	"github.com/agentmesh-io/agentmesh/internal/metrics"
)

// ─── Types ───────────────────────────────────────────────────────────────────

// TransactionType classifies the component transactions of a distribution.
type TransactionType string

const (
	TxUserPayment       TransactionType = "user_payment"
	TxOrchestratorShare TransactionType = "orchestrator_share"
	TxAgentShare        TransactionType = "agent_share"
)

// Transaction is one ledger line inside a distribution.
type Transaction struct {
	ID           string          `json:"id"`
	Type         TransactionType `json:"type"`
	From         string          `json:"from,omitempty"`
	To           string          `json:"to"`
	Amount       decimal.Decimal `json:"amount"`
	ExternalTxID string          `json:"externalTxId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// AgentPayment records the outcome of one agent's share.
type AgentPayment struct {
	AgentID      string          `json:"agentId"`
	Address      string          `json:"address"`
	Amount       decimal.Decimal `json:"amount"`
	ExternalTxID string          `json:"externalTxId,omitempty"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
}

// Distribution is the record of one settled query payment.
type Distribution struct {
	ID                 string          `json:"id"`
	TotalAmount        decimal.Decimal `json:"totalAmount"`
	OrchestratorAmount decimal.Decimal `json:"orchestratorAmount"`
	AgentPayments      []AgentPayment  `json:"agentPayments"`
	Transactions       []*Transaction  `json:"transactions"`
	OnChain            bool            `json:"onChain"`
	Timestamp          time.Time       `json:"timestamp"`
}

// AgentWallets resolves the payout address for an agent id. Implemented by
// the agent store; an empty result falls back to an internal wallet keyed
// by the agent id.
type AgentWallets interface {
	WalletFor(agentID string) string
}

// ─── Distributor ─────────────────────────────────────────────────────────────

// interCallDelay spaces consecutive on-chain transfers so the facilitator
// never signs two transactions with the same nonce.
const interCallDelay = 500 * time.Millisecond

// Config configures a Distributor.
type Config struct {
	// OnChain switches from internal ledger credits to facilitator
	// transfers.
	OnChain bool

	// PlatformWallet receives the user payment and holds the orchestrator
	// share.
	PlatformWallet string

	// OrchestratorShare and AgentShare are fractions of the total. Both
	// default to 0.5.
	OrchestratorShare decimal.Decimal
	AgentShare        decimal.Decimal

	// TransferDelay overrides interCallDelay; tests set it near zero.
	TransferDelay time.Duration
}

// Distributor splits successful payments and keeps the in-memory history
// of distributions and their component transactions.
type Distributor struct {
	mu            sync.Mutex
	distributions []*Distribution
	transactions  []*Transaction

	ledger  *ledger.Ledger
	backend Backend
	wallets AgentWallets
	cfg     Config
	logger  *zap.Logger
}

// New creates a Distributor. backend may be nil when cfg.OnChain is false.
func New(l *ledger.Ledger, backend Backend, wallets AgentWallets, cfg Config, logger *zap.Logger) *Distributor {
	if cfg.OrchestratorShare.IsZero() {
		cfg.OrchestratorShare = decimal.NewFromFloat(0.5)
	}
	if cfg.AgentShare.IsZero() {
		cfg.AgentShare = decimal.NewFromFloat(0.5)
	}
	if cfg.TransferDelay <= 0 {
		cfg.TransferDelay = interCallDelay
	}
	return &Distributor{
		ledger:  l,
		backend: backend,
		wallets: wallets,
		cfg:     cfg,
		logger:  logger.Named("settlement"),
	}
}

// Distribute splits total between the platform and the listed agents and
// records the outcome. The orchestrator share goes to the platform wallet;
// the agent share is divided evenly. In on-chain mode each agent share is
// transferred through the facilitator with a small delay between calls; a
// failed transfer is recorded against that agent and does not undo earlier
// transfers or refund the user.
func (d *Distributor) Distribute(ctx context.Context, total decimal.Decimal, agentIDs []string, userWallet, userTxID string) *Distribution {
	now := time.Now().UTC()
	orchestratorAmount := total.Mul(d.cfg.OrchestratorShare)

	divisor := decimal.NewFromInt(int64(max(1, len(agentIDs))))
	perAgent := total.Mul(d.cfg.AgentShare).Div(divisor)

	dist := &Distribution{
		ID:                 uuid.NewString(),
		TotalAmount:        total,
		OrchestratorAmount: orchestratorAmount,
		OnChain:            d.cfg.OnChain,
		Timestamp:          now,
	}

	dist.Transactions = append(dist.Transactions,
		&Transaction{
			ID:           uuid.NewString(),
			Type:         TxUserPayment,
			From:         userWallet,
			To:           d.cfg.PlatformWallet,
			Amount:       total,
			ExternalTxID: userTxID,
			Timestamp:    now,
		},
		&Transaction{
			ID:        uuid.NewString(),
			Type:      TxOrchestratorShare,
			From:      d.cfg.PlatformWallet,
			To:        d.cfg.PlatformWallet,
			Amount:    orchestratorAmount,
			Timestamp: now,
		},
	)

	for i, agentID := range agentIDs {
		payment := d.payAgent(ctx, agentID, perAgent)
		dist.AgentPayments = append(dist.AgentPayments, payment)
		dist.Transactions = append(dist.Transactions, &Transaction{
			ID:           uuid.NewString(),
			Type:         TxAgentShare,
			From:         d.cfg.PlatformWallet,
			To:           payment.Address,
			Amount:       perAgent,
			ExternalTxID: payment.ExternalTxID,
			Timestamp:    time.Now().UTC(),
		})

		if d.cfg.OnChain && i < len(agentIDs)-1 {
			select {
			case <-time.After(d.cfg.TransferDelay):
			case <-ctx.Done():
			}
		}
	}

	d.mu.Lock()
	d.distributions = append(d.distributions, dist)
	d.transactions = append(d.transactions, dist.Transactions...)
	d.mu.Unlock()

	mode := "internal"
	if d.cfg.OnChain {
		mode = "onchain"
	}
	metrics.DistributionsTotal.WithLabelValues(mode).Inc()
	d.logger.Info("payment distributed",
		zap.String("distribution_id", dist.ID),
		zap.String("total", total.String()),
		zap.String("orchestrator_amount", orchestratorAmount.String()),
		zap.Int("agents", len(agentIDs)),
		zap.Bool("on_chain", d.cfg.OnChain),
	)
	return dist
}

// payAgent settles one agent's share in the configured mode.
func (d *Distributor) payAgent(ctx context.Context, agentID string, amount decimal.Decimal) AgentPayment {
	address := d.wallets.WalletFor(agentID)
	if address == "" {
		address = "agent:" + agentID
	}

	payment := AgentPayment{
		AgentID: agentID,
		Address: address,
		Amount:  amount,
	}

	if !d.cfg.OnChain {
		d.ledger.Credit(address, amount, "")
		payment.Success = true
		return payment
	}

	txID, err := d.backend.Transfer(ctx, address, amount)
	if err != nil {
		payment.Error = err.Error()
		d.logger.Error("on-chain agent payment failed",
			zap.String("agent_id", agentID),
			zap.String("address", address),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
		return payment
	}

	payment.Success = true
	payment.ExternalTxID = txID
	return payment
}

// Distributions returns the distribution history, newest first.
func (d *Distributor) Distributions() []*Distribution {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Distribution, len(d.distributions))
	for i, dist := range d.distributions {
		out[len(out)-1-i] = dist
	}
	return out
}

// Transactions returns the flat transaction history, newest first.
func (d *Distributor) Transactions() []*Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Transaction, len(d.transactions))
	for i, tx := range d.transactions {
		out[len(out)-1-i] = tx
	}
	return out
}
