package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/ledger"
	"github.com/agentmesh-io/agentmesh/internal/settlement"
)

type walletHandler struct {
	ledger      *ledger.Ledger
	distributor *settlement.Distributor
	price       decimal.Decimal
	validate    *validator.Validate
	logger      *zap.Logger
}

func newWalletHandler(cfg RouterConfig) *walletHandler {
	return &walletHandler{
		ledger:      cfg.Ledger,
		distributor: cfg.Distributor,
		price:       cfg.QueryPrice,
		validate:    validator.New(),
		logger:      cfg.Logger.Named("api"),
	}
}

type depositRequest struct {
	TxHash string `json:"txHash" validate:"required"`
	Wallet string `json:"wallet" validate:"required"`
}

type depositResponse struct {
	Success    bool    `json:"success"`
	Deposited  float64 `json:"deposited"`
	NewBalance float64 `json:"newBalance"`
}

// Deposit verifies an on-chain transaction and credits its value to the
// wallet. Replayed and invalid transactions come back as 400.
func (h *walletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "txHash and wallet are required")
		return
	}

	amount, err := h.ledger.VerifyAndCredit(r.Context(), req.TxHash, req.Wallet)
	if err != nil {
		h.logger.Warn("deposit rejected",
			zap.String("tx_id", req.TxHash),
			zap.String("wallet", req.Wallet),
			zap.Error(err),
		)
		ErrJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	deposited, _ := amount.Float64()
	newBalance, _ := h.ledger.GetBalance(req.Wallet).Balance.Float64()
	JSON(w, http.StatusOK, depositResponse{
		Success:    true,
		Deposited:  deposited,
		NewBalance: newBalance,
	})
}

type balanceResponse struct {
	Wallet           string  `json:"wallet"`
	Balance          float64 `json:"balance"`
	TotalDeposited   float64 `json:"totalDeposited"`
	TotalSpent       float64 `json:"totalSpent"`
	QueryPrice       float64 `json:"queryPrice"`
	QueriesRemaining int64   `json:"queriesRemaining"`
}

// Balance reports the prepaid state of one wallet.
func (h *walletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	walletAddr := r.URL.Query().Get("wallet")
	if walletAddr == "" {
		ErrJSON(w, http.StatusBadRequest, "wallet query parameter is required")
		return
	}

	bal := h.ledger.GetBalance(walletAddr)
	out := balanceResponse{Wallet: bal.Wallet}
	out.Balance, _ = bal.Balance.Float64()
	out.TotalDeposited, _ = bal.TotalDeposited.Float64()
	out.TotalSpent, _ = bal.TotalSpent.Float64()
	out.QueryPrice, _ = h.price.Float64()
	if h.price.IsPositive() {
		out.QueriesRemaining = bal.Balance.Div(h.price).IntPart()
	}
	JSON(w, http.StatusOK, out)
}

// Payments lists every recorded distribution, newest last.
func (h *walletHandler) Payments(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"payments": h.distributor.Distributions(),
	})
}

// Transactions lists the component transactions of all distributions.
func (h *walletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"transactions": h.distributor.Transactions(),
	})
}
