package api

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/ledger"
	"github.com/agentmesh-io/agentmesh/internal/metrics"
	"github.com/agentmesh-io/agentmesh/internal/monitor"
	"github.com/agentmesh-io/agentmesh/internal/orchestrator"
	"github.com/agentmesh-io/agentmesh/internal/settlement"
)

// Wallet headers read by the chat flow.
const (
	headerWallet    = "X-Wallet-Address"
	headerPaymentTx = "X-Payment-Tx"
)

type chatHandler struct {
	engine      QueryEngine
	ledger      *ledger.Ledger
	distributor *settlement.Distributor
	monitor     *monitor.Monitor
	payments    bool
	price       decimal.Decimal
	validate    *validator.Validate
	logger      *zap.Logger
}

func newChatHandler(cfg RouterConfig) *chatHandler {
	return &chatHandler{
		engine:      cfg.Engine,
		ledger:      cfg.Ledger,
		distributor: cfg.Distributor,
		monitor:     cfg.Monitor,
		payments:    cfg.PaymentsEnabled,
		price:       cfg.QueryPrice,
		validate:    validator.New(),
		logger:      cfg.Logger.Named("api"),
	}
}

type chatRequest struct {
	Message string `json:"message" validate:"required,min=1,max=8000"`
}

type chatResponse struct {
	Success      bool                       `json:"success"`
	Message      string                     `json:"message"`
	AgentsUsed   []string                   `json:"agentsUsed"`
	QueryHash    string                     `json:"queryHash"`
	AgentResults []orchestrator.AgentResult `json:"agentResults"`
	Charged      bool                       `json:"charged"`
	Payment      *settlement.Distribution   `json:"payment,omitempty"`
}

// insufficientBody is the 402 shape. Amounts go out as floats because the
// client contract uses JSON numbers; the ledger itself stays decimal.
type insufficientBody struct {
	Error          string  `json:"error"`
	Required       float64 `json:"required"`
	CurrentBalance float64 `json:"currentBalance"`
}

// Chat runs one orchestrated multi-agent query. The user is charged only
// when at least one agent produced a non-error summary and the deduction
// succeeded; orchestrator failures return 500 without touching the ledger.
func (h *chatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "message is required")
		return
	}

	wallet := r.Header.Get(headerWallet)
	if h.payments {
		if wallet == "" {
			ErrJSON(w, http.StatusBadRequest, "X-Wallet-Address header is required")
			return
		}
		if !h.ensureFunds(r, wallet) {
			bal := h.ledger.GetBalance(wallet)
			required, _ := h.price.Float64()
			current, _ := bal.Balance.Float64()
			JSON(w, http.StatusPaymentRequired, insufficientBody{
				Error:          "insufficient balance",
				Required:       required,
				CurrentBalance: current,
			})
			return
		}
	}

	resp, err := h.engine.Execute(r.Context(), req.Message)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		h.logger.Error("query execution failed", zap.Error(err))
		ErrJSON(w, http.StatusInternalServerError, "query execution failed")
		return
	}

	out := chatResponse{
		Success:      resp.Succeeded(),
		Message:      resp.Message,
		AgentsUsed:   resp.AgentsUsed,
		QueryHash:    resp.QueryHash,
		AgentResults: resp.Results,
	}

	if resp.Succeeded() {
		metrics.QueriesTotal.WithLabelValues("success").Inc()
		if h.payments && h.ledger.Deduct(wallet, h.price) {
			out.Charged = true
			out.Payment = h.distributor.Distribute(r.Context(), h.price, resp.AgentsUsed, wallet, r.Header.Get(headerPaymentTx))
		}
	} else {
		metrics.QueriesTotal.WithLabelValues("failed").Inc()
	}

	JSON(w, http.StatusOK, out)
}

// ensureFunds reports whether the wallet can afford one query, settling
// an inline X-Payment-Tx deposit first when the balance is short.
func (h *chatHandler) ensureFunds(r *http.Request, wallet string) bool {
	if h.ledger.HasEnough(wallet, h.price) {
		return true
	}
	if tx := r.Header.Get(headerPaymentTx); tx != "" {
		if _, err := h.ledger.VerifyAndCredit(r.Context(), tx, wallet); err != nil {
			h.logger.Warn("inline deposit rejected",
				zap.String("tx_id", tx),
				zap.Error(err),
			)
		}
	}
	return h.ledger.HasEnough(wallet, h.price)
}

type feedbackRequest struct {
	QueryHash string `json:"queryHash" validate:"required"`
	Rating    int    `json:"rating" validate:"required,min=1,max=5"`
	Comment   string `json:"comment" validate:"max=2000"`
}

// Feedback stores one user rating against a query hash.
func (h *chatHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		ErrJSON(w, http.StatusBadRequest, "queryHash and a rating between 1 and 5 are required")
		return
	}

	h.monitor.AddFeedback(monitor.Feedback{
		QueryHash: req.QueryHash,
		Rating:    req.Rating,
		Comment:   req.Comment,
		Wallet:    r.Header.Get(headerWallet),
		Timestamp: time.Now().UTC(),
	})
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}
