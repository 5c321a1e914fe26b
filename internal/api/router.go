package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/dispatch"
	"github.com/agentmesh-io/agentmesh/internal/ledger"
	"github.com/agentmesh-io/agentmesh/internal/monitor"
	"github.com/agentmesh-io/agentmesh/internal/orchestrator"
	"github.com/agentmesh-io/agentmesh/internal/queue"
	"github.com/agentmesh-io/agentmesh/internal/registry"
	"github.com/agentmesh-io/agentmesh/internal/settlement"
)

// QueryEngine is the orchestrator seam the chat handler calls through.
type QueryEngine interface {
	Execute(ctx context.Context, message string) (*orchestrator.Response, error)
}

// Dispatcher is the dispatch seam for /api/run and the status summary.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	Pending() int
}

// RouterConfig holds every dependency the router wires into handlers. It
// is filled in the composition root after all components exist.
type RouterConfig struct {
	Logger      *zap.Logger
	Engine      QueryEngine
	Dispatcher  Dispatcher
	Ledger      *ledger.Ledger
	Distributor *settlement.Distributor
	Store       *agents.Store
	Registry    *registry.Registry
	Queue       *queue.Queue
	Monitor     *monitor.Monitor

	// PaymentsEnabled gates the balance check and the deduct/distribute
	// step on /api/chat. QueryPrice is the per-query USDC charge.
	PaymentsEnabled bool
	QueryPrice      decimal.Decimal

	// RateLimitPerMin throttles requests per client IP. Zero disables.
	RateLimitPerMin int

	Version string
}

// NewRouter builds the chi router with the full route table.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(Instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Wallet-Address", "X-Payment-Tx"},
	}))
	if cfg.RateLimitPerMin > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
	}

	chat := newChatHandler(cfg)
	jobs := newJobHandler(cfg)
	wallet := newWalletHandler(cfg)
	agentsH := newAgentHandler(cfg)
	mon := newMonitorHandler(cfg)

	r.Get("/health", mon.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", mon.Status)

		r.Post("/chat", chat.Chat)
		r.Post("/feedback", chat.Feedback)
		r.Post("/run", jobs.Run)

		r.Post("/deposit", wallet.Deposit)
		r.Get("/balance", wallet.Balance)
		r.Get("/payments", wallet.Payments)
		r.Get("/transactions", wallet.Transactions)

		r.Get("/agents", agentsH.List)
		r.Post("/agents", agentsH.Create)
		r.Get("/agents/{id}", agentsH.Get)
		r.Put("/agents/{id}", agentsH.Update)
		r.Delete("/agents/{id}", agentsH.Delete)

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/", mon.Overview)
			r.Get("/nodes", mon.Nodes)
			r.Get("/logs", mon.Logs)
			r.Get("/history", mon.History)
		})
	})

	return r
}
