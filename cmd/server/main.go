// Command server runs the AgentMesh control plane: the worker WebSocket
// gateway, the public REST API, the dispatcher and the payment ledger.
// Configuration comes from the environment (a .env file is honored).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh-io/agentmesh/internal/agents"
	"github.com/agentmesh-io/agentmesh/internal/api"
	"github.com/agentmesh-io/agentmesh/internal/config"
	"github.com/agentmesh-io/agentmesh/internal/dispatch"
	"github.com/agentmesh-io/agentmesh/internal/gateway"
	"github.com/agentmesh-io/agentmesh/internal/ledger"
	"github.com/agentmesh-io/agentmesh/internal/metrics"
	"github.com/agentmesh-io/agentmesh/internal/monitor"
	"github.com/agentmesh-io/agentmesh/internal/orchestrator"
	"github.com/agentmesh-io/agentmesh/internal/planner"
	"github.com/agentmesh-io/agentmesh/internal/queue"
	"github.com/agentmesh-io/agentmesh/internal/registry"
	"github.com/agentmesh-io/agentmesh/internal/settlement"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	sweepInterval = 5 * time.Second
	drainTimeout  = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentmesh-server",
		Short: "AgentMesh control plane — agent orchestration and job dispatch",
		Long: `AgentMesh server is the control plane of the AgentMesh network.
It accepts worker node connections over WebSocket, dispatches jobs and
agent queries to idle nodes, orchestrates multi-agent answers, and
settles prepaid USDC payments between the platform and agent wallets.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentmesh-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	mon := monitor.New()
	logger, err := buildLogger(cfg.LogLevel, mon)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	metrics.Init()

	logger.Info("starting agentmesh server",
		zap.String("version", version),
		zap.String("gateway_addr", cfg.GatewayAddr()),
		zap.String("http_addr", cfg.HTTPAddr()),
		zap.Bool("payments_enabled", cfg.PaymentsEnabled()),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ─── Composition ─────────────────────────────────────────────────────

	reg := registry.New(logger)
	jobQueue := queue.New(logger)

	store, err := agents.NewStore(cfg.DataDir, logger)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(reg, jobQueue, store, logger)
	gw := gateway.New(gateway.Config{Secret: cfg.NodeSecret}, reg, dispatcher, mon, logger)

	facilitator := settlement.NewFacilitator(settlement.FacilitatorConfig{
		BaseURL: cfg.SettlementBackendURL,
		RPCURL:  cfg.SettlementRPCURL,
		Network: cfg.X402Network,
	}, logger)

	bank, err := ledger.New(cfg.DataDir, cfg.PlatformWallet, facilitator, logger)
	if err != nil {
		return err
	}

	distributor := settlement.New(bank, facilitator, store, settlement.Config{
		OnChain:        cfg.OnchainDistribution,
		PlatformWallet: cfg.PlatformWallet,
	}, logger)

	var intent planner.IntentPlanner
	var tools planner.ToolPlanner = planner.Heuristic{}
	if cfg.PlannerAPIKey != "" {
		llm := planner.NewLLM(planner.LLMConfig{
			BaseURL: cfg.PlannerBaseURL,
			APIKey:  cfg.PlannerAPIKey,
			Model:   cfg.PlannerModel,
		}, logger)
		intent = llm
		tools = llm
	} else {
		logger.Info("no planner API key set, using heuristic planning")
	}

	engine := orchestrator.New(store, planner.NewSelector(intent, logger), tools, dispatcher, logger)

	router := api.NewRouter(api.RouterConfig{
		Logger:          logger,
		Engine:          engine,
		Dispatcher:      dispatcher,
		Ledger:          bank,
		Distributor:     distributor,
		Store:           store,
		Registry:        reg,
		Queue:           jobQueue,
		Monitor:         mon,
		PaymentsEnabled: cfg.PaymentsEnabled(),
		QueryPrice:      cfg.QueryPriceUSDC,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Version:         version,
	})

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", gw.HandleWS)

	gatewaySrv := &http.Server{Addr: cfg.GatewayAddr(), Handler: wsMux}
	apiSrv := &http.Server{Addr: cfg.HTTPAddr(), Handler: router}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() { gw.SweepStale(time.Now()) }),
	); err != nil {
		return fmt.Errorf("failed to schedule stale sweep: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() { dispatcher.ProcessTimeouts(time.Now()) }),
	); err != nil {
		return fmt.Errorf("failed to schedule timeout sweep: %w", err)
	}
	scheduler.Start()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("worker gateway listening", zap.String("addr", gatewaySrv.Addr))
		if err := gatewaySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down agentmesh server")

		// Stop taking new work, drain in-flight HTTP, then drop workers
		// and flush balances last.
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer drainCancel()
		if err := apiSrv.Shutdown(drainCtx); err != nil {
			logger.Warn("api drain incomplete", zap.Error(err))
		}
		if err := gatewaySrv.Shutdown(drainCtx); err != nil {
			logger.Warn("gateway drain incomplete", zap.Error(err))
		}
		if err := scheduler.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown failed", zap.Error(err))
		}
		gw.Shutdown()
		bank.Flush()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	logger.Info("agentmesh server stopped")
	return nil
}

// buildLogger builds the console logger teed into the monitor's ring
// buffer so /api/monitor/logs sees everything the console does.
func buildLogger(level string, mon *monitor.Monitor) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if level == "debug" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	base, err := zcfg.Build()
	if err != nil {
		return nil, err
	}

	core := zapcore.NewTee(base.Core(), monitor.NewCore(mon, lvl))
	return zap.New(core), nil
}
