// Command node runs an AgentMesh worker: it connects to the control
// plane, advertises its capabilities and executes the jobs it is
// assigned. Configuration comes from the environment (a .env file is
// honored).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/config"
	"github.com/agentmesh-io/agentmesh/internal/worker/conn"
	"github.com/agentmesh-io/agentmesh/internal/worker/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentmesh-node",
		Short: "AgentMesh worker node — executes dispatched jobs",
		Long: `AgentMesh node is a worker that joins the AgentMesh network.
It holds a persistent WebSocket connection to the control plane,
heartbeats its load, and executes the tool calls, scripts and agent
jobs dispatched to it.`,
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
			fmt.Printf("agentmesh-node %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadNode()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	nodeID, err := conn.LoadIdentity(cfg.StateDir, cfg.NodeID)
	if err != nil {
		return err
	}

	logger.Info("starting agentmesh node",
		zap.String("version", version),
		zap.String("node_id", nodeID),
		zap.String("control_plane", cfg.ControlPlaneURL()),
		zap.Strings("capabilities", cfg.Capabilities),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := conn.New(conn.Config{
		URL:          cfg.ControlPlaneURL(),
		Secret:       cfg.NodeSecret,
		NodeID:       nodeID,
		Wallet:       cfg.Wallet,
		Capabilities: cfg.Capabilities,
		AgentTypes:   cfg.AgentTypes,
		Version:      version,
	}, runner.New(logger), logger)

	if err := mgr.Run(ctx); err != nil {
		return err
	}
	logger.Info("agentmesh node stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
