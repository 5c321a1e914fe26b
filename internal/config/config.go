// Package config parses environment configuration for the control plane and
// the worker node. Variables are read once at startup; a .env file in the
// working directory is honored when present.
package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Server holds the control plane configuration.
type Server struct {
	// ControlPlaneHost/Port bind the worker WebSocket listener. Workers dial
	// this address; the control plane never dials a worker.
	ControlPlaneHost string `env:"CONTROL_PLANE_HOST" envDefault:"0.0.0.0"`
	ControlPlanePort int    `env:"CONTROL_PLANE_PORT" envDefault:"9090"`

	// HTTPPort binds the public REST API.
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`

	// NodeSecret is the shared secret workers present in their AUTH frame.
	NodeSecret string `env:"NODE_SECRET" envDefault:"dev-secret"`

	// Payments. When X402Enabled is false, chat queries are free and the
	// ledger is only exercised by explicit deposits.
	X402Enabled    bool            `env:"X402_ENABLED" envDefault:"false"`
	X402Network    string          `env:"X402_NETWORK" envDefault:"base-sepolia"`
	QueryPriceUSDC decimal.Decimal `env:"QUERY_PRICE_USDC" envDefault:"0.10"`
	PlatformWallet string          `env:"PLATFORM_WALLET"`

	// Settlement facilitator.
	SettlementBackendURL string `env:"SETTLEMENT_BACKEND_URL" envDefault:"http://localhost:4021"`
	SettlementRPCURL     string `env:"SETTLEMENT_RPC_URL"`
	OnchainDistribution  bool   `env:"ONCHAIN_DISTRIBUTION" envDefault:"false"`

	// DataDir holds balances.json and processed-deposits.json.
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// Planner (OpenAI-compatible chat completions).
	PlannerBaseURL string `env:"PLANNER_BASE_URL" envDefault:"https://api.openai.com/v1"`
	PlannerAPIKey  string `env:"PLANNER_API_KEY"`
	PlannerModel   string `env:"PLANNER_MODEL" envDefault:"gpt-4o-mini"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RateLimitPerMin int `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
}

// GatewayAddr returns the listen address for the worker WebSocket server.
func (s Server) GatewayAddr() string {
	return net.JoinHostPort(s.ControlPlaneHost, strconv.Itoa(s.ControlPlanePort))
}

// HTTPAddr returns the listen address for the REST API.
func (s Server) HTTPAddr() string {
	return net.JoinHostPort(s.ControlPlaneHost, strconv.Itoa(s.HTTPPort))
}

// PaymentsEnabled reports whether chat queries are charged. A platform
// wallet is required for deposit verification, so payments stay off
// without one.
func (s Server) PaymentsEnabled() bool {
	return s.X402Enabled && s.PlatformWallet != ""
}

// Node holds the worker node configuration.
type Node struct {
	// ControlPlaneHost/Port locate the control plane's WebSocket listener.
	ControlPlaneHost string `env:"CONTROL_PLANE_HOST" envDefault:"localhost"`
	ControlPlanePort int    `env:"CONTROL_PLANE_PORT" envDefault:"9090"`

	// NodeSecret must match the control plane's NODE_SECRET.
	NodeSecret string `env:"NODE_SECRET" envDefault:"dev-secret"`

	// NodeID overrides the persisted identity. Empty means load-or-generate
	// from the state dir so the node keeps its identity across restarts.
	NodeID string `env:"NODE_ID"`

	// Wallet receives this node's share of settled payments.
	Wallet string `env:"NODE_WALLET"`

	Capabilities []string `env:"NODE_CAPABILITIES" envSeparator:"," envDefault:"tool:currentTime,tool:calculator,tool:fetchUrl"`
	AgentTypes   []string `env:"NODE_AGENT_TYPES" envSeparator:","`

	// StateDir stores node.json (the persisted node identity).
	StateDir string `env:"NODE_STATE_DIR" envDefault:"./node-data"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// ControlPlaneURL returns the WebSocket URL the node dials.
func (n Node) ControlPlaneURL() string {
	return fmt.Sprintf("ws://%s/ws", net.JoinHostPort(n.ControlPlaneHost, strconv.Itoa(n.ControlPlanePort)))
}

// LoadServer parses the control plane configuration from the environment.
func LoadServer() (Server, error) {
	_ = godotenv.Load()

	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("config: parse server env: %w", err)
	}
	return cfg, nil
}

// LoadNode parses the worker node configuration from the environment.
func LoadNode() (Node, error) {
	_ = godotenv.Load()

	var cfg Node
	if err := env.Parse(&cfg); err != nil {
		return Node{}, fmt.Errorf("config: parse node env: %w", err)
	}
	return cfg, nil
}
