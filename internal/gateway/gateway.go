// Package gateway is the worker-facing WebSocket surface of the control
// plane. It upgrades connections, walks each one through the
// AWAITING_AUTH -> READY -> CLOSED state machine, feeds heartbeats to the
// registry, routes results to the dispatcher, and reaps nodes that stop
// heartbeating.
package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/dispatch"
	"github.com/agentmesh-io/agentmesh/internal/monitor"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
	"github.com/agentmesh-io/agentmesh/internal/registry"
)

// Defaults for the session lifecycle knobs.
const (
	DefaultAuthTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultStaleAfter        = 30 * time.Second
	DefaultEvictAfter        = 45 * time.Second
)

// Config carries the gateway's tunables. Zero values take the defaults.
type Config struct {
	Secret            string
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	EvictAfter        time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = DefaultEvictAfter
	}
	return c
}

// upgrader performs the HTTP to WebSocket upgrade. Origin checks belong
// to the reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway accepts and supervises worker connections.
type Gateway struct {
	cfg        Config
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	logger     *zap.Logger
}

// New builds a Gateway.
func New(cfg Config, reg *registry.Registry, disp *dispatch.Dispatcher, mon *monitor.Monitor, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:        cfg.withDefaults(),
		registry:   reg,
		dispatcher: disp,
		monitor:    mon,
		logger:     logger.Named("gateway"),
	}
}

// HandleWS upgrades one worker connection and blocks until it closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	s := newSession(g, conn, r.RemoteAddr)
	g.logger.Debug("connection accepted", zap.String("remote_addr", r.RemoteAddr))
	s.run()
}

// handleDisconnect settles registry and monitor state after a session's
// read pump exits. Displaced sessions find their nodeId already owned by
// a newer channel and leave the registry alone.
func (g *Gateway) handleDisconnect(s *session) {
	node, ok := g.registry.FindByChannel(s)
	if !ok {
		g.logger.Debug("connection closed",
			zap.String("node_id", s.currentNodeID()),
			zap.String("reason", s.closeReason()),
		)
		return
	}

	g.registry.Unregister(node.ID)
	g.monitor.RecordDisconnected(node.ID, s.closeReason())
	g.logger.Info("node disconnected",
		zap.String("node_id", node.ID),
		zap.String("reason", s.closeReason()),
	)
}

// SweepStale marks nodes quiet past StaleAfter and evicts those past
// EvictAfter. Scheduled every 5 seconds.
func (g *Gateway) SweepStale(now time.Time) {
	evictions := g.registry.Sweep(now, g.cfg.StaleAfter, g.cfg.EvictAfter)
	for _, ev := range evictions {
		g.monitor.RecordDisconnected(ev.Node.ID, CloseReasonStale)
		ev.Channel.Close(CloseReasonStale)
		g.logger.Warn("node evicted after heartbeat silence",
			zap.String("node_id", ev.Node.ID),
			zap.Time("last_heartbeat", ev.Node.LastHeartbeat),
		)
	}
}

// Shutdown tells every connected worker the control plane is going away
// and closes the channels.
func (g *Gateway) Shutdown() {
	for _, node := range g.registry.AllNodes() {
		ch, ok := g.registry.ChannelOf(node.ID)
		if !ok {
			continue
		}
		_ = ch.SendFrame(protocol.FrameError, protocol.NewTraceID(), protocol.ErrorPayload{
			Code:    protocol.CodeShutdown,
			Message: "control plane shutting down",
			Fatal:   true,
		})
		ch.Close(CloseReasonShutdown)
	}
}
