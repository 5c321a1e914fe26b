// Package conn maintains the worker node's persistent WebSocket
// connection to the control plane. It handles:
//   - Dialing and the AUTH handshake (presenting the shared secret,
//     capabilities, agent types and host specs)
//   - The heartbeat loop at the interval the control plane dictates
//   - Receiving JOB_ASSIGN / AGENT_JOB frames and returning results with
//     the sender's traceId echoed
//   - Automatic reconnection with exponential backoff on any failure
//
// Node identity survives restarts: the first generated nodeId is written
// to <state-dir>/node.json and presented on every subsequent AUTH so the
// control plane sees the same node, not a stream of strangers.
package conn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/protocol"
	"github.com/agentmesh-io/agentmesh/internal/statefile"
	"github.com/agentmesh-io/agentmesh/internal/worker/runner"
	"github.com/agentmesh-io/agentmesh/internal/worker/sysinfo"
)

const (
	writeWait   = 10 * time.Second
	authAckWait = 15 * time.Second

	// defaultHeartbeat applies until AUTH_ACK dictates the interval.
	defaultHeartbeat = 15 * time.Second

	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second

	stateFile = "node.json"
)

// errAuthRejected ends a session after the control plane denied the AUTH
// frame. The manager still retries: the operator may fix the secret while
// the node keeps running.
var errAuthRejected = errors.New("conn: authentication rejected")

// nodeState is persisted so the node keeps its identity across restarts.
type nodeState struct {
	NodeID string `json:"nodeId"`
}

// LoadIdentity returns the node's stable id: the override when set,
// otherwise the persisted id, otherwise a freshly generated one that is
// persisted for next time.
func LoadIdentity(stateDir, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	path := filepath.Join(stateDir, stateFile)
	var state nodeState
	if _, err := statefile.Load(path, &state); err != nil {
		return "", fmt.Errorf("conn: load identity: %w", err)
	}
	if state.NodeID != "" {
		return state.NodeID, nil
	}

	state.NodeID = "node-" + uuid.NewString()[:8]
	if err := statefile.Save(path, state); err != nil {
		return "", fmt.Errorf("conn: persist identity: %w", err)
	}
	return state.NodeID, nil
}

// Config holds everything needed to connect and authenticate.
type Config struct {
	// URL is the control plane WebSocket endpoint (ws://host:port/ws).
	URL string

	// Secret must match the control plane's NODE_SECRET.
	Secret string

	NodeID       string
	Wallet       string
	Capabilities []string
	AgentTypes   []string
	Version      string

	// InitialBackoff overrides the first reconnect delay; tests shrink it.
	InitialBackoff time.Duration
}

// Manager owns the connection lifecycle. Writes are serialized through a
// mutex; every goroutine sends via sendFrame.
type Manager struct {
	cfg    Config
	runner *runner.Runner
	logger *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New builds a Manager around an executor.
func New(cfg Config, r *runner.Runner, logger *zap.Logger) *Manager {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = backoffInitial
	}
	return &Manager{
		cfg:    cfg,
		runner: r,
		logger: logger.Named("conn"),
	}
}

// Run connects and serves the session, reconnecting with exponential
// backoff on any failure. Blocks until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = backoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		authenticated, err := m.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if authenticated {
			// A full session ran; start the next backoff sequence fresh.
			b.Reset()
		}

		wait := b.NextBackOff()
		m.logger.Warn("connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session dials, authenticates and serves one connection until it fails.
// The returned bool reports whether AUTH_ACK succeeded.
func (m *Manager) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("conn: dial %s: %w", m.cfg.URL, err)
	}
	defer conn.Close()

	m.writeMu.Lock()
	m.conn = conn
	m.writeMu.Unlock()

	interval, err := m.authenticate(ctx, conn)
	if err != nil {
		return false, err
	}
	m.logger.Info("authenticated with control plane",
		zap.String("node_id", m.cfg.NodeID),
		zap.Duration("heartbeat_interval", interval),
	)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go m.heartbeatLoop(sessionCtx, interval)

	err = m.readLoop(sessionCtx)
	return true, err
}

// authenticate sends AUTH and waits for the matching AUTH_ACK.
func (m *Manager) authenticate(ctx context.Context, conn *websocket.Conn) (time.Duration, error) {
	traceID := protocol.NewTraceID()
	err := m.sendFrame(protocol.FrameAuth, traceID, protocol.AuthPayload{
		NodeID:       m.cfg.NodeID,
		Capabilities: m.cfg.Capabilities,
		AgentTypes:   m.cfg.AgentTypes,
		Wallet:       m.cfg.Wallet,
		Specs:        sysinfo.Specs(ctx),
		Secret:       m.cfg.Secret,
		Version:      m.cfg.Version,
	})
	if err != nil {
		return 0, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(authAckWait)); err != nil {
		return 0, fmt.Errorf("conn: set auth deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("conn: waiting for auth ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	frame, err := protocol.Decode(data)
	if err != nil {
		return 0, fmt.Errorf("conn: bad auth ack: %w", err)
	}
	if frame.Type != protocol.FrameAuthAck {
		return 0, fmt.Errorf("conn: expected AUTH_ACK, got %s", frame.Type)
	}
	ack, err := protocol.Payload[protocol.AuthAckPayload](frame)
	if err != nil {
		return 0, fmt.Errorf("conn: bad auth ack payload: %w", err)
	}
	if !ack.Success {
		return 0, fmt.Errorf("%w: %s", errAuthRejected, ack.Message)
	}

	interval := defaultHeartbeat
	if ack.HeartbeatIntervalMs > 0 {
		interval = time.Duration(ack.HeartbeatIntervalMs) * time.Millisecond
	}
	return interval, nil
}

// heartbeatLoop reports load at the negotiated interval until the
// session ends.
func (m *Manager) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cpuPct, memPct := sysinfo.Sample(ctx)
		active := m.runner.Active()
		status := protocol.WorkerStatusIdle
		if active > 0 {
			status = protocol.WorkerStatusBusy
		}

		err := m.sendFrame(protocol.FrameHeartbeat, protocol.NewTraceID(), protocol.HeartbeatPayload{
			Status:      status,
			CPUUsage:    cpuPct,
			MemoryUsage: memPct,
			ActiveJobs:  active,
		})
		if err != nil {
			m.logger.Warn("heartbeat send failed", zap.Error(err))
			return
		}
	}
}

// readLoop receives and routes frames until the connection errors.
func (m *Manager) readLoop(ctx context.Context) error {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("conn: read: %w", err)
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame from control plane", zap.Error(err))
			continue
		}

		switch frame.Type {
		case protocol.FrameJobAssign:
			p, err := protocol.Payload[protocol.JobAssignPayload](frame)
			if err != nil {
				m.logger.Warn("bad job assignment payload", zap.Error(err))
				continue
			}
			go m.handleJob(ctx, frame.TraceID, p)

		case protocol.FrameAgentJob:
			p, err := protocol.Payload[protocol.AgentJobPayload](frame)
			if err != nil {
				m.logger.Warn("bad agent job payload", zap.Error(err))
				continue
			}
			go m.handleAgentJob(ctx, frame.TraceID, p)

		case protocol.FrameHeartbeatAck:
			// Liveness confirmed; nothing to do.

		case protocol.FrameError:
			p, err := protocol.Payload[protocol.ErrorPayload](frame)
			if err != nil {
				continue
			}
			m.logger.Warn("control plane reported error",
				zap.String("code", string(p.Code)),
				zap.String("message", p.Message),
				zap.Bool("fatal", p.Fatal),
			)
			if p.Fatal {
				return fmt.Errorf("conn: fatal error from control plane: %s", p.Code)
			}

		default:
			m.logger.Warn("unexpected frame type", zap.String("frame_type", string(frame.Type)))
		}
	}
}

// handleJob runs one assignment and answers with the correlated result.
func (m *Manager) handleJob(ctx context.Context, traceID string, p *protocol.JobAssignPayload) {
	m.logger.Info("job received",
		zap.String("job_id", p.JobID),
		zap.String("run_id", p.RunID),
		zap.String("agent_id", p.AgentID),
	)

	result := m.runner.Execute(ctx, p)
	if err := m.sendFrame(protocol.FrameJobResult, traceID, result); err != nil {
		m.logger.Warn("failed to send job result",
			zap.String("job_id", p.JobID),
			zap.Error(err),
		)
	}
}

func (m *Manager) handleAgentJob(ctx context.Context, traceID string, p *protocol.AgentJobPayload) {
	m.logger.Info("agent job received",
		zap.String("job_id", p.JobID),
		zap.String("agent_type", p.AgentType),
	)

	result := m.runner.RunAgentJob(ctx, p)
	if err := m.sendFrame(protocol.FrameAgentJobResult, traceID, result); err != nil {
		m.logger.Warn("failed to send agent job result",
			zap.String("job_id", p.JobID),
			zap.Error(err),
		)
	}
}

// sendFrame serializes one outbound write. All goroutines of a session
// funnel through here.
func (m *Manager) sendFrame(t protocol.FrameType, traceID string, payload any) error {
	data, err := protocol.Encode(t, traceID, payload)
	if err != nil {
		return fmt.Errorf("conn: encode %s: %w", t, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return errors.New("conn: not connected")
	}
	if err := m.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("conn: set write deadline: %w", err)
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("conn: write %s: %w", t, err)
	}
	return nil
}
