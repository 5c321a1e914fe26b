package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/metrics"
	"github.com/agentmesh-io/agentmesh/internal/protocol"
	"github.com/agentmesh-io/agentmesh/internal/registry"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the session waits for traffic or a pong before
	// the read deadline closes the connection.
	pongWait = 60 * time.Second

	// pingPeriod is how often the session pings the worker. Must be less
	// than pongWait so the worker has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames; job outputs ride in results,
	// so this is generous.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of the per-session outbound channel.
	sendBufferSize = 32
)

// Close reasons recorded in the connection history.
const (
	CloseReasonAuthTimeout = "AUTH_TIMEOUT"
	CloseReasonAuthFailed  = "AUTH_FAILED"
	CloseReasonStale       = "STALE_TIMEOUT"
	CloseReasonShutdown    = "SHUTDOWN"
	CloseReasonLost        = "CONNECTION_LOST"
	CloseReasonBadFrame    = "PROTOCOL_ERROR"
)

// ErrSessionClosed is returned by SendFrame once the session is closing.
var ErrSessionClosed = errors.New("gateway: session closed")

// errSendBufferFull is returned when the worker stops draining its
// channel. The stalled connection is reaped by the heartbeat deadline.
var errSendBufferFull = errors.New("gateway: send buffer full")

type sessionState int

const (
	stateAwaitingAuth sessionState = iota
	stateReady
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingAuth:
		return "AWAITING_AUTH"
	case stateReady:
		return "READY"
	default:
		return "CLOSED"
	}
}

// session is one worker connection. It owns the two pumps and implements
// registry.Sender; writePump is the only goroutine that writes to conn.
type session struct {
	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger

	mu        sync.Mutex
	state     sessionState
	nodeID    string
	reason    string
	authTimer *time.Timer

	closeOnce sync.Once
}

func newSession(gw *Gateway, conn *websocket.Conn, remoteAddr string) *session {
	s := &session{
		gw:     gw,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: gw.logger.With(zap.String("remote_addr", remoteAddr)),
		state:  stateAwaitingAuth,
	}
	s.authTimer = time.AfterFunc(gw.cfg.AuthTimeout, s.onAuthDeadline)
	return s
}

// ─── registry.Sender ─────────────────────────────────────────────────────────

// SendFrame encodes and queues one frame. Sends to a closed session are
// dropped with a warning; a full buffer is an error the caller handles.
func (s *session) SendFrame(t protocol.FrameType, traceID string, payload any) error {
	data, err := protocol.Encode(t, traceID, payload)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", t, err)
	}

	select {
	case <-s.done:
		s.logger.Warn("dropping frame for closed session",
			zap.String("frame_type", string(t)),
			zap.String("node_id", s.currentNodeID()),
		)
		return ErrSessionClosed
	case s.send <- data:
		metrics.FramesSentTotal.WithLabelValues(string(t)).Inc()
		return nil
	default:
		s.logger.Warn("send buffer full, dropping frame",
			zap.String("frame_type", string(t)),
			zap.String("node_id", s.currentNodeID()),
		)
		return errSendBufferFull
	}
}

// Close transitions the session to CLOSED exactly once. The first caller's
// reason wins and ends up in the connection history.
func (s *session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		s.reason = reason
		s.mu.Unlock()

		s.authTimer.Stop()
		close(s.done)
	})
}

// ─── Pumps ───────────────────────────────────────────────────────────────────

// run starts the write pump and blocks on the read pump until the
// connection ends, then settles the registry and monitor.
func (s *session) run() {
	go s.writePump()
	s.readPump()
	s.gw.handleDisconnect(s)
}

func (s *session) readPump() {
	defer func() {
		s.Close(CloseReasonLost)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}
		// Inbound traffic counts as liveness like a pong does.
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !s.handleData(data) {
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			// Flush whatever is already queued, then say goodbye.
			for {
				select {
				case data := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.closeReason()))
					return
				}
			}
		}
	}
}

// ─── Frame routing ───────────────────────────────────────────────────────────

// handleData decodes and routes one inbound message. Returning false ends
// the read pump.
func (s *session) handleData(data []byte) bool {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("malformed frame", zap.Error(err))
		_ = s.SendFrame(protocol.FrameError, protocol.NewTraceID(), protocol.ErrorPayload{
			Code:    protocol.CodeInvalidMessage,
			Message: "malformed frame",
		})
		return true
	}
	metrics.FramesReceivedTotal.WithLabelValues(string(frame.Type)).Inc()

	switch s.currentState() {
	case stateAwaitingAuth:
		if frame.Type != protocol.FrameAuth {
			s.sendFatal(frame.TraceID, protocol.CodeNotRegistered, "authenticate first")
			s.Close(CloseReasonBadFrame)
			return false
		}
		return s.handleAuth(frame)

	case stateReady:
		return s.handleReadyFrame(frame)

	default:
		return false
	}
}

func (s *session) handleAuth(frame *protocol.Frame) bool {
	p, err := protocol.Payload[protocol.AuthPayload](frame)
	if err != nil || p.NodeID == "" {
		s.rejectAuth(frame.TraceID, "Invalid auth payload")
		return false
	}

	if subtle.ConstantTimeCompare([]byte(p.Secret), []byte(s.gw.cfg.Secret)) != 1 {
		metrics.AuthFailuresTotal.Inc()
		s.logger.Warn("auth rejected", zap.String("node_id", p.NodeID))
		s.rejectAuth(frame.TraceID, "Invalid credentials")
		return false
	}

	s.mu.Lock()
	if s.state != stateAwaitingAuth {
		s.mu.Unlock()
		return true
	}
	s.state = stateReady
	s.nodeID = p.NodeID
	s.mu.Unlock()
	s.authTimer.Stop()

	displaced := s.gw.registry.Register(p.NodeID, s, registry.Info{
		Capabilities: p.Capabilities,
		AgentTypes:   p.AgentTypes,
		Wallet:       p.Wallet,
		Version:      p.Version,
		Specs:        p.Specs,
	})
	if displaced != nil {
		displaced.Close(registry.CloseReasonReplaced)
		s.gw.monitor.RecordDisconnected(p.NodeID, registry.CloseReasonReplaced)
	}

	_ = s.SendFrame(protocol.FrameAuthAck, frame.TraceID, protocol.AuthAckPayload{
		Success:             true,
		HeartbeatIntervalMs: s.gw.cfg.HeartbeatInterval.Milliseconds(),
	})
	s.gw.monitor.RecordConnected(p.NodeID)
	s.gw.dispatcher.Wake()

	s.logger.Info("node authenticated",
		zap.String("node_id", p.NodeID),
		zap.Strings("capabilities", p.Capabilities),
		zap.Strings("agent_types", p.AgentTypes),
		zap.String("version", p.Version),
	)
	return true
}

func (s *session) handleReadyFrame(frame *protocol.Frame) bool {
	nodeID := s.currentNodeID()

	switch frame.Type {
	case protocol.FrameHeartbeat:
		p, err := protocol.Payload[protocol.HeartbeatPayload](frame)
		if err != nil {
			s.logger.Warn("bad heartbeat payload", zap.String("node_id", nodeID), zap.Error(err))
			return true
		}
		known := s.gw.registry.UpdateHeartbeat(nodeID, registry.Metrics{
			CPUPercent:    p.CPUUsage,
			MemoryPercent: p.MemoryUsage,
			ActiveJobs:    p.ActiveJobs,
		})
		if !known {
			s.sendFatal(frame.TraceID, protocol.CodeNotRegistered, "node not registered")
			s.Close(CloseReasonBadFrame)
			return false
		}
		_ = s.SendFrame(protocol.FrameHeartbeatAck, frame.TraceID, protocol.HeartbeatAckPayload{Received: true})
		if p.Status == protocol.WorkerStatusIdle && p.ActiveJobs == 0 {
			s.gw.dispatcher.Wake()
		}
		return true

	case protocol.FrameJobResult:
		p, err := protocol.Payload[protocol.JobResultPayload](frame)
		if err != nil {
			s.logger.Warn("bad job result payload", zap.String("node_id", nodeID), zap.Error(err))
			return true
		}
		s.gw.monitor.RecordJobResult(nodeID, p.Status == protocol.RunStatusSuccess)
		s.gw.dispatcher.HandleJobResult(nodeID, p)
		return true

	case protocol.FrameAgentJobResult:
		p, err := protocol.Payload[protocol.AgentJobResultPayload](frame)
		if err != nil {
			s.logger.Warn("bad agent job result payload", zap.String("node_id", nodeID), zap.Error(err))
			return true
		}
		s.gw.monitor.RecordJobResult(nodeID, p.Success)
		s.gw.dispatcher.HandleAgentJobResult(nodeID, p)
		return true

	case protocol.FrameError:
		if p, err := protocol.Payload[protocol.ErrorPayload](frame); err == nil {
			s.logger.Warn("worker reported error",
				zap.String("node_id", nodeID),
				zap.String("code", string(p.Code)),
				zap.String("message", p.Message),
			)
		}
		return true

	default:
		s.logger.Warn("unexpected frame in READY state",
			zap.String("node_id", nodeID),
			zap.String("frame_type", string(frame.Type)),
		)
		return true
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (s *session) onAuthDeadline() {
	if s.currentState() != stateAwaitingAuth {
		return
	}
	s.logger.Warn("auth deadline expired")
	s.sendFatal(protocol.NewTraceID(), protocol.CodeAuthTimeout, "authentication timeout")
	s.Close(CloseReasonAuthTimeout)
}

func (s *session) rejectAuth(traceID, message string) {
	_ = s.SendFrame(protocol.FrameAuthAck, traceID, protocol.AuthAckPayload{
		Success: false,
		Message: message,
	})
	s.Close(CloseReasonAuthFailed)
}

func (s *session) sendFatal(traceID string, code protocol.ErrorCode, message string) {
	_ = s.SendFrame(protocol.FrameError, traceID, protocol.ErrorPayload{
		Code:    code,
		Message: message,
		Fatal:   true,
	})
}

func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) currentNodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

func (s *session) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
