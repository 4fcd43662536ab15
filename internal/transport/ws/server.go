// Package ws provides the realtime WebSocket surface for users, agents and
// dashboards.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/xiaot623/gogo/livedesk/internal/config"
	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/hub"
	"github.com/xiaot623/gogo/livedesk/internal/policy"
	"github.com/xiaot623/gogo/livedesk/internal/protocol"
	"github.com/xiaot623/gogo/livedesk/internal/service"
	"github.com/xiaot623/gogo/livedesk/internal/transport"
)

// handlerTimeout bounds the store work done for one inbound event.
const handlerTimeout = 10 * time.Second

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	service  *service.Service
	guard    *transport.Guard
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// client is the per-connection state owned by the read pump.
type client struct {
	conn     *hub.Connection
	ip       string
	throttle *rate.Limiter
}

// NewServer creates a new WebSocket server. guard may be nil.
func NewServer(cfg *config.Config, h *hub.Hub, svc *service.Service, guard *transport.Guard, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		hub:     h,
		service: svc,
		guard:   guard,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	if err := s.hub.Register(conn); err != nil {
		s.logger.Warn("failed to register connection", "error", err)
		ws.Close()
		return nil
	}

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	cl := &client{
		conn:     conn,
		ip:       c.RealIP(),
		throttle: rate.NewLimiter(rate.Limit(s.cfg.EventsPerSec), s.cfg.EventBurst),
	}

	go s.writePump(conn)
	go s.readPump(cl)

	return nil
}

// readPump reads frames and handles them in arrival order.
func (s *Server) readPump(cl *client) {
	conn := cl.conn
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "conn_id", conn.ID, "error", err)
			}
			break
		}

		s.handleMessage(cl, message)
	}
}

// writePump drains the connection's send queue and keeps it alive.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("failed to write message", "conn_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var errHandlerPanic = errors.New("handler panicked")

// handleMessage dispatches one inbound frame. Failures are reported to the
// client and never end the read loop.
func (s *Server) handleMessage(cl *client, data []byte) {
	var in protocol.Inbound
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("realtime handler panicked", "type", in.Type, "conn_id", cl.conn.ID, "panic", r, "stack", string(debug.Stack()))
			s.reply(cl.conn, &in, nil, errHandlerPanic)
		}
	}()

	if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
		s.sendError(cl.conn, "", &protocol.ErrorBody{Code: protocol.ErrorCodeInvalidMessage, Message: "invalid JSON message"})
		return
	}

	if !protocol.IsInbound(in.Type) {
		s.sendError(cl.conn, in.RequestID, &protocol.ErrorBody{Code: protocol.ErrorCodeInvalidMessage, Message: "unknown message type: " + in.Type})
		return
	}

	if !cl.throttle.Allow() {
		retry := time.Duration(float64(time.Second) / s.cfg.EventsPerSec)
		s.reply(cl.conn, &in, nil, &domain.RateLimitError{RetryAfter: retry})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if s.guard != nil {
		if err := s.guard.Admit(ctx, policy.Request{Surface: policy.SurfaceWS, Event: in.Type}, cl.ip); err != nil {
			s.reply(cl.conn, &in, nil, err)
			return
		}
	}

	result, err := s.dispatch(ctx, cl.conn, &in)
	if err != nil && domain.Code(err) == domain.CodeInternal {
		s.logger.Error("realtime event failed", "type", in.Type, "conn_id", cl.conn.ID, "error", err)
	}
	s.reply(cl.conn, &in, result, err)
}

func (s *Server) dispatch(ctx context.Context, conn *hub.Connection, in *protocol.Inbound) (any, error) {
	switch in.Type {
	case protocol.TypeRegisterClient:
		return s.handleRegisterClient(conn, in)
	case protocol.TypeJoinSession:
		return s.handleJoinSession(ctx, conn, in)
	case protocol.TypeLeaveSession:
		return s.handleLeaveSession(conn, in)
	case protocol.TypeCreateSession:
		return s.handleCreateSession(ctx, conn, in)
	case protocol.TypeSendMessage:
		return s.handleSendMessage(ctx, in)
	case protocol.TypeAgentJoinSession:
		return s.handleAgentJoin(ctx, conn, in)
	case protocol.TypeAgentLeaveSession:
		return s.handleAgentLeave(ctx, in)
	case protocol.TypeCloseSession:
		return s.handleCloseSession(ctx, in)
	default:
		return nil, domain.Validationf("unknown message type %q", in.Type)
	}
}

func decode(in *protocol.Inbound, v any) error {
	if len(in.Data) == 0 {
		return domain.Validationf("%s requires a data payload", in.Type)
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return domain.Validationf("invalid %s payload", in.Type)
	}
	return nil
}

func (s *Server) handleRegisterClient(conn *hub.Connection, in *protocol.Inbound) (any, error) {
	var msg protocol.RegisterClientData
	if err := decode(in, &msg); err != nil {
		return nil, err
	}
	if err := s.hub.SetClass(conn, msg.Type); err != nil {
		return nil, err
	}
	s.logger.Debug("client registered", "conn_id", conn.ID, "role", msg.Type)
	return &msg, nil
}

// handleJoinSession only admits existing sessions so a stale id gets an
// explicit failure.
func (s *Server) handleJoinSession(ctx context.Context, conn *hub.Connection, in *protocol.Inbound) (any, error) {
	var msg protocol.SessionRefData
	if err := decode(in, &msg); err != nil {
		return nil, err
	}
	if _, err := s.service.GetSession(ctx, msg.SessionID); err != nil {
		return nil, err
	}
	if err := s.hub.Join(conn, msg.SessionID); err != nil {
		return nil, err
	}
	return &protocol.JoinResult{SessionID: msg.SessionID, Success: true}, nil
}

func (s *Server) handleLeaveSession(conn *hub.Connection, in *protocol.Inbound) (any, error) {
	var msg protocol.SessionRefData
	if err := decode(in, &msg); err != nil {
		return nil, err
	}
	s.hub.Leave(conn, msg.SessionID)
	return &protocol.JoinResult{SessionID: msg.SessionID, Success: true}, nil
}

// handleCreateSession persists the session and joins the creator to its
// room so the user sees the agent arrive.
func (s *Server) handleCreateSession(ctx context.Context, conn *hub.Connection, in *protocol.Inbound) (any, error) {
	var req domain.CreateSessionRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	session, err := s.service.CreateSession(ctx, &req)
	if err != nil {
		return nil, err
	}
	if err := s.hub.Join(conn, session.ID); err != nil {
		s.logger.Warn("failed to join creator to room", "session_id", session.ID, "error", err)
	}
	return session, nil
}

func (s *Server) handleSendMessage(ctx context.Context, in *protocol.Inbound) (any, error) {
	var req domain.SendMessageRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.service.SendMessage(ctx, &req)
}

// handleAgentJoin claims the session and joins the agent to its room.
func (s *Server) handleAgentJoin(ctx context.Context, conn *hub.Connection, in *protocol.Inbound) (any, error) {
	var req domain.ClaimRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	result, err := s.service.ClaimSession(ctx, &req)
	if err != nil {
		return nil, err
	}
	if err := s.hub.Join(conn, req.SessionID); err != nil {
		s.logger.Warn("failed to join agent to room", "session_id", req.SessionID, "error", err)
	}
	return result.Session, nil
}

func (s *Server) handleAgentLeave(ctx context.Context, in *protocol.Inbound) (any, error) {
	var req domain.ReleaseRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	result, err := s.service.ReleaseSession(ctx, &req)
	if err != nil {
		return nil, err
	}
	return result.Session, nil
}

func (s *Server) handleCloseSession(ctx context.Context, in *protocol.Inbound) (any, error) {
	var msg protocol.SessionRefData
	if err := decode(in, &msg); err != nil {
		return nil, err
	}
	return s.service.CloseSession(ctx, msg.SessionID)
}

// reply acks a frame that carried a requestId. Without one, only failures
// are reported, as an error event.
func (s *Server) reply(conn *hub.Connection, in *protocol.Inbound, result any, err error) {
	body := errorBody(err)
	if in.RequestID == "" {
		if body != nil {
			s.sendError(conn, "", body)
		}
		return
	}

	ack := protocol.NewEvent(protocol.TypeAck, &protocol.AckData{
		Success: err == nil,
		Error:   body,
		Result:  result,
	})
	ack.RequestID = in.RequestID
	if sendErr := s.hub.SendJSONToConnection(conn, ack); sendErr != nil {
		s.logger.Debug("failed to send ack", "conn_id", conn.ID, "error", sendErr)
	}
}

func errorBody(err error) *protocol.ErrorBody {
	if err == nil {
		return nil
	}
	if errors.Is(err, hub.ErrNotRegistered) || errors.Is(err, hub.ErrStopped) {
		return &protocol.ErrorBody{Code: domain.CodeInternal, Message: "connection is not registered"}
	}
	body := &protocol.ErrorBody{Code: domain.Code(err), Message: domain.PublicMessage(err)}
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		body.RetryAfterMs = rl.RetryAfter.Milliseconds()
		if body.RetryAfterMs == 0 {
			body.RetryAfterMs = 1
		}
	}
	return body
}

// sendError sends an error event to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID string, body *protocol.ErrorBody) {
	ev := protocol.NewEvent(protocol.TypeError, body)
	ev.RequestID = requestID
	if err := s.hub.SendJSONToConnection(conn, ev); err != nil {
		s.logger.Debug("failed to send error", "conn_id", conn.ID, "error", err)
	}
}
