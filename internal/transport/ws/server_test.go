package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/livedesk/internal/config"
	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/hub"
	"github.com/xiaot623/gogo/livedesk/internal/policy"
	"github.com/xiaot623/gogo/livedesk/internal/protocol"
	"github.com/xiaot623/gogo/livedesk/internal/resilience"
	"github.com/xiaot623/gogo/livedesk/internal/service"
	"github.com/xiaot623/gogo/livedesk/internal/telemetry"
	"github.com/xiaot623/gogo/livedesk/internal/transport"
	"github.com/xiaot623/gogo/livedesk/tests/helpers"
)

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

type ackFrame struct {
	Success bool                `json:"success"`
	Error   *protocol.ErrorBody `json:"error"`
	Result  json.RawMessage     `json:"result"`
}

type testEnv struct {
	url string
	svc *service.Service
	hub *hub.Hub
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := telemetry.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(logger, metrics)
	go h.Run(ctx)

	svc := service.New(helpers.NewTestSQLiteStore(t), h, logger, metrics)

	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)
	guard := transport.NewGuard(engine,
		resilience.NewSlidingWindowLimiter(cfg.RateWindow, cfg.RateReadMax),
		resilience.NewSlidingWindowLimiter(cfg.RateWindow, cfg.RateWriteMax),
		metrics, logger)

	e := echo.New()
	e.GET("/ws", NewServer(cfg, h, svc, guard, logger).HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &testEnv{
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		svc: svc,
		hub: h,
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ, requestID string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(protocol.Inbound{Type: typ, RequestID: requestID, Data: raw}))
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func ack(t *testing.T, conn *websocket.Conn, requestID string) ackFrame {
	t.Helper()
	f := next(t, conn, protocol.TypeAck)
	require.Equal(t, requestID, f.RequestID)
	var a ackFrame
	require.NoError(t, json.Unmarshal(f.Data, &a))
	return a
}

func register(t *testing.T, conn *websocket.Conn, role domain.ClientRole) {
	t.Helper()
	send(t, conn, protocol.TypeRegisterClient, "reg", protocol.RegisterClientData{Type: role})
	require.True(t, ack(t, conn, "reg").Success)
}

func TestSessionFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	agent := env.dial(t)
	register(t, agent, domain.ClientRoleAgent)
	user := env.dial(t)
	register(t, user, domain.ClientRoleUser)

	send(t, user, protocol.TypeCreateSession, "c1", domain.CreateSessionRequest{ID: "S1", UserName: "Ada"})
	a := ack(t, user, "c1")
	require.True(t, a.Success, "%+v", a.Error)

	created := next(t, agent, protocol.TypeNewChatSession)
	assert.Contains(t, string(created.Data), `"id":"S1"`)

	send(t, agent, protocol.TypeAgentJoinSession, "j1", domain.ClaimRequest{SessionID: "S1", AgentID: "A", AgentName: "Alice"})
	a = ack(t, agent, "j1")
	require.True(t, a.Success, "%+v", a.Error)
	var session domain.Session
	require.NoError(t, json.Unmarshal(a.Result, &session))
	assert.Equal(t, domain.SessionStatusActive, session.Status)

	joined := next(t, user, protocol.TypeAgentJoined)
	assert.Contains(t, string(joined.Data), `"agentId":"A"`)

	send(t, user, protocol.TypeSendMessage, "m1", domain.SendMessageRequest{ID: "msg-1", SessionID: "S1", Sender: domain.SenderUser, Message: "hi"})
	require.True(t, ack(t, user, "m1").Success)
	msg := next(t, agent, protocol.TypeNewMessage)
	assert.Contains(t, string(msg.Data), `"id":"msg-1"`)

	send(t, user, protocol.TypeSendMessage, "m2", domain.SendMessageRequest{ID: "msg-1", SessionID: "S1", Sender: domain.SenderUser, Message: "hi"})
	a = ack(t, user, "m2")
	require.True(t, a.Success)
	var dup domain.SendResult
	require.NoError(t, json.Unmarshal(a.Result, &dup))
	assert.True(t, dup.Duplicate)

	send(t, agent, protocol.TypeCloseSession, "x1", protocol.SessionRefData{SessionID: "S1"})
	require.True(t, ack(t, agent, "x1").Success)
	next(t, user, protocol.TypeSessionClosed)

	send(t, user, protocol.TypeSendMessage, "m3", domain.SendMessageRequest{ID: "msg-2", SessionID: "S1", Sender: domain.SenderUser, Message: "late"})
	a = ack(t, user, "m3")
	assert.False(t, a.Success)
	assert.Equal(t, domain.CodeValidation, a.Error.Code)
}

func TestSecondAgentGetsConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.CreateSession(context.Background(), &domain.CreateSessionRequest{ID: "S1"})
	require.NoError(t, err)

	first, second := env.dial(t), env.dial(t)
	send(t, first, protocol.TypeAgentJoinSession, "a", domain.ClaimRequest{SessionID: "S1", AgentID: "A", AgentName: "Alice"})
	require.True(t, ack(t, first, "a").Success)

	send(t, second, protocol.TypeAgentJoinSession, "b", domain.ClaimRequest{SessionID: "S1", AgentID: "B", AgentName: "Bob"})
	a := ack(t, second, "b")
	assert.False(t, a.Success)
	assert.Equal(t, domain.CodeConflict, a.Error.Code)
}

func TestJoinSession(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	send(t, conn, protocol.TypeJoinSession, "j1", protocol.SessionRefData{SessionID: "missing"})
	a := ack(t, conn, "j1")
	assert.False(t, a.Success)
	assert.Equal(t, domain.CodeNotFound, a.Error.Code)

	send(t, conn, protocol.TypeJoinSession, "j2", protocol.SessionRefData{SessionID: "bad id!"})
	a = ack(t, conn, "j2")
	assert.False(t, a.Success)
	assert.Equal(t, domain.CodeValidation, a.Error.Code)

	_, err := env.svc.CreateSession(context.Background(), &domain.CreateSessionRequest{ID: "S1"})
	require.NoError(t, err)
	for _, id := range []string{"j3", "j4"} {
		send(t, conn, protocol.TypeJoinSession, id, protocol.SessionRefData{SessionID: "S1"})
		a = ack(t, conn, id)
		require.True(t, a.Success)
	}
	assert.Equal(t, 1, env.hub.RoomSize("S1"))

	send(t, conn, protocol.TypeLeaveSession, "l1", protocol.SessionRefData{SessionID: "S1"})
	require.True(t, ack(t, conn, "l1").Success)
	assert.Equal(t, 0, env.hub.RoomSize("S1"))
}

func TestInvalidFramesKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := next(t, conn, protocol.TypeError)
	assert.Contains(t, string(f.Data), protocol.ErrorCodeInvalidMessage)

	send(t, conn, "teleport", "", map[string]string{})
	f = next(t, conn, protocol.TypeError)
	assert.Contains(t, string(f.Data), "unknown message type")

	// Failures without a requestId are reported as error events.
	send(t, conn, protocol.TypeCloseSession, "", protocol.SessionRefData{SessionID: "missing"})
	f = next(t, conn, protocol.TypeError)
	assert.Contains(t, string(f.Data), domain.CodeNotFound)

	register(t, conn, domain.ClientRoleDashboard)
}

func TestUnknownTypesSkipRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RateReadMax = 1
	})
	conn := env.dial(t)

	for i := 0; i < 3; i++ {
		send(t, conn, fmt.Sprintf("junk-%d", i), "junk", map[string]string{})
		f := next(t, conn, protocol.TypeError)
		assert.Equal(t, "junk", f.RequestID)
		assert.Contains(t, string(f.Data), "unknown message type")
	}

	// The single read-tier slot is still available.
	register(t, conn, domain.ClientRoleDashboard)
}

func TestHandlerPanicKeepsConnectionOpen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(logger, nil)
	go h.Run(ctx)

	// A server without a service panics on any store-backed event.
	e := echo.New()
	e.GET("/ws", NewServer(config.Defaults(), h, nil, nil, logger).HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	send(t, conn, protocol.TypeJoinSession, "join", protocol.SessionRefData{SessionID: "S1"})
	a := ack(t, conn, "join")
	assert.False(t, a.Success)
	assert.Equal(t, domain.CodeInternal, a.Error.Code)
	assert.Equal(t, "internal server error", a.Error.Message)

	register(t, conn, domain.ClientRoleAgent)
	assert.Equal(t, 1, h.ClassSize(domain.ClientRoleAgent))
}

func TestEventThrottle(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.EventsPerSec = 0.1
		c.EventBurst = 1
	})
	conn := env.dial(t)

	register(t, conn, domain.ClientRoleAgent)
	send(t, conn, protocol.TypeRegisterClient, "again", protocol.RegisterClientData{Type: domain.ClientRoleAgent})
	a := ack(t, conn, "again")
	assert.False(t, a.Success)
	assert.Equal(t, domain.CodeRateLimited, a.Error.Code)
	assert.Positive(t, a.Error.RetryAfterMs)
}
