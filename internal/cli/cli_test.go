package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/livedesk/internal/config"
	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/hub"
	"github.com/xiaot623/gogo/livedesk/internal/protocol"
	"github.com/xiaot623/gogo/livedesk/internal/service"
	"github.com/xiaot623/gogo/livedesk/internal/transport/ws"
	"github.com/xiaot623/gogo/livedesk/tests/helpers"
)

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand(BuildInfo{Version: "1.2.3", Commit: "abc", Date: "today"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "1.2.3 (commit: abc, built: today)\n", out.String())
}

func TestDescribeEvents(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	w := &watcher{now: func() time.Time { return now }}

	session := domain.Session{
		ID:        "S1",
		Status:    domain.SessionStatusClosed,
		UserName:  "Ada",
		AgentID:   "A",
		CreatedAt: now.Add(-2 * time.Hour),
		UpdatedAt: now.Add(-90 * time.Minute),
	}
	data, err := json.Marshal(protocol.SessionClosedData{SessionID: "S1", Session: &session})
	require.NoError(t, err)

	line := w.describe(&inboundFrame{Type: protocol.TypeSessionClosed, Data: data})
	assert.Contains(t, line, `S1 [closed] user="Ada" agent=A`)
	assert.Contains(t, line, "opened 2 hours ago")
	assert.Contains(t, line, "lasted 30 minutes")

	data, err = json.Marshal(domain.Message{ID: "m1", SessionID: "S1", Sender: domain.SenderUser, Message: "hi", Seq: 4})
	require.NoError(t, err)
	assert.Equal(t, "S1 #4 user: hi", w.describe(&inboundFrame{Type: protocol.TypeNewMessage, Data: data}))
}

func TestWatcherSubscribe(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.NewHub(logger, nil)
	go h.Run(ctx)
	svc := service.New(helpers.NewTestSQLiteStore(t), h, logger, nil)
	_, err := svc.CreateSession(ctx, &domain.CreateSessionRequest{ID: "S1", UserName: "Ada"})
	require.NoError(t, err)

	e := echo.New()
	e.GET("/ws", ws.NewServer(config.Defaults(), h, svc, nil, logger).HandleWebSocket)
	srv := httptest.NewServer(e)
	defer srv.Close()
	addr := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	var out bytes.Buffer
	w, err := dialWatcher(addr, &out)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.subscribe(domain.ClientRoleDashboard, []string{"S1"}))
	assert.Equal(t, 1, h.ClassSize(domain.ClientRoleDashboard))
	assert.Equal(t, 1, h.RoomSize("S1"))

	err = w.subscribe(domain.ClientRoleDashboard, []string{"missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.CodeNotFound)
}
