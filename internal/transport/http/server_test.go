package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/livedesk/internal/hub"
	"github.com/xiaot623/gogo/livedesk/internal/policy"
	"github.com/xiaot623/gogo/livedesk/internal/resilience"
	"github.com/xiaot623/gogo/livedesk/internal/service"
	"github.com/xiaot623/gogo/livedesk/internal/telemetry"
	"github.com/xiaot623/gogo/livedesk/internal/transport"
	"github.com/xiaot623/gogo/livedesk/tests/helpers"
)

func newTestServer(t *testing.T, writeMax int) *Server {
	t.Helper()
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
		resilience.NewSlidingWindowLimiter(time.Minute, 100),
		resilience.NewSlidingWindowLimiter(time.Minute, writeMax),
		metrics, logger)

	return NewServer(Deps{
		Service: svc,
		Hub:     h,
		Guard:   guard,
		Metrics: metrics,
		Logger:  logger,
		Version: "test",
	})
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 10)

	rec := do(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.EqualValues(t, 0, body["connections"])
}

func TestWriteTierRateLimit(t *testing.T) {
	s := newTestServer(t, 2)

	assert.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/api/v1/sessions", `{"id":"S1"}`).Code)
	assert.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/api/v1/sessions", `{"id":"S2"}`).Code)

	rec := do(s, http.MethodPost, "/api/v1/sessions", `{"id":"S3"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"rate_limited"`)

	// Reads are charged to a separate window.
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/v1/sessions/S1", "").Code)

	// Health and metrics are exempt.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "").Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 10)
	do(s, http.MethodPost, "/api/v1/sessions", `{"id":"S1"}`)
	do(s, http.MethodPost, "/api/v1/sessions/S1/messages", `{"id":"m1","sender":"user","message":"hi"}`)

	rec := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "livedesk_messages_persisted_total 1"), rec.Body.String())
}
