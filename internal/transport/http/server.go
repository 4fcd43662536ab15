// Package http provides the HTTP server for livedesk: the /api/v1 query
// surface, the realtime upgrade route and operational endpoints.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/livedesk/internal/hub"
	"github.com/xiaot623/gogo/livedesk/internal/policy"
	"github.com/xiaot623/gogo/livedesk/internal/service"
	"github.com/xiaot623/gogo/livedesk/internal/telemetry"
	"github.com/xiaot623/gogo/livedesk/internal/transport"
	v1 "github.com/xiaot623/gogo/livedesk/internal/transport/http/v1"
	"github.com/xiaot623/gogo/livedesk/internal/transport/ws"
)

// Server is the livedesk HTTP server.
type Server struct {
	echo    *echo.Echo
	hub     *hub.Hub
	service *service.Service
	guard   *transport.Guard
	logger  *slog.Logger
	version string
}

// Deps groups what the server routes to. Guard and WS may be nil.
type Deps struct {
	Service *service.Service
	Hub     *hub.Hub
	WS      *ws.Server
	Guard   *transport.Guard
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Version string
}

// NewServer creates the HTTP server and registers every route.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		hub:     d.Hub,
		service: d.Service,
		guard:   d.Guard,
		logger:  logger,
		version: d.Version,
	}

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if s.guard != nil {
		e.Use(s.rateLimit)
	}

	// Routes
	e.GET("/health", s.handleHealth)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	if d.WS != nil {
		e.GET("/ws", d.WS.HandleWebSocket)
	}
	v1.NewHandler(d.Service, logger).RegisterRoutes(e)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// rateLimit charges each routed request against its policy tier, keyed by
// client IP.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := policy.Request{
			Surface: policy.SurfaceHTTP,
			Method:  c.Request().Method,
			Path:    c.Path(),
		}
		if err := s.guard.Admit(c.Request().Context(), req, c.RealIP()); err != nil {
			return v1.WriteError(c, err)
		}
		return next(c)
	}
}

// handleHealth reports liveness, store reachability and hub counts.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	storeStatus := "ok"
	if err := s.service.Ping(ctx); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		status, code, storeStatus = "degraded", http.StatusServiceUnavailable, "unreachable"
	}

	body := map[string]interface{}{
		"status":  status,
		"store":   storeStatus,
		"version": s.version,
	}
	if s.hub != nil {
		body["connections"] = s.hub.GetConnectionCount()
		body["rooms"] = s.hub.GetRoomCount()
	}
	return c.JSON(code, body)
}
