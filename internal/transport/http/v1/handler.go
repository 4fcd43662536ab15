// Package v1 provides the versioned HTTP query surface.
package v1

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/livedesk/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	logger  *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the /api/v1 routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")

	// History queries
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/search", h.SearchSessions)
	g.GET("/stats/sessions", h.SessionStats)

	// Session lifecycle
	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions/:id", h.GetSession)
	g.PATCH("/sessions/:id", h.UpdateSession)
	g.POST("/sessions/:id/claim", h.ClaimSession)
	g.POST("/sessions/:id/release", h.ReleaseSession)
	g.POST("/sessions/:id/close", h.CloseSession)

	// Messages
	g.GET("/sessions/:id/messages", h.GetSessionMessages)
	g.POST("/sessions/:id/messages", h.SendMessage)
}
