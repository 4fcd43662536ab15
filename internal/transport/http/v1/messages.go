package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
)

// GetSessionMessages returns a session's chronological history. With
// recent=true it returns the latest messages without a page descriptor.
// GET /api/v1/sessions/:id/messages
func (h *Handler) GetSessionMessages(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("id")

	page, limit, err := parsePaging(c)
	if err != nil {
		return writeList(c, err)
	}

	if c.QueryParam("recent") == "true" {
		messages, err := h.service.RecentMessages(ctx, sessionID, limit)
		if err != nil {
			return h.failList(c, err)
		}
		return ok(c, http.StatusOK, nonNil(messages))
	}

	result, err := h.service.ListMessages(ctx, sessionID, page, limit)
	if err != nil {
		return h.failList(c, err)
	}
	return okPage(c, nonNil(result.Messages), result.Pagination)
}

// SendMessage submits a chat turn over HTTP. Resubmitting an id returns the
// stored message with 200 instead of 201.
// POST /api/v1/sessions/:id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req domain.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return WriteError(c, domain.Validationf("invalid request body"))
	}
	req.SessionID = c.Param("id")

	result, err := h.service.SendMessage(c.Request().Context(), &req)
	if err != nil {
		return h.fail(c, err)
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	return ok(c, status, result)
}
