package v1

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/protocol"
)

// Envelope is the body of every /api/v1 response.
type Envelope struct {
	Success    bool                `json:"success"`
	Data       any                 `json:"data"`
	Pagination *domain.Pagination  `json:"pagination,omitempty"`
	Error      *protocol.ErrorBody `json:"error,omitempty"`
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

func okPage(c echo.Context, data any, p domain.Pagination) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: data, Pagination: &p})
}

// StatusFor maps a failure code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err in the envelope. Rate-limit failures also carry a
// Retry-After header in whole seconds.
func WriteError(c echo.Context, err error) error {
	return writeError(c, err, nil)
}

// writeList renders a failed list request with an empty data array so
// callers can keep iterating.
func writeList(c echo.Context, err error) error {
	return writeError(c, err, []any{})
}

func writeError(c echo.Context, err error, data any) error {
	code := domain.Code(err)
	body := &protocol.ErrorBody{Code: code, Message: domain.PublicMessage(err)}

	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		body.RetryAfterMs = rl.RetryAfter.Milliseconds()
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	}

	return c.JSON(StatusFor(code), Envelope{Success: false, Data: data, Error: body})
}

// fail logs internal failures before rendering them.
func (h *Handler) fail(c echo.Context, err error) error {
	h.logInternal(c, err)
	return WriteError(c, err)
}

func (h *Handler) failList(c echo.Context, err error) error {
	h.logInternal(c, err)
	return writeList(c, err)
}

func (h *Handler) logInternal(c echo.Context, err error) {
	if domain.Code(err) == domain.CodeInternal {
		h.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
}
