package v1

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
)

// ListSessions answers a filtered history query.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	q, err := parseSessionQuery(c)
	if err != nil {
		return writeList(c, err)
	}

	page, err := h.service.ListSessions(c.Request().Context(), q)
	if err != nil {
		return h.failList(c, err)
	}
	return okPage(c, nonNil(page.Sessions), page.Pagination)
}

// SearchSessions matches free text against user and agent fields.
// GET /api/v1/sessions/search?q=
func (h *Handler) SearchSessions(c echo.Context) error {
	pageNum, limit, err := parsePaging(c)
	if err != nil {
		return writeList(c, err)
	}

	page, err := h.service.SearchSessions(c.Request().Context(), c.QueryParam("q"), pageNum, limit)
	if err != nil {
		return h.failList(c, err)
	}
	return okPage(c, nonNil(page.Sessions), page.Pagination)
}

// GetSession fetches one session.
// GET /api/v1/sessions/:id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, session)
}

// CreateSession registers a hand-off.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req domain.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return WriteError(c, domain.Validationf("invalid request body"))
	}

	session, err := h.service.CreateSession(c.Request().Context(), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusCreated, session)
}

// UpdateSession edits session metadata.
// PATCH /api/v1/sessions/:id
func (h *Handler) UpdateSession(c echo.Context) error {
	var req domain.UpdateSessionRequest
	if err := c.Bind(&req); err != nil {
		return WriteError(c, domain.Validationf("invalid request body"))
	}

	session, err := h.service.UpdateSession(c.Request().Context(), c.Param("id"), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, session)
}

// ClaimSession assigns a waiting session to the calling agent.
// POST /api/v1/sessions/:id/claim
func (h *Handler) ClaimSession(c echo.Context) error {
	var req domain.ClaimRequest
	if err := c.Bind(&req); err != nil {
		return WriteError(c, domain.Validationf("invalid request body"))
	}
	req.SessionID = c.Param("id")

	result, err := h.service.ClaimSession(c.Request().Context(), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, result)
}

// ReleaseSession returns an active session to the queue.
// POST /api/v1/sessions/:id/release
func (h *Handler) ReleaseSession(c echo.Context) error {
	var req domain.ReleaseRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return WriteError(c, domain.Validationf("invalid request body"))
		}
	}
	req.SessionID = c.Param("id")

	result, err := h.service.ReleaseSession(c.Request().Context(), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, result)
}

// CloseSession ends a session. Closing twice succeeds.
// POST /api/v1/sessions/:id/close
func (h *Handler) CloseSession(c echo.Context) error {
	result, err := h.service.CloseSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, result)
}

// SessionStats aggregates sessions over an optional creation range.
// GET /api/v1/stats/sessions
func (h *Handler) SessionStats(c echo.Context) error {
	from, err := parseTime(c.QueryParam("dateFrom"), false)
	if err != nil {
		return WriteError(c, err)
	}
	to, err := parseTime(c.QueryParam("dateTo"), true)
	if err != nil {
		return WriteError(c, err)
	}

	stats, err := h.service.SessionStats(c.Request().Context(), from, to)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, stats)
}

func parseSessionQuery(c echo.Context) (*domain.SessionQuery, error) {
	q := &domain.SessionQuery{
		SortBy:    domain.SortField(c.QueryParam("sortBy")),
		SortOrder: domain.SortOrder(strings.ToLower(c.QueryParam("sortOrder"))),
	}

	var err error
	if q.Page, q.Limit, err = parsePaging(c); err != nil {
		return nil, err
	}

	f := &q.Filter
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, domain.SessionStatus(s))
			}
		}
	}
	f.AgentID = c.QueryParam("agentId")
	f.Search = strings.TrimSpace(c.QueryParam("search"))

	if f.DateFrom, err = parseTime(c.QueryParam("dateFrom"), false); err != nil {
		return nil, err
	}
	if f.DateTo, err = parseTime(c.QueryParam("dateTo"), true); err != nil {
		return nil, err
	}
	if f.MinDuration, err = parseDurationMs(c, "minDuration"); err != nil {
		return nil, err
	}
	if f.MaxDuration, err = parseDurationMs(c, "maxDuration"); err != nil {
		return nil, err
	}
	if f.MinMessageCount, err = parseOptionalInt(c, "minMessages"); err != nil {
		return nil, err
	}
	if f.MaxMessageCount, err = parseOptionalInt(c, "maxMessages"); err != nil {
		return nil, err
	}
	return q, nil
}

func parsePaging(c echo.Context) (page, limit int, err error) {
	if page, err = parseInt(c, "page"); err != nil {
		return 0, 0, err
	}
	if limit, err = parseInt(c, "limit"); err != nil {
		return 0, 0, err
	}
	return page, limit, nil
}

// parseInt returns 0 when the parameter is absent.
func parseInt(c echo.Context, name string) (int, error) {
	v, err := parseOptionalInt(c, name)
	if err != nil || v == nil {
		return 0, err
	}
	return *v, nil
}

func parseOptionalInt(c echo.Context, name string) (*int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, domain.Validationf("%s must be an integer", name)
	}
	return &v, nil
}

const maxDurationMs = math.MaxInt64 / int64(time.Millisecond)

func parseDurationMs(c echo.Context, name string) (*time.Duration, error) {
	v, err := parseOptionalInt(c, name)
	if err != nil || v == nil {
		return nil, err
	}
	if int64(*v) > maxDurationMs || int64(*v) < -maxDurationMs {
		return nil, domain.Validationf("%s is out of range", name)
	}
	d := time.Duration(*v) * time.Millisecond
	return &d, nil
}

// parseTime accepts RFC 3339, a plain date or unix milliseconds. A plain
// date used as an upper bound covers the whole day.
func parseTime(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		if endOfDay {
			t = t.Add(24*time.Hour - time.Millisecond)
		}
		return &t, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	return nil, domain.Validationf("invalid date %q", raw)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
