package domain

import (
	"time"
)

const (
	DefaultPageSize       = 20
	MaxPageSize           = 100
	DefaultRecentMessages = 50
	MaxRecentMessages     = 100
	MaxStatsRange         = 366 * 24 * time.Hour
)

// SessionFilter narrows a history query. Zero values mean "no constraint".
type SessionFilter struct {
	Statuses        []SessionStatus
	AgentID         string
	Search          string
	DateFrom        *time.Time
	DateTo          *time.Time
	MinDuration     *time.Duration
	MaxDuration     *time.Duration
	MinMessageCount *int
	MaxMessageCount *int
}

// HasDerived reports whether the filter constrains a computed attribute.
func (f *SessionFilter) HasDerived() bool {
	return f.MinDuration != nil || f.MaxDuration != nil || f.MinMessageCount != nil || f.MaxMessageCount != nil
}

// SessionQuery is a filtered, sorted and paginated history request.
type SessionQuery struct {
	Filter    SessionFilter
	Page      int
	Limit     int
	SortBy    SortField
	SortOrder SortOrder
}

// NeedsJoin reports whether the query must join the messages collection.
func (q *SessionQuery) NeedsJoin() bool {
	return q.Filter.HasDerived() || q.SortBy.Derived()
}

// Normalize fills defaults and validates the query. maxLimit caps the page
// size; zero means MaxPageSize.
func (q *SessionQuery) Normalize(maxLimit int) error {
	if maxLimit <= 0 {
		maxLimit = MaxPageSize
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 {
		return Validationf("page must be >= 1")
	}
	if q.Limit == 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit < 1 {
		return Validationf("limit must be >= 1")
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.SortBy == "" {
		q.SortBy = SortByCreatedAt
	}
	switch q.SortBy {
	case SortByCreatedAt, SortByUpdatedAt, SortByStatus, SortByUserName, SortByAgentName, SortByDuration, SortByMessageCount:
	default:
		return Validationf("unsupported sortBy %q", q.SortBy)
	}
	if q.SortOrder == "" {
		q.SortOrder = SortDesc
	}
	if q.SortOrder != SortAsc && q.SortOrder != SortDesc {
		return Validationf("sortOrder must be asc or desc")
	}

	f := &q.Filter
	for _, st := range f.Statuses {
		if !st.Valid() {
			return Validationf("unknown status %q", st)
		}
	}
	if f.AgentID != "" && !ValidID(f.AgentID) {
		return Validationf("agentId has an invalid format")
	}
	if len(f.Search) > MaxNameLength {
		return Validationf("search exceeds %d characters", MaxNameLength)
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return Validationf("dateTo must not be before dateFrom")
	}
	if f.MinDuration != nil && *f.MinDuration < 0 || f.MaxDuration != nil && *f.MaxDuration < 0 {
		return Validationf("duration bounds must be non-negative")
	}
	if f.MinDuration != nil && f.MaxDuration != nil && *f.MaxDuration < *f.MinDuration {
		return Validationf("maxDuration must not be below minDuration")
	}
	if f.MinMessageCount != nil && *f.MinMessageCount < 0 || f.MaxMessageCount != nil && *f.MaxMessageCount < 0 {
		return Validationf("message count bounds must be non-negative")
	}
	if f.MinMessageCount != nil && f.MaxMessageCount != nil && *f.MaxMessageCount < *f.MinMessageCount {
		return Validationf("maxMessages must not be below minMessages")
	}
	return nil
}

// Offset is the number of rows skipped before the current page.
func (q *SessionQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// Pagination describes where a page sits in the full result set.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// NewPagination computes the descriptor shared by every list response.
func NewPagination(page, limit, total int) Pagination {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

// SessionPage is one page of history results.
type SessionPage struct {
	Sessions   []SessionView `json:"sessions"`
	Pagination Pagination    `json:"pagination"`
}

// MessagePage is one page of a session's chronological history.
type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

// ValidateStatsRange enforces the one-year cap on stats windows. A window
// with only a lower bound ends at now.
func ValidateStatsRange(from, to *time.Time, now time.Time) error {
	if from == nil {
		return nil
	}
	end := now
	if to != nil {
		end = *to
	}
	if end.Before(*from) {
		if to == nil {
			return Validationf("dateFrom must not be in the future")
		}
		return Validationf("dateTo must not be before dateFrom")
	}
	if end.Sub(*from) > MaxStatsRange {
		return Validationf("date range must not exceed one year")
	}
	return nil
}
