package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPagination(t *testing.T) {
	cases := []struct {
		page, limit, total int
		want               Pagination
	}{
		{1, 10, 0, Pagination{Page: 1, Limit: 10, Total: 0, TotalPages: 0}},
		{1, 10, 10, Pagination{Page: 1, Limit: 10, Total: 10, TotalPages: 1}},
		{1, 10, 11, Pagination{Page: 1, Limit: 10, Total: 11, TotalPages: 2, HasNext: true}},
		{2, 10, 11, Pagination{Page: 2, Limit: 10, Total: 11, TotalPages: 2, HasPrev: true}},
		{3, 5, 30, Pagination{Page: 3, Limit: 5, Total: 30, TotalPages: 6, HasNext: true, HasPrev: true}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NewPagination(tc.page, tc.limit, tc.total))
	}
}

func TestSessionQueryNormalize(t *testing.T) {
	q := SessionQuery{Limit: 500}
	require.NoError(t, q.Normalize(100))
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, 100, q.Limit)
	assert.Equal(t, SortByCreatedAt, q.SortBy)
	assert.Equal(t, SortDesc, q.SortOrder)
	assert.False(t, q.NeedsJoin())

	q = SessionQuery{SortBy: SortByMessageCount}
	require.NoError(t, q.Normalize(0))
	assert.True(t, q.NeedsJoin())

	minD, maxD := 10*time.Minute, time.Minute
	q = SessionQuery{Filter: SessionFilter{MinDuration: &minD, MaxDuration: &maxD}}
	assert.ErrorIs(t, q.Normalize(0), ErrValidation)

	q = SessionQuery{Page: -1}
	assert.ErrorIs(t, q.Normalize(0), ErrValidation)

	q = SessionQuery{Filter: SessionFilter{Statuses: []SessionStatus{"archived"}}}
	assert.ErrorIs(t, q.Normalize(0), ErrValidation)
}

func TestSendMessageRequestValidate(t *testing.T) {
	ok := SendMessageRequest{ID: "m1", SessionID: "s1", Sender: SenderUser, Message: "hi"}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Sender = "bot"
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = ok
	bad.Message = "   "
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = ok
	bad.Message = strings.Repeat("x", MaxMessageLength+1)
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = ok
	bad.SessionID = "../etc"
	assert.ErrorIs(t, bad.Validate(), ErrValidation)
}

func TestCreateSessionRequestValidate(t *testing.T) {
	req := CreateSessionRequest{ID: "sess-1", UserName: "Ada", UserEmail: "ada@example.com"}
	require.NoError(t, req.Validate())

	req.UserEmail = "not-an-email"
	assert.ErrorIs(t, req.Validate(), ErrValidation)

	empty := UpdateSessionRequest{}
	assert.ErrorIs(t, empty.Validate(), ErrValidation)
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, CodeValidation, Code(Validationf("bad")))
	assert.Equal(t, CodeNotFound, Code(fmt.Errorf("wrapped: %w", NotFoundf("missing"))))
	assert.Equal(t, CodeConflict, Code(Conflictf("taken")))
	assert.Equal(t, CodeRateLimited, Code(&RateLimitError{RetryAfter: time.Second}))
	assert.Equal(t, CodeInternal, Code(Transient(errors.New("database is locked"))))
	assert.Equal(t, CodeInternal, Code(errors.New("boom")))

	assert.Equal(t, "session s1 not found", PublicMessage(NotFoundf("session %s not found", "s1")))
	assert.Equal(t, "internal server error", PublicMessage(errors.New("driver: secret")))
	assert.True(t, errors.Is(Transient(errors.New("x")), ErrTransient))
}

func TestValidateStatsRange(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(30 * 24 * time.Hour)
	now := from.Add(90 * 24 * time.Hour)
	require.NoError(t, ValidateStatsRange(&from, &to, now))

	tooFar := from.Add(400 * 24 * time.Hour)
	assert.ErrorIs(t, ValidateStatsRange(&from, &tooFar, now), ErrValidation)
	assert.ErrorIs(t, ValidateStatsRange(&to, &from, now), ErrValidation)
	require.NoError(t, ValidateStatsRange(nil, &to, now))
	require.NoError(t, ValidateStatsRange(nil, nil, now))

	// A lone lower bound is measured against now.
	require.NoError(t, ValidateStatsRange(&from, nil, now))
	longAgo := now.Add(-2 * 365 * 24 * time.Hour)
	assert.ErrorIs(t, ValidateStatsRange(&longAgo, nil, now), ErrValidation)
	future := now.Add(time.Hour)
	assert.ErrorIs(t, ValidateStatsRange(&future, nil, now), ErrValidation)
}
