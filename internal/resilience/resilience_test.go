package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/telemetry"
)

func testRetrier() *Retrier {
	return NewRetrier(RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)), telemetry.NewMetrics())
}

func TestRetrierRetriesTransient(t *testing.T) {
	calls := 0
	err := testRetrier().Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrierStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := testRetrier().Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return domain.Conflictf("taken")
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestRetrierExhaustsBudget(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), testRetrier(), "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, driver.ErrBadConn
	})
	assert.Equal(t, 0, v)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Equal(t, domain.CodeInternal, domain.Code(err))
}

func TestRetrierHonorsCancellation(t *testing.T) {
	r := NewRetrier(RetryPolicy{Attempts: 5, BaseDelay: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "op", func(ctx context.Context) error {
			calls++
			return domain.Transient(errors.New("locked"))
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retrier did not stop on cancellation")
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.False(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(domain.Validationf("bad")))
	assert.False(t, IsTransient(nil))
}

func TestSlidingWindowLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewSlidingWindowLimiter(time.Minute, 3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		d := l.Check("1.2.3.4")
		require.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	now = now.Add(20 * time.Second)
	d := l.Check("1.2.3.4")
	assert.False(t, d.Allowed)
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	assert.True(t, l.Check("5.6.7.8").Allowed, "keys are independent")

	now = now.Add(41 * time.Second)
	assert.True(t, l.Check("1.2.3.4").Allowed)
}

func TestSlidingWindowLimiterSweep(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewSlidingWindowLimiter(time.Minute, 3)
	l.now = func() time.Time { return now }

	l.Check("a")
	now = now.Add(30 * time.Second)
	l.Check("b")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Keys())
}
