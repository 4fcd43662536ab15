// Package resilience holds the retry and rate-limit policies that sit in
// front of the store and the transports.
package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/telemetry"
)

// RetryPolicy bounds how a store operation is retried.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is three attempts starting at 50ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retrier runs operations with bounded exponential backoff on transient
// failures. Each operation is wrapped in one span.
type Retrier struct {
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// NewRetrier creates a Retrier. metrics may be nil.
func NewRetrier(policy RetryPolicy, logger *slog.Logger, metrics *telemetry.Metrics) *Retrier {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer(telemetry.TracerName),
	}
}

// Do runs fn until it succeeds, fails permanently, or the budget runs out.
// Permanent errors are returned unchanged. A transient error that outlives
// the budget is wrapped with domain.ErrTransient.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "store."+op)
	defer span.End()

	var lastErr error
	attempt := 0
	for attempt < r.policy.Attempts {
		attempt++
		if attempt > 1 {
			if r.metrics != nil {
				r.metrics.StoreRetries.WithLabelValues(op).Inc()
			}
			timer := time.NewTimer(r.policy.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				span.SetAttributes(attribute.Int("store.attempts", attempt-1))
				span.SetStatus(codes.Error, "cancelled")
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			span.SetAttributes(attribute.Int("store.attempts", attempt))
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			span.SetAttributes(attribute.Int("store.attempts", attempt))
			return err
		}

		r.logger.Warn("transient store failure, retrying",
			"op", op,
			"attempt", attempt,
			"error", err,
		)
	}

	span.SetAttributes(attribute.Int("store.attempts", attempt))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	if r.metrics != nil {
		r.metrics.StoreFailures.WithLabelValues(op).Inc()
	}
	if errors.Is(lastErr, domain.ErrTransient) {
		return fmt.Errorf("%s after %d attempts: %w", op, attempt, lastErr)
	}
	return fmt.Errorf("%s after %d attempts: %w", op, attempt, domain.Transient(lastErr))
}

// Retry is Do for operations that return a value.
func Retry[T any](ctx context.Context, r *Retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsTransient reports whether err is worth retrying: SQLite busy or locked,
// a dropped connection, or an error explicitly marked transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, domain.ErrTransient)
}
