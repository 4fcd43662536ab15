// Package transport holds pieces shared by the HTTP and realtime surfaces.
package transport

import (
	"context"
	"log/slog"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
	"github.com/xiaot623/gogo/livedesk/internal/policy"
	"github.com/xiaot623/gogo/livedesk/internal/resilience"
	"github.com/xiaot623/gogo/livedesk/internal/telemetry"
)

// Guard charges each request against the rate-limit tier the policy engine
// assigns to it.
type Guard struct {
	engine   *policy.Engine
	limiters map[policy.Tier]*resilience.SlidingWindowLimiter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewGuard creates a Guard with one limiter per tier.
func NewGuard(engine *policy.Engine, read, write *resilience.SlidingWindowLimiter, metrics *telemetry.Metrics, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		engine: engine,
		limiters: map[policy.Tier]*resilience.SlidingWindowLimiter{
			policy.TierRead:  read,
			policy.TierWrite: write,
		},
		metrics: metrics,
		logger:  logger,
	}
}

// Admit returns a *domain.RateLimitError when the client identified by key
// has exhausted its window for the request's tier. Policy failures fall
// back to the read tier.
func (g *Guard) Admit(ctx context.Context, req policy.Request, key string) error {
	tier, err := g.engine.Classify(ctx, req)
	if err != nil {
		g.logger.Warn("rate policy evaluation failed", "surface", req.Surface, "path", req.Path, "event", req.Event, "error", err)
		tier = policy.TierRead
	}
	if tier == policy.TierExempt {
		return nil
	}

	limiter := g.limiters[tier]
	if limiter == nil {
		return nil
	}
	d := limiter.Check(key)
	if d.Allowed {
		return nil
	}
	if g.metrics != nil {
		g.metrics.RateLimited.WithLabelValues(string(tier), string(req.Surface)).Inc()
	}
	return &domain.RateLimitError{RetryAfter: d.RetryAfter}
}
