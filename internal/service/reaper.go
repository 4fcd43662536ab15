package service

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

const reapBatch = 100

// Reaper closes sessions that have been waiting without activity for longer
// than Idle. Runs are scheduled by a cron expression.
type Reaper struct {
	svc  *Service
	cron string
	idle time.Duration
}

// NewReaper validates the schedule and builds a Reaper.
func NewReaper(svc *Service, cronExpr string, idle time.Duration) (*Reaper, error) {
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid reaper cron expression: %s", cronExpr)
	}
	if idle <= 0 {
		return nil, fmt.Errorf("reaper idle threshold must be positive")
	}
	return &Reaper{svc: svc, cron: cronExpr, idle: idle}, nil
}

// Run sleeps until each cron tick and reaps, until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	logger := r.svc.logger
	logger.Info("reaper started", "cron", r.cron, "idle", r.idle)
	for {
		next, err := gronx.NextTickAfter(r.cron, time.Now().UTC(), false)
		if err != nil {
			logger.Error("reaper next tick failed", "cron", r.cron, "error", err)
			next = time.Now().Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("reaper stopping")
			return
		case <-timer.C:
		}

		if err == nil {
			if n, err := r.ReapOnce(ctx); err != nil {
				logger.Error("reaper run failed", "error", err)
			} else if n > 0 {
				logger.Info("reaped idle sessions", "count", n)
			}
		}
	}
}

// ReapOnce closes one batch of idle waiting sessions. Each close is guarded
// so a session claimed after the scan is left alone.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	now := r.svc.clock()
	cutoff := now.Add(-r.idle)
	ids, err := r.svc.store.ListIdleWaiting(ctx, cutoff, reapBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}

	reaped := 0
	for _, id := range ids {
		closed, err := r.svc.store.CloseIdleSession(ctx, id, cutoff, now)
		if err != nil {
			r.svc.logger.Warn("failed to reap session", "session_id", id, "error", err)
			continue
		}
		if !closed {
			continue
		}
		session, err := r.svc.GetSession(ctx, id)
		if err != nil {
			r.svc.logger.Warn("failed to reload reaped session", "session_id", id, "error", err)
			continue
		}
		reaped++
		r.svc.metrics.SessionsReaped.Inc()
		r.svc.notifyClosed(session)
	}
	return reaped, nil
}
