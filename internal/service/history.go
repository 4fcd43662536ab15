package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
)

// ListSessions answers a filtered, sorted and paginated history query. The
// page and the total are fetched concurrently from the same predicates.
func (s *Service) ListSessions(ctx context.Context, q *domain.SessionQuery) (*domain.SessionPage, error) {
	if err := q.Normalize(s.maxPageSize); err != nil {
		return nil, err
	}

	var sessions []domain.SessionView
	var total int
	err := parallel(ctx,
		func(ctx context.Context) (err error) {
			sessions, err = s.store.QuerySessions(ctx, q)
			return err
		},
		func(ctx context.Context) (err error) {
			total, err = s.store.CountSessions(ctx, q)
			return err
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	return &domain.SessionPage{
		Sessions:   sessions,
		Pagination: domain.NewPagination(q.Page, q.Limit, total),
	}, nil
}

// SearchSessions is a history query constrained only by free text.
func (s *Service) SearchSessions(ctx context.Context, text string, page, limit int) (*domain.SessionPage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.Validationf("search text is required")
	}
	return s.ListSessions(ctx, &domain.SessionQuery{
		Filter: domain.SessionFilter{Search: text},
		Page:   page,
		Limit:  limit,
	})
}

// SessionStats aggregates sessions created in [from, to], at most one year.
func (s *Service) SessionStats(ctx context.Context, from, to *time.Time) (*domain.SessionStats, error) {
	if err := domain.ValidateStatsRange(from, to, s.clock()); err != nil {
		return nil, err
	}
	stats, err := s.store.SessionStats(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return stats, nil
}

func parallel(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}
