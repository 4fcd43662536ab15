package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/xiaot623/gogo/livedesk/internal/domain"
	store "github.com/xiaot623/gogo/livedesk/internal/repository"
	"github.com/xiaot623/gogo/livedesk/internal/telemetry"
)

// Broadcaster fans events out to realtime connections.
type Broadcaster interface {
	BroadcastRoom(sessionID string, v interface{}) error
	BroadcastClass(v interface{}, classes ...domain.ClientRole) error
}

// statusClasses receive every session status notification.
var statusClasses = []domain.ClientRole{domain.ClientRoleAgent, domain.ClientRoleDashboard}

type Service struct {
	store       store.Store
	hub         Broadcaster
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	maxPageSize int
	now         func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxPageSize caps history page sizes.
func WithMaxPageSize(n int) Option {
	return func(s *Service) { s.maxPageSize = n }
}

func New(store store.Store, hub Broadcaster, logger *slog.Logger, metrics *telemetry.Metrics, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	s := &Service{
		store:       store,
		hub:         hub,
		logger:      logger,
		metrics:     metrics,
		maxPageSize: domain.MaxPageSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock returns the current time at the store's millisecond precision.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
