package resilience

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// SlidingWindowLimiter admits at most max events per key within any
// window-long interval. Each key keeps a log of admitted timestamps that is
// trimmed on every check.
type SlidingWindowLimiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewSlidingWindowLimiter creates a limiter allowing max events per window.
func NewSlidingWindowLimiter(window time.Duration, max int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		window: window,
		max:    max,
		now:    time.Now,
		logs:   make(map[string][]time.Time),
	}
}

// Check records an event for key if the window has room.
func (l *SlidingWindowLimiter) Check(key string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	log := trim(l.logs[key], now.Add(-l.window))
	if len(log) >= l.max {
		l.logs[key] = log
		retry := log[0].Add(l.window).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Decision{Limit: l.max, RetryAfter: retry}
	}

	log = append(log, now)
	l.logs[key] = log
	return Decision{Allowed: true, Limit: l.max, Remaining: l.max - len(log)}
}

// Sweep drops keys whose whole log has aged out.
func (l *SlidingWindowLimiter) Sweep() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, log := range l.logs {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(l.logs, key)
			removed++
		}
	}
	return removed
}

// Keys returns the number of tracked keys.
func (l *SlidingWindowLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logs)
}

// Run sweeps idle keys every interval until ctx is done.
func (l *SlidingWindowLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// trim removes timestamps at or before cutoff. The log is ordered.
func trim(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}
