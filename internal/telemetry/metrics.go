package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the counters and gauges exported on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesPersisted prometheus.Counter
	MessagesDuplicate prometheus.Counter
	ClaimConflicts    prometheus.Counter
	StoreRetries      *prometheus.CounterVec
	StoreFailures     *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	SessionsReaped    prometheus.Counter
	Connections       prometheus.Gauge
	Rooms             prometheus.Gauge
}

// NewMetrics registers the livedesk collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		Registry: reg,
		MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livedesk",
			Name:      "messages_persisted_total",
			Help:      "Messages written to the store.",
		}),
		MessagesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livedesk",
			Name:      "messages_duplicate_total",
			Help:      "Message submissions answered from the dedup lookup.",
		}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livedesk",
			Name:      "claim_conflicts_total",
			Help:      "Claims rejected because the session was no longer waiting.",
		}),
		StoreRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedesk",
			Name:      "store_retries_total",
			Help:      "Store operations retried after a transient failure.",
		}, []string{"op"}),
		StoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedesk",
			Name:      "store_failures_total",
			Help:      "Store operations that failed after the retry budget.",
		}, []string{"op"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livedesk",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"tier", "surface"}),
		SessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "livedesk",
			Name:      "sessions_reaped_total",
			Help:      "Idle waiting sessions closed by the reaper.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livedesk",
			Name:      "ws_connections",
			Help:      "Open realtime connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livedesk",
			Name:      "ws_rooms",
			Help:      "Session rooms with at least one member.",
		}),
	}
	reg.MustRegister(
		m.MessagesPersisted,
		m.MessagesDuplicate,
		m.ClaimConflicts,
		m.StoreRetries,
		m.StoreFailures,
		m.RateLimited,
		m.SessionsReaped,
		m.Connections,
		m.Rooms,
	)
	return m
}
