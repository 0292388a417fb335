package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of the session layer.
type Metrics struct {
	activeSessions  prometheus.Gauge
	terminatedTotal prometheus.Counter
	failedTotal     prometheus.Counter
	cleanupTimeouts prometheus.Counter
	eventQueueDepth prometheus.Gauge
	eventsTotal     *prometheus.CounterVec
}

// NewMetrics creates the session collectors and registers them on the
// registerer. A nil registerer yields unregistered collectors, handy in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govoip",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live call sessions.",
		}),
		terminatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govoip",
			Subsystem: "session",
			Name:      "terminated_total",
			Help:      "Total number of terminated call sessions.",
		}),
		failedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govoip",
			Subsystem: "session",
			Name:      "failed_total",
			Help:      "Total number of failed call sessions.",
		}),
		cleanupTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govoip",
			Subsystem: "session",
			Name:      "cleanup_timeouts_total",
			Help:      "Terminations completed by the cleanup timeout instead of confirmations.",
		}),
		eventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govoip",
			Subsystem: "session",
			Name:      "event_queue_depth",
			Help:      "Number of events waiting in the coordinator queue.",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govoip",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Total number of processed coordinator events.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.activeSessions,
			m.terminatedTotal,
			m.failedTotal,
			m.cleanupTimeouts,
			m.eventQueueDepth,
			m.eventsTotal,
		)
	}
	return m
}
