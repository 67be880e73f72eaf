// Package prommetrics provides a Prometheus implementation of the
// lifecycle.Metrics interface.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/membergate/membergate/pkg/lifecycle"
)

// Metrics implements lifecycle.Metrics using Prometheus.
type Metrics struct {
	eventsTotal      *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	sweepExamined    prometheus.Gauge
	sweepExpired     prometheus.Gauge
	sweepRevoked     prometheus.Gauge
	grantsTotal      *prometheus.CounterVec
	revokesTotal     *prometheus.CounterVec
	escalationsTotal *prometheus.CounterVec
}

// NewMetrics creates a Prometheus metrics implementation for the lifecycle
// engine, registered against the given registerer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "events_total",
			Help:      "Total number of lifecycle events processed.",
		}, []string{"event_type", "outcome"}),

		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reconciliation sweeps in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		sweepExamined: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "sweep_examined",
			Help:      "Lapsed periods examined by the most recent sweep.",
		}),

		sweepExpired: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "sweep_expired",
			Help:      "Periods marked expired by the most recent sweep.",
		}),

		sweepRevoked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "sweep_revoked",
			Help:      "Memberships revoked by the most recent sweep.",
		}),

		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "grants_total",
			Help:      "Total number of invite grant attempts.",
		}, []string{"outcome"}),

		revokesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "revokes_total",
			Help:      "Total number of membership revoke attempts.",
		}, []string{"outcome"}),

		escalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "escalations_total",
			Help:      "Total number of operator escalations.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) RecordEvent(eventType, outcome string) {
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordSweep(duration time.Duration, examined, expired, revoked int) {
	m.sweepDuration.Observe(duration.Seconds())
	m.sweepExamined.Set(float64(examined))
	m.sweepExpired.Set(float64(expired))
	m.sweepRevoked.Set(float64(revoked))
}

func (m *Metrics) RecordGrant(outcome string) {
	m.grantsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRevoke(outcome string) {
	m.revokesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordEscalation(reason string) {
	m.escalationsTotal.WithLabelValues(reason).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) lifecycle.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
