// Package metrics owns the Prometheus collectors of the ledger. Every
// recorder is nil-safe so components can run without metrics wired.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledger"

// Insert outcomes.
const (
	InsertCreated   = "created"
	InsertDuplicate = "duplicate"
	InsertFailed    = "failed"
)

type LedgerMetrics struct {
	inserts         *prometheus.CounterVec
	removed         prometheus.Counter
	cleanupDuration prometheus.Histogram
	lockWait        prometheus.Histogram
	publishFailures *prometheus.CounterVec
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	m := &LedgerMetrics{
		inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inserts_total",
			Help:      "Insert guard outcomes.",
		}, []string{"result"}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_removed_total",
			Help:      "Ledger events removed by cleanup.",
		}),
		cleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Duration of batch cleanup passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for an identity lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Change notifications that could not be delivered.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.inserts, m.removed, m.cleanupDuration, m.lockWait, m.publishFailures)
	return m
}

func (m *LedgerMetrics) IncInsert(result string) {
	if m == nil || m.inserts == nil {
		return
	}
	m.inserts.WithLabelValues(result).Inc()
}

func (m *LedgerMetrics) AddRemoved(n int) {
	if m == nil || m.removed == nil || n <= 0 {
		return
	}
	m.removed.Add(float64(n))
}

func (m *LedgerMetrics) ObserveCleanup(d time.Duration) {
	if m == nil || m.cleanupDuration == nil {
		return
	}
	m.cleanupDuration.Observe(d.Seconds())
}

func (m *LedgerMetrics) ObserveLockWait(d time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *LedgerMetrics) IncPublishFailure(eventType string) {
	if m == nil || m.publishFailures == nil {
		return
	}
	m.publishFailures.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// Handler exposes the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
