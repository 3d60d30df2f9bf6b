// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DefaultHTTPDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	DefaultLockWaitBuckets     = []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5}
)

// LedgerMetrics holds the service's collectors. A nil *LedgerMetrics is valid
// and records nothing.
type LedgerMetrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	LockWaitDuration  prometheus.Histogram
	EventsPublished   *prometheus.CounterVec
	EventsPending     prometheus.Gauge
	OpenDisputes      prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *LedgerMetrics {
	f := promauto.With(reg)

	return &LedgerMetrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: DefaultHTTPDurationBuckets,
		}, []string{"method", "path"}),
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ownership_operations_total",
			Help: "Ledger write operations by outcome kind",
		}, []string{"operation", "result"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ownership_operation_duration_seconds",
			Help:    "Ledger write operation duration including lock wait",
			Buckets: DefaultHTTPDurationBuckets,
		}, []string{"operation"}),
		LockWaitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ownership_lock_wait_seconds",
			Help:    "Time spent waiting for the per-asset write lock",
			Buckets: DefaultLockWaitBuckets,
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ownership_events_published_total",
			Help: "Ownership events handed to the publisher",
		}, []string{"event_type", "result"}),
		EventsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "ownership_events_pending",
			Help: "Outbox events not yet published after the last retry pass",
		}),
		OpenDisputes: f.NewGauge(prometheus.GaugeOpts{
			Name: "ownership_open_disputes",
			Help: "Disputed records awaiting resolution, as of the last listing",
		}),
	}
}

// ObserveOperation records one ledger write. result is "ok" or an error kind.
func (m *LedgerMetrics) ObserveOperation(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *LedgerMetrics) ObserveLockWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitDuration.Observe(elapsed.Seconds())
}

func (m *LedgerMetrics) ObserveEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}

func (m *LedgerMetrics) SetEventsPending(n int) {
	if m == nil {
		return
	}
	m.EventsPending.Set(float64(n))
}

func (m *LedgerMetrics) SetOpenDisputes(n int64) {
	if m == nil {
		return
	}
	m.OpenDisputes.Set(float64(n))
}

func (m *LedgerMetrics) ObserveHTTP(method, path, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
