package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mevguard"

// Collectors is the engine's set of Prometheus metrics. Each engine owns
// one, registered on the Registerer it was built with.
type Collectors struct {
	CommitsTotal       *prometheus.CounterVec // by status
	RevealLatency      prometheus.Histogram
	MempoolSubmissions *prometheus.CounterVec // by result
	MempoolSize        prometheus.Gauge
	BatchesTotal       *prometheus.CounterVec // by status
	BatchSize          prometheus.Histogram
	BatchTxResults     *prometheus.CounterVec // by result
	AttacksDetected    *prometheus.CounterVec // by attack type
	ValueProtected     prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollectors creates the collectors and registers them on reg. A nil reg
// gets a private registry, which keeps tests and multiple engines from
// colliding on the global one.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collectors{
		CommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commit lifecycle transitions",
		}, []string{"status"}),
		RevealLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reveal_latency_seconds",
			Help:      "Time between commit and successful reveal",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		MempoolSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mempool_submissions_total",
			Help:      "Private mempool submissions",
		}, []string{"result"}),
		MempoolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mempool_size",
			Help:      "Transactions held in the private mempool",
		}),
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batch lifecycle transitions",
		}, []string{"status"}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Transactions per created batch",
			Buckets:   prometheus.LinearBuckets(5, 5, 20),
		}),
		BatchTxResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_transactions_total",
			Help:      "Per-transaction batch execution outcomes",
		}, []string{"result"}),
		AttacksDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attacks_detected_total",
			Help:      "MEV attack patterns detected",
		}, []string{"type"}),
		ValueProtected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "value_protected",
			Help:      "Sum of committed input amounts at or above the auto-protect threshold",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}
