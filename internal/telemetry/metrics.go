package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DocumentsEnqueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_enqueued_total", Help: "Document jobs placed on a queue"})
	DocumentsProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_processed_total", Help: "Document jobs that finished successfully"})
	DocumentsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_failed_total", Help: "Document jobs that ended failed"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed jobs re-enqueued under a new id"})
	JobsCancelled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Jobs cancelled before completion"})
	BatchesProcessed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "batches_processed_total", Help: "Batch jobs completed"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "enqueue_rate_limit_rejects_total", Help: "Enqueues rejected by the per-uploader limiter"})

	QueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queue_depth", Help: "Ready depth per named queue"}, []string{"queue"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased by workers"})

	ExtractionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "extraction_duration_seconds",
		Help:    "Wall time of external extraction calls",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DocumentsEnqueued,
			DocumentsProcessed,
			DocumentsFailed,
			JobsRetried,
			JobsCancelled,
			BatchesProcessed,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			ExtractionDuration,
		)
	})
	return promhttp.Handler()
}
