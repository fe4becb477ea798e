package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure reason labels for JobsFailed.
const (
	ReasonEngineError       = "engine_error"
	ReasonEngineTimeout     = "engine_timeout"
	ReasonEngineUnavailable = "engine_unavailable"
)

var (
	once sync.Once

	JobsSubmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_jobs_submitted_total", Help: "Jobs accepted and recorded by the producer"})
	PublishFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_publish_failures_total", Help: "Committed jobs whose queue publish failed"})
	JobsRequeued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_jobs_requeued_total", Help: "Failed jobs re-queued by an administrator"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_jobs_completed_total", Help: "Jobs summarized successfully"})
	JobsFailed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notes_jobs_failed_total", Help: "Jobs moved to FAILED"}, []string{"reason"})
	DuplicateDelivery  = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_duplicate_deliveries_total", Help: "Deliveries dropped because the job was already claimed or terminal"})
	MissingRecords     = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_missing_records_total", Help: "Deliveries whose job record does not exist"})
	DeadLettered       = prometheus.NewCounter(prometheus.CounterOpts{Name: "notes_dead_lettered_total", Help: "Expired leases moved to the dead-letter queue"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notes_queue_depth", Help: "Messages waiting in the ready queue"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notes_queue_inflight", Help: "Messages currently leased"})
	DeadLetterGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notes_queue_dead_letters", Help: "Messages in the dead-letter queue"})
	StuckProcessing    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notes_stuck_processing", Help: "Jobs in PROCESSING longer than the stuck threshold"})
	OrphanedQueued     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notes_orphaned_queued", Help: "Jobs in QUEUED longer than the orphan threshold"})
	SummarizeDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "notes_summarize_duration_seconds",
		Help:    "Engine execution time for successful summaries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			PublishFailures,
			JobsRequeued,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			DuplicateDelivery,
			MissingRecords,
			DeadLettered,
			QueueDepthGauge,
			InFlightGauge,
			DeadLetterGauge,
			StuckProcessing,
			OrphanedQueued,
			SummarizeDuration,
		)
	})
	return promhttp.Handler()
}
