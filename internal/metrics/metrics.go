package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal 按结果统计执行次数
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autobackup_runs_total",
			Help: "Total number of backup pipeline runs",
		},
		[]string{"storage", "status", "code"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autobackup_run_duration_seconds",
			Help:    "Duration of backup pipeline runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"storage"},
	)

	ArtifactBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autobackup_artifact_bytes",
			Help:    "Size of uploaded backup artifacts",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		},
	)

	UploadsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autobackup_uploads_in_flight",
			Help: "Number of uploads currently holding an upload slot",
		},
	)

	RetryAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autobackup_retry_attempts_total",
			Help: "Total number of storage call retries",
		},
	)

	RetentionDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autobackup_retention_deleted_total",
			Help: "Artifacts removed by retention, by outcome",
		},
		[]string{"outcome"},
	)

	// DroppedTriggersTotal 任务仍在执行时到点的触发被丢弃
	DroppedTriggersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autobackup_dropped_triggers_total",
			Help: "Scheduled triggers dropped because the task was still running",
		},
	)
)

func RecordRun(storage, status, code string, d time.Duration) {
	RunsTotal.WithLabelValues(storage, status, code).Inc()
	RunDuration.WithLabelValues(storage).Observe(d.Seconds())
}

func RecordRetention(deleted, failed int) {
	RetentionDeletedTotal.WithLabelValues("deleted").Add(float64(deleted))
	RetentionDeletedTotal.WithLabelValues("failed").Add(float64(failed))
}
