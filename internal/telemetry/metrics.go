package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsQueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ffmpeg_batch_jobs_queued_total", Help: "Jobs written to the queue"})
	JobsDuplicated = prometheus.NewCounter(prometheus.CounterOpts{Name: "ffmpeg_batch_jobs_duplicate_total", Help: "Submissions answered with an outstanding job"})
	JobsCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ffmpeg_batch_jobs_completed_total", Help: "Jobs moved to a terminal state"}, []string{"status"})
	JobsRunning    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ffmpeg_batch_jobs_running", Help: "Jobs currently executing"})
	JobDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ffmpeg_batch_job_duration_seconds",
		Help:    "Script execution time",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
	JobsCleaned     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ffmpeg_batch_jobs_cleaned_total", Help: "Completed jobs removed by retention"})
	WatchPromotions = prometheus.NewCounter(prometheus.CounterOpts{Name: "ffmpeg_batch_watch_promoted_total", Help: "Watch directories marked ready"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsQueued,
			JobsDuplicated,
			JobsCompleted,
			JobsRunning,
			JobDuration,
			JobsCleaned,
			WatchPromotions,
		)
	})
	return promhttp.Handler()
}
