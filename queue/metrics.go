package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debts_queue_jobs_enqueued_total",
		Help: "Jobs enqueued, by job type and whether a live keyed job was reused.",
	}, []string{"job_type", "existing"})

	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debts_queue_jobs_processed_total",
		Help: "Job deliveries, by job type and outcome (completed, retry, dead, failed).",
	}, []string{"job_type", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "debts_queue_job_duration_seconds",
		Help:    "Handler duration per delivery.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})
)

func countEnqueued(jobType string, existing bool) {
	label := "false"
	if existing {
		label = "true"
	}
	jobsEnqueued.WithLabelValues(jobType, label).Inc()
}
