package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "catalogsync",
	Subsystem: "connector",
	Name:      "api_requests_total",
}, []string{"operation", "result"})

var APIDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "catalogsync",
	Subsystem: "connector",
	Name:      "api_request_duration_seconds",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"operation"})

var RecordsAdjusted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "catalogsync",
	Subsystem: "connector",
	Name:      "oversize_records_total",
}, []string{"outcome"})

var QueueJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "catalogsync",
	Subsystem: "queue",
	Name:      "jobs_total",
}, []string{"class", "method", "result"})

var QueueRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "catalogsync",
	Subsystem: "queue",
	Name:      "run_duration_seconds",
	Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
})

var QueuePending = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "catalogsync",
	Subsystem: "queue",
	Name:      "pending_jobs",
})

var ReplicaSyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "catalogsync",
	Subsystem: "replicas",
	Name:      "syncs_total",
}, []string{"operation", "result"})

func init() {
	prometheus.MustRegister(
		APIRequests,
		APIDuration,
		RecordsAdjusted,
		QueueJobs,
		QueueRunDuration,
		QueuePending,
		ReplicaSyncs,
	)
}

func observeAPI(operation string, start time.Time, err error) {
	APIRequests.WithLabelValues(operation, resultLabel(err)).Inc()
	APIDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
