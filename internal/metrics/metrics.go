// Package metrics holds the Prometheus collectors shared by the API and the
// worker processes.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nnunet"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "submissions_total",
			Help:      "Prediction submissions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	derivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "derive",
			Name:      "artifacts_total",
			Help:      "Derived artifact lookups by artifact kind and outcome (generated, cached, failed).",
		},
		[]string{"artifact", "outcome"},
	)
	derivationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "derive",
			Name:      "generate_duration_seconds",
			Help:      "Time spent generating a derived artifact.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"artifact"},
	)
	workerJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Work items executed by outcome.",
		},
		[]string{"outcome"},
	)
	workerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall time of the external predictor.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			submissions,
			derivations, derivationDuration,
			workerJobs, workerDuration,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSubmission(kind string, err error) {
	Register()
	submissions.WithLabelValues(kind, outcome(err)).Inc()
}

// RecordDerivation counts one derived artifact lookup. duration is only
// observed for generated artifacts.
func RecordDerivation(artifact, result string, duration time.Duration) {
	Register()
	derivations.WithLabelValues(artifact, result).Inc()
	if result == "generated" {
		derivationDuration.WithLabelValues(artifact).Observe(duration.Seconds())
	}
}

func RecordWorkerJob(status string, duration time.Duration) {
	Register()
	workerJobs.WithLabelValues(status).Inc()
	workerDuration.Observe(duration.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
