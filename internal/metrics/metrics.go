// Package metrics exposes the Prometheus counters and histograms named in
// SPEC_FULL.md §4.J, registered against a plain prometheus.Registry rather
// than controller-runtime's shared one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "confbackup"

var (
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Total number of backup jobs reaching a terminal status.",
	}, []string{"status"})

	JobDevicesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_devices_total",
		Help:      "Total number of per-device backup attempts.",
	}, []string{"status"})

	JobDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of a backup job from start to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	GiteaCommitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gitea_commit_total",
		Help:      "Total number of Gitea commit attempts.",
	}, []string{"result"})
)

// Registry is the process-wide metrics registry served at /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(JobsTotal, JobDevicesTotal, JobDurationSeconds, GiteaCommitTotal)
}

// Handler returns the /metrics HTTP handler (spec.md §6 external interfaces).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordJob records a job's terminal status.
func RecordJob(status string) {
	JobsTotal.With(prometheus.Labels{"status": status}).Inc()
}

// RecordJobDuration records a completed job's wall-clock duration.
func RecordJobDuration(seconds float64) {
	JobDurationSeconds.Observe(seconds)
}

// RecordDeviceResult records one device's terminal result within a job.
func RecordDeviceResult(status string) {
	JobDevicesTotal.With(prometheus.Labels{"status": status}).Inc()
}

// RecordGiteaCommit records the outcome of a single commit_config call.
func RecordGiteaCommit(result string) {
	GiteaCommitTotal.With(prometheus.Labels{"result": result}).Inc()
}
