// Package metrics provides Prometheus metrics for remote runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for remote runs. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration prometheus.Histogram

	// Patch metrics
	PatchBytes   prometheus.Histogram
	PatchRecords prometheus.Histogram
	SkippedFiles prometheus.Counter

	// Server interaction
	UploadDuration prometheus.Histogram
	RequestErrors  *prometheus.CounterVec
	StatusPolls    prometheus.Counter
	BuildsQueued   prometheus.Counter
	BuildOutcomes  *prometheus.CounterVec
}

// Init registers metrics with the default registry. Call this once at
// startup.
func Init(namespace string) *Metrics {
	return New(namespace, prometheus.DefaultRegisterer)
}

// New creates metrics registered with reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "remote_run"
	}
	f := promauto.With(reg)

	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of remote runs by result",
			},
			[]string{"result"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a remote run from patch to verdict",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
			},
		),
		PatchBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "patch_bytes",
				Help:      "Size of uploaded patches in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 15), // 1KB to ~32MB
			},
		),
		PatchRecords: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "patch_records",
				Help:      "Number of file records per patch",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		SkippedFiles: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_files_total",
				Help:      "Total number of changed files left out of patches",
			},
		),
		UploadDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time to upload a patch",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),
		RequestErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_errors_total",
				Help:      "Total number of failed server requests by operation",
			},
			[]string{"operation"},
		),
		StatusPolls: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_polls_total",
				Help:      "Total number of build status requests",
			},
		),
		BuildsQueued: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_queued_total",
				Help:      "Total number of personal builds queued",
			},
		),
		BuildOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_outcomes_total",
				Help:      "Total number of finished personal builds by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncRuns increments the run counter for result.
func (m *Metrics) IncRuns(result string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(result).Inc()
}

// ObserveRunDuration records the total run time.
func (m *Metrics) ObserveRunDuration(seconds float64) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(seconds)
}

// ObservePatch records the size of a prepared patch.
func (m *Metrics) ObservePatch(bytes int64, records, skipped int) {
	if m == nil {
		return
	}
	m.PatchBytes.Observe(float64(bytes))
	m.PatchRecords.Observe(float64(records))
	m.SkippedFiles.Add(float64(skipped))
}

// ObserveUploadDuration records the patch upload time.
func (m *Metrics) ObserveUploadDuration(seconds float64) {
	if m == nil {
		return
	}
	m.UploadDuration.Observe(seconds)
}

// IncRequestErrors increments the error counter for operation.
func (m *Metrics) IncRequestErrors(operation string) {
	if m == nil {
		return
	}
	m.RequestErrors.WithLabelValues(operation).Inc()
}

// IncStatusPolls increments the status request counter.
func (m *Metrics) IncStatusPolls() {
	if m == nil {
		return
	}
	m.StatusPolls.Inc()
}

// AddBuildsQueued adds n queued builds.
func (m *Metrics) AddBuildsQueued(n int) {
	if m == nil {
		return
	}
	m.BuildsQueued.Add(float64(n))
}

// IncBuildOutcome counts a finished build.
func (m *Metrics) IncBuildOutcome(outcome string) {
	if m == nil {
		return
	}
	m.BuildOutcomes.WithLabelValues(outcome).Inc()
}
