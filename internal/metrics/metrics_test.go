package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.IncRuns("checked")
	m.IncRuns("checked")
	m.IncRuns("failed")
	m.ObservePatch(2048, 3, 2)
	m.IncRequestErrors("upload")
	m.AddBuildsQueued(2)
	m.IncBuildOutcome("SUCCESS")

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("checked")); got != 2 {
		t.Errorf("runs_total{checked} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SkippedFiles); got != 2 {
		t.Errorf("skipped_files_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BuildsQueued); got != 2 {
		t.Errorf("builds_queued_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestErrors.WithLabelValues("upload")); got != 1 {
		t.Errorf("request_errors_total{upload} = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncRuns("checked")
	m.ObserveRunDuration(1)
	m.ObservePatch(1, 1, 1)
	m.ObserveUploadDuration(1)
	m.IncRequestErrors("x")
	m.IncStatusPolls()
	m.AddBuildsQueued(1)
	m.IncBuildOutcome("SUCCESS")
}
