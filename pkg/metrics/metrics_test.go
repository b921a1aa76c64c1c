package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/goliatone/go-flagstate/pkg/metrics"
)

func TestMetricsRecord(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObserveLoad("features", metrics.OutcomeSuccess, 10*time.Millisecond)
	m.ObserveLoad("features", metrics.OutcomeSuperseded, 0)
	m.ObserveMutation("features", metrics.Outcome(errors.New("x")))
	m.ObserveTransition("commit", metrics.OutcomeSuccess)
	m.ObserveDispatch("ToggleFlag", metrics.OutcomeSuccess)

	if got := testutil.ToFloat64(m.CacheLoads.WithLabelValues("features", "success")); got != 1 {
		t.Fatalf("expected 1 load, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheLoads.WithLabelValues("features", "superseded")); got != 1 {
		t.Fatalf("expected 1 superseded load, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheMutations.WithLabelValues("features", "error")); got != 1 {
		t.Fatalf("expected 1 failed mutation, got %v", got)
	}
	if got := testutil.ToFloat64(m.WorkflowTransitions.WithLabelValues("commit", "success")); got != 1 {
		t.Fatalf("expected 1 commit, got %v", got)
	}

	done := m.Track("features", "save")
	if got := testutil.ToFloat64(m.InFlight.WithLabelValues("features", "save")); got != 1 {
		t.Fatalf("expected 1 in flight, got %v", got)
	}
	done()
	if got := testutil.ToFloat64(m.InFlight.WithLabelValues("features", "save")); got != 0 {
		t.Fatalf("expected 0 in flight, got %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveLoad("a", metrics.OutcomeSuccess, time.Second)
	m.ObserveMutation("a", metrics.OutcomeError)
	m.ObserveTransition("approve", metrics.OutcomeSuccess)
	m.ObserveDispatch("x", metrics.OutcomeSuccess)
	m.Track("a", "load")()
}
