package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestInitializeMetricsPopulatesLabels(t *testing.T) {
	InitializeMetrics()

	// A pre-populated vec child must exist with value zero.
	g, err := JobsByState.GetMetricWithLabelValues("queued")
	if err != nil {
		t.Fatalf("JobsByState queued child missing: %v", err)
	}
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("writing metric: %v", err)
	}
	if m.GetGauge().GetValue() != 0 {
		t.Errorf("fresh gauge value = %v, want 0", m.GetGauge().GetValue())
	}
}

func TestCountersIncrement(t *testing.T) {
	before := counterValue(t, SegmentsWrittenTotal)
	SegmentsWrittenTotal.Inc()
	after := counterValue(t, SegmentsWrittenTotal)
	if after != before+1 {
		t.Errorf("SegmentsWrittenTotal went %v -> %v, want +1", before, after)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("writing counter: %v", err)
	}
	return m.GetCounter().GetValue()
}
