package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	depth := 3.0
	RegisterQueueDepth(reg, func() float64 { return depth })

	read := func() float64 {
		t.Helper()
		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("gather: %v", err)
		}
		for _, family := range families {
			if family.GetName() == "meridian_jobs_queue_depth" {
				return family.GetMetric()[0].GetGauge().GetValue()
			}
		}
		t.Fatal("queue depth gauge not registered")
		return 0
	}

	if got := read(); got != 3 {
		t.Fatalf("gauge = %v, want 3", got)
	}
	depth = 0
	if got := read(); got != 0 {
		t.Fatalf("gauge = %v, want 0 after the queue drained", got)
	}
}
