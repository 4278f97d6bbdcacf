package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterCoordMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoordMetrics(reg)
	AcquiredCounter.WithLabelValues(KindLease).Inc()
	ContendedCounter.WithLabelValues(KindSemaphore).Inc()
	TimeoutCounter.WithLabelValues(KindLease).Inc()
	ReleasedCounter.WithLabelValues(KindLease).Inc()
	HandlerFailureCounter.WithLabelValues("zset:recent:").Inc()
	CleanerEvictedCounter.Add(3)
	CleanerCandidatesGauge.Set(5)
	RowRefreshedCounter.Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 8 {
		t.Fatalf("expected metrics registered, got %d families", len(mfs))
	}
	if got := testutil.ToFloat64(CleanerCandidatesGauge); got != 5 {
		t.Fatalf("expected gauge 5, got %v", got)
	}
}

func TestRegisterCoordMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoordMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoordMetrics(reg)
}
