package metrics_test

import (
	"testing"

	"github.com/jordigilh/memvid-export-api/internal/metrics"
)

func TestNewRegistersWithoutPanic(t *testing.T) {
	m := metrics.New()
	m.RequestsTotal.WithLabelValues("/v1/exports", "POST", "202").Inc()
	m.RequestDuration.WithLabelValues("/v1/exports", "POST").Observe(0.05)
	m.QueueDepth.Set(3)
	m.PipelineStageDuration.WithLabelValues("transform").Observe(1.2)
	m.PipelineStageFailures.WithLabelValues("write-capsule").Inc()
	m.RateLimitRejections.WithLabelValues("http").Inc()
	m.CacheHits.Inc()
	m.CacheMisses.Inc()

	mfs, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one metric family after recording values")
	}
}

func TestNewInstancesDoNotCollide(t *testing.T) {
	a := metrics.New()
	b := metrics.New()
	a.CacheHits.Inc()
	b.CacheHits.Inc()
	// Each Registry owns a private prometheus.Registry, so constructing a
	// second instance must not panic on duplicate collector registration.
}
