// Package metrics is the service's ambient operational surface: request
// counters by route/status, queue depth, and pipeline stage duration. It
// is deliberately separate from the query layer's result data — nothing
// here is part of the read-only tool API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the collectors the request surface and pipeline worker
// publish to, all registered against a private prometheus.Registry so
// tests can spin up as many instances as needed without collector
// registration collisions.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	QueueDepth prometheus.Gauge

	PipelineStageDuration *prometheus.HistogramVec
	PipelineStageFailures *prometheus.CounterVec

	RateLimitRejections *prometheus.CounterVec
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
}

// New builds and registers a fresh set of collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memvid_export_http_requests_total",
			Help: "Total HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memvid_export_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memvid_export_queue_depth",
			Help: "Number of export jobs waiting in the queue.",
		}),

		PipelineStageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memvid_export_pipeline_stage_duration_seconds",
			Help:    "Export pipeline stage duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		PipelineStageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memvid_export_pipeline_stage_failures_total",
			Help: "Export pipeline stage failures by stage.",
		}, []string{"stage"}),

		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memvid_export_rate_limit_rejections_total",
			Help: "Requests rejected by the token bucket rate limiter, by surface.",
		}, []string{"surface"}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "memvid_export_query_cache_hits_total",
			Help: "Query cache hits.",
		}),

		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "memvid_export_query_cache_misses_total",
			Help: "Query cache misses.",
		}),
	}
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor mounts.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
