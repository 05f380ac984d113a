// Package httpapi is the request surface (spec.md §4.9): a chi router
// exposing job submission/status/cancellation, event history and
// streaming, artifact download, and the /mcp JSON-RPC tool-call endpoint.
// Handlers validate, delegate to the registry/pipeline/tool layers, and
// map domain errors to the wire codes in spec.md §7 — no business logic
// lives here.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/memvid-export-api/internal/config"
	"github.com/jordigilh/memvid-export-api/internal/eventlog"
	"github.com/jordigilh/memvid-export-api/internal/metrics"
	"github.com/jordigilh/memvid-export-api/internal/pipeline"
	"github.com/jordigilh/memvid-export-api/internal/querycache"
	"github.com/jordigilh/memvid-export-api/internal/ratelimit"
	"github.com/jordigilh/memvid-export-api/internal/registry"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
	"github.com/jordigilh/memvid-export-api/internal/tools"
)

// Clock is overridable for deterministic tests.
type Clock func() time.Time

// Server bundles every collaborator a handler needs. It holds no
// mutable state of its own beyond what it was constructed with.
type Server struct {
	cfg config.Config

	reg    *registry.Registry
	events *eventlog.Log
	bus    *eventlog.Bus
	worker *pipeline.Worker

	toolReg *tools.Registry
	cache   *sideindex.Cache
	query   *querycache.Cache

	limiter *ratelimit.Limiter
	metrics *metrics.Registry

	log   *logrus.Logger
	clock Clock

	newJobID func() string
}

// Deps carries every collaborator New needs, named rather than
// positional since the list is long and several share a type.
type Deps struct {
	Config  config.Config
	Reg     *registry.Registry
	Events  *eventlog.Log
	Bus     *eventlog.Bus
	Worker  *pipeline.Worker
	Tools   *tools.Registry
	Cache   *sideindex.Cache
	Query   *querycache.Cache
	Limiter *ratelimit.Limiter
	Metrics *metrics.Registry
	Log     *logrus.Logger
}

func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		cfg:      d.Config,
		reg:      d.Reg,
		events:   d.Events,
		bus:      d.Bus,
		worker:   d.Worker,
		toolReg:  d.Tools,
		cache:    d.Cache,
		query:    d.Query,
		limiter:  d.Limiter,
		metrics:  d.Metrics,
		log:      log,
		clock:    time.Now,
		newJobID: func() string { return uuid.NewString() },
	}
}

// Router builds the full middleware stack and route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		MaxAge:           300,
	}))
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(s.recoverPanic)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))

	r.Group(func(pr chi.Router) {
		pr.Use(s.authenticate)
		pr.Use(s.rateLimit)

		pr.Route("/v1/exports", func(er chi.Router) {
			er.With(s.bodySizeCap).Post("/", s.handleSubmitExport)
			er.Get("/{jobID}", s.handleJobStatus)
			er.Delete("/{jobID}", s.handleCancelJob)
			er.Get("/{jobID}/events", s.handleJobEvents)
			er.Get("/{jobID}/events/stream", s.handleJobEventsStream)
			er.Get("/{jobID}/download", s.handleDownload)
		})

		pr.Post("/mcp", s.handleMCP)
	})

	return r
}
