// Command exportd runs the memvid export API: it wires the job registry,
// event log, export pipeline worker, retention collector, and HTTP
// surface together and serves until it receives a termination signal.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/memvid-export-api/internal/capsule"
	"github.com/jordigilh/memvid-export-api/internal/config"
	"github.com/jordigilh/memvid-export-api/internal/eventlog"
	"github.com/jordigilh/memvid-export-api/internal/httpapi"
	"github.com/jordigilh/memvid-export-api/internal/metrics"
	"github.com/jordigilh/memvid-export-api/internal/pipeline"
	"github.com/jordigilh/memvid-export-api/internal/querycache"
	"github.com/jordigilh/memvid-export-api/internal/ratelimit"
	"github.com/jordigilh/memvid-export-api/internal/registry"
	"github.com/jordigilh/memvid-export-api/internal/remoteexec"
	"github.com/jordigilh/memvid-export-api/internal/retention"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
	"github.com/jordigilh/memvid-export-api/internal/tools"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Defaults()
	cfg.BearerKey = os.Getenv("EXPORT_BEARER_KEY")
	if cfg.BearerKey == "" {
		return nil, errors.New("EXPORT_BEARER_KEY must be set when no config file is given")
	}
	return &cfg, nil
}

func run(cfg *config.Config, log *logrus.Logger) error {
	reg := registry.New()
	bus := eventlog.NewBus()
	events := eventlog.New(reg, bus)
	m := metrics.New()
	limiter := ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	query := querycache.New(cfg.CacheCapacity)
	toolReg := tools.NewRegistry()

	cache := sideindex.NewCache(capsule.NewRebuildSource(), log)

	var remoteExecutor remoteexec.RemoteExecutor
	if cfg.BackendMode == config.BackendRemote {
		remoteExecutor = remoteexec.NewHTTPExecutor(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.ExecutionTimeout)
	}

	worker := pipeline.NewWithMetrics(reg, events, capsule.NewLocalWriter(), remoteExecutor, *cfg, log, m)
	collector := retention.New(reg, bus, log)

	srv := httpapi.New(httpapi.Deps{
		Config:  *cfg,
		Reg:     reg,
		Events:  events,
		Bus:     bus,
		Worker:  worker,
		Tools:   toolReg,
		Cache:   cache,
		Query:   query,
		Limiter: limiter,
		Metrics: m,
		Log:     log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(ctx)
	go collector.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.BindAddress,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.BindAddress).Info("exportd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
