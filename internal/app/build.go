package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/watchtrack/internal/config"
	"github.com/ent0n29/watchtrack/internal/httpapi"
	"github.com/ent0n29/watchtrack/internal/ingest"
	"github.com/ent0n29/watchtrack/internal/observability"
	"github.com/ent0n29/watchtrack/internal/session"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Metrics    *observability.Metrics
	Ingest     *ingest.Service
	IngestMode string

	// Cleanup should be called on shutdown to release external resources (DB, redis, etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetricsWith(reg, cfg.MetricsNamespace)

	var (
		store      ingest.Store
		ingestSvc  *ingest.Service
		ingestH    *ingest.Handler
		ingestMode = "disabled"
	)
	if cfg.IngestEnabled {
		s, mode, err := ingest.NewStore(ctx, ingest.StoreOptions{
			DatabaseURL: cfg.DatabaseURL,
			SQLitePath:  cfg.IngestSQLitePath,
			RedisURL:    cfg.IngestRedisURL,
		})
		if err != nil {
			return nil, fmt.Errorf("ingest store init failed: %w", err)
		}
		store = s
		ingestMode = mode
		ingestSvc = ingest.NewService(store)
		ingestH = ingest.NewHandler(ingestSvc, logger, metrics.ObserveIngest)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Info("session expired", "session_id", s.ID, "resource", s.ResourcePath)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, metrics, ingestH, logger)

	cleanup := func() error {
		var errs []string
		if store != nil {
			if err := store.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Metrics:    metrics,
		Ingest:     ingestSvc,
		IngestMode: ingestMode,
		Cleanup:    cleanup,
	}, nil
}
