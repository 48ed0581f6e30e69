package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/watchtrack/internal/app"
	"github.com/ent0n29/watchtrack/internal/config"
	"github.com/ent0n29/watchtrack/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.New("watchtrack", cfg.LogLevel)

	ctx := context.Background()
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("build failed: %v", err)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info("server listening",
			"addr", cfg.BindAddr,
			"backend_url", cfg.BackendURL,
			"throttle", cfg.ThrottleInterval,
			"ingest_store", built.IngestMode,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
