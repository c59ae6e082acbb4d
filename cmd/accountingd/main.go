// Package main runs the accounting engine daemon: the domain services, the
// pending-transfer sweep and the metrics listener.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencommons/accounting/internal/app"
	"github.com/opencommons/accounting/internal/app/metrics"
	"github.com/opencommons/accounting/internal/app/storage/postgres"
	"github.com/opencommons/accounting/internal/config"
	"github.com/opencommons/accounting/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("accounting").WithError(err).Error("load configuration")
		os.Exit(1)
	}
	log := logger.New(cfg.Logging)
	defer log.Sync()

	opts := app.Options{
		SweepEnabled:  cfg.Sweep.Enabled,
		SweepSchedule: cfg.Sweep.Schedule,
	}
	if cfg.Database.DSN != "" {
		db, err := postgres.Open(cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Error("connect to database")
			os.Exit(1)
		}
		defer db.Close()
		if cfg.Database.Migrate {
			if err := postgres.Migrate(db); err != nil {
				log.WithError(err).Error("migrate database")
				os.Exit(1)
			}
		}
		opts.Store = postgres.New(db)
	} else {
		log.Warn("DATABASE_URL not set; using the in-memory store")
	}

	application, err := app.New(opts, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("metrics listener started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics listener failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics listener shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
}
