package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/livinlefevreloca/deferral/internal/api"
	"github.com/livinlefevreloca/deferral/internal/metrics"
	"github.com/livinlefevreloca/deferral/internal/scheduler"
	"github.com/livinlefevreloca/deferral/internal/store"
	"github.com/livinlefevreloca/deferral/internal/webhook"
	"github.com/urfave/cli"
)

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	logger.Info("starting deferral", "version", version, "config_file", ctx.GlobalString("config"))
	logger.Info("database configuration",
		"driver", cfg.Database.Driver,
		"dsn", cfg.Database.DSN)

	st, err := store.Open(cfg.Database)
	if err != nil {
		logger.Error("failed to open store", "error", err, "driver", cfg.Database.Driver)
		return err
	}
	defer st.Close()

	if info, err := store.Describe(st); err != nil {
		logger.Warn("failed to describe store", "error", err)
	} else {
		logger.Info("store ready", "items", info.Items, "schema_version", info.SchemaVersion)
	}

	var opts []scheduler.Option
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
		opts = append(opts, scheduler.WithMetrics(m))
	}

	handler := webhook.New(cfg.Webhook, logger.With("component", "webhook"))

	// Items already overdue are reported here, before the loop starts
	sched, err := scheduler.New(cfg.Scheduler, cfg.Syncer, st, handler, logger.With("component", "scheduler"), opts...)
	if err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)

	var apiServer *api.Server
	if cfg.HTTP.Enabled {
		// A zero metrics port shares the API listener
		var shared *metrics.Metrics
		if cfg.Metrics.Port == 0 {
			shared = m
		}
		apiServer = api.NewServer(cfg.HTTP, sched, shared, logger.With("component", "api"))
		go func() {
			if err := apiServer.Start(); err != nil {
				errs <- err
			}
		}()
	}

	var metricsServer *echo.Echo
	if m != nil && cfg.Metrics.Port != 0 {
		metricsServer = echo.New()
		metricsServer.HideBanner = true
		metricsServer.HidePort = true
		m.RegisterRoutes(metricsServer, cfg.Metrics.Path)

		logger.Info("metrics listening", "address", cfg.Metrics.Addr(), "path", cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(cfg.Metrics.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	go func() {
		if err := sched.Run(runCtx); err != nil {
			errs <- err
		}
	}()

	var runErr error
	select {
	case <-runCtx.Done():
		logger.Info("shutting down gracefully")
	case <-sched.Done():
		logger.Warn("scheduler stopped on its own")
	case runErr = <-errs:
		logger.Error("component failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http api shutdown failed", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}

	sched.Shutdown()
	// Allow for the loop's own drain and cancellation phases
	select {
	case <-sched.Done():
	case <-time.After(3*cfg.Scheduler.ShutdownTimeout + cfg.Scheduler.LoopInterval):
		logger.Error("scheduler did not stop in time")
	}

	logger.Info("deferral stopped")
	return runErr
}
