package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"vanityhub/ledger/internal/app"
	"vanityhub/ledger/internal/config"
	"vanityhub/ledger/internal/cron"
	"vanityhub/ledger/internal/httpapi"
	"vanityhub/ledger/internal/logger"
	"vanityhub/ledger/internal/metrics"
)

const (
	cronLockKey     = "cron:" + cron.CleanupJobName
	shutdownTimeout = 8 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "ledger"})
	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	logg = newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "ledger stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "server stopped")
}

func newLogger(cfg config.Config) *logger.Logger {
	return logger.New(logger.Options{
		ServiceName: cfg.ServiceName,
		Level:       logger.ParseLevel(cfg.LogLevel),
		Format:      cfg.LogFormat,
		WarnStack:   cfg.LogWarnStack,
	})
}

func run(ctx context.Context, cfg config.Config, logg *logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ledger, err := app.Build(startCtx, cfg, logg, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logg.Error(context.Background(), "close error", err)
		}
	}()
	if err := ledger.Service.Init(startCtx); err != nil {
		return err
	}

	scheduler, err := newScheduler(cfg, ledger, logg, reg)
	if err != nil {
		return err
	}

	api := httpapi.New(ledger.Service, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Metrics:       metrics.Handler(reg),
		Logger:        logg,
	})
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logg.Info(logg.WithField(gctx, "addr", cfg.Address()), "ledger listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newScheduler runs cleanup periodically. The first cycle is skipped because
// Init already ran the bootstrap cleanup.
func newScheduler(cfg config.Config, ledger *app.App, logg *logger.Logger, reg prometheus.Registerer) (*cron.Service, error) {
	job, err := cron.NewCleanupJob(ledger.Service, logg)
	if err != nil {
		return nil, err
	}
	cronLock, err := cron.NewLockerLock(ledger.Locker, cronLockKey, 0)
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.ServiceParams{
		Logger:       logg,
		Registry:     cron.NewRegistry(job),
		Lock:         cronLock,
		Metrics:      metrics.NewCronJobMetrics(reg),
		Interval:     cfg.CleanupInterval,
		SkipFirstRun: true,
	})
}
