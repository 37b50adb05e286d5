package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"offlinequeue/internal/api"
	"offlinequeue/internal/config"
	"offlinequeue/internal/connectivity"
	"offlinequeue/internal/database"
	"offlinequeue/internal/events"
	"offlinequeue/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the long-running daemon command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync loop, retention janitor and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	a, err := newApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.syncer == nil {
		return errRemoteNotConfigured
	}

	cfg, monitor, logger := a.cfg, a.monitor, a.logger
	subscribeEventLog(a.bus, &logger)
	startMetrics(ctx, cfg, &logger)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { _ = a.service.Run(ctx) })
	spawn(func() { a.janitor.Start(ctx) })

	if a.db != nil && cfg.Backup.Enabled {
		backups := database.NewBackupService(a.db, cfg.Backup, &logger)
		spawn(func() { backups.Start(ctx) })
	}

	if cfg.Connectivity.StateFile != "" {
		source := connectivity.NewFileSource(cfg.Connectivity.StateFile, monitor, &logger)
		spawn(func() {
			if err := source.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("connectivity watcher stopped")
			}
		})
	}

	monitor.Start(ctx)

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, a.service, monitor, &logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().
		Str("driver", cfg.Database.Driver).
		Bool("online", monitor.Online()).
		Bool("api", cfg.API.Enabled).
		Msg("offline queue started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	monitor.Stop()
	wg.Wait()

	logger.Info().Msg("offline queue stopped")
	return nil
}

// subscribeEventLog mirrors queue events into the log at debug level.
func subscribeEventLog(bus *events.EventBus, logger *zerolog.Logger) {
	for _, eventType := range []string{
		events.EventSyncRequested,
		events.EventSyncComplete,
		events.EventOperationFailed,
		events.EventOperationPurged,
	} {
		bus.Subscribe(eventType, func(event *events.Event) error {
			logger.Debug().Str("event", event.Type).RawJSON("payload", event.Payload).Msg("queue event")
			return nil
		})
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
