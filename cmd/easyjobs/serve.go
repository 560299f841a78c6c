package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/api"
	"github.com/djlord-it/easy-jobs/internal/config"
	"github.com/djlord-it/easy-jobs/internal/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, rule engine and dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runServe(cfg, logger)
		},
	}
}

func runServe(cfg config.Config, logger *zap.SugaredLogger) error {
	logConfigWarnings(cfg, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	startCtx, cancel := context.WithTimeout(context.Background(), cfg.DBOpTimeout*4)
	rt, err := buildRuntime(startCtx, cfg, logger, reg)
	cancel()
	if err != nil {
		return err
	}
	defer rt.close()

	handler := newAPIHandler(rt, reg)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler,
	}

	rt.start()

	serverErr := make(chan error, 1)
	go func() {
		logger.Infow("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Infow("started",
		"version", version,
		"store", cfg.StoreDriver,
		"rules", cfg.RuleStore,
		"tick", cfg.TickInterval,
		"workers", cfg.DispatcherWorkers,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	var runErr error
	select {
	case received := <-sig:
		logger.Infow("received signal, shutting down", "signal", received.String())
	case err := <-serverErr:
		logger.Errorw("http server failed, shutting down", "error", err)
		runErr = errors.Wrap(err, "http server")
	}

	// Producers stop first so the dispatcher can drain what they emitted.
	rt.shutdown()

	logger.Info("stopping http server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http server shutdown error", "error", err)
	}

	logger.Info("stopped")
	return runErr
}

func newAPIHandler(rt *runtime, gatherer prometheus.Gatherer) *api.Handler {
	h := api.NewHandler(rt.jobs, rt.ledger).WithLogger(rt.logger.Named("api"))
	for name, check := range rt.healthChecks() {
		h = h.WithHealthCheck(name, check)
	}
	if rt.cfg.MetricsEnabled && gatherer != nil {
		h = h.WithMetricsHandler(rt.cfg.MetricsPath, metrics.Handler(gatherer))
		rt.logger.Infow("metrics enabled", "path", rt.cfg.MetricsPath)
	}
	return h
}
