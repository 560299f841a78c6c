package main

import (
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/config"
)

// logConfigWarnings reports configurations that run but weaken delivery
// guarantees or visibility.
func logConfigWarnings(cfg config.Config, logger *zap.SugaredLogger) {
	for _, w := range cfg.Warnings {
		logger.Warnw("config value ignored", "detail", w)
	}

	if !cfg.ReconcileEnabled {
		logger.Warnw("reconciler disabled: orphaned jobs, lost fires and abandoned invocations will not be repaired",
			"env", "RECONCILE_ENABLED=false")
	}
	if !cfg.MetricsEnabled {
		logger.Warnw("metrics disabled: engine and dispatcher health is not observable",
			"env", "METRICS_ENABLED=false")
	}
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warnw("memory store selected: jobs, rules and history are lost on exit",
			"env", "STORE_DRIVER=memory")
	}
	if cfg.LeaderElection && cfg.StoreDriver != config.DriverPostgres {
		logger.Infow("leader election needs postgres; this instance runs the rule engine unconditionally",
			"store_driver", cfg.StoreDriver)
	}
	if cfg.StoreDriver == config.DriverSQLite && cfg.DispatcherWorkers > 1 {
		logger.Infow("sqlite allows a single writer; dispatcher workers share one connection",
			"workers", cfg.DispatcherWorkers)
	}
}
