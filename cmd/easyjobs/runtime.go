package main

import (
	"context"
	"database/sql"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/analytics"
	"github.com/djlord-it/easy-jobs/internal/api"
	"github.com/djlord-it/easy-jobs/internal/circuitbreaker"
	"github.com/djlord-it/easy-jobs/internal/config"
	"github.com/djlord-it/easy-jobs/internal/cron"
	"github.com/djlord-it/easy-jobs/internal/dispatcher"
	"github.com/djlord-it/easy-jobs/internal/executor"
	"github.com/djlord-it/easy-jobs/internal/jobs"
	"github.com/djlord-it/easy-jobs/internal/leaderelection"
	"github.com/djlord-it/easy-jobs/internal/ledger"
	"github.com/djlord-it/easy-jobs/internal/metrics"
	"github.com/djlord-it/easy-jobs/internal/reconciler"
	"github.com/djlord-it/easy-jobs/internal/rules"
	"github.com/djlord-it/easy-jobs/internal/store/memory"
	"github.com/djlord-it/easy-jobs/internal/store/redisrules"
	"github.com/djlord-it/easy-jobs/internal/store/sqlstore"
	"github.com/djlord-it/easy-jobs/internal/transport/channel"
)

// jobStore is what every component needs from the primary store.
type jobStore interface {
	jobs.Store
	ledger.Store
	reconciler.Store
	api.HealthChecker
}

type ruleStore interface {
	rules.Store
	reconciler.ClaimedRules
	api.HealthChecker
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// runtime owns the long-lived components shared by serve and mcp.
type runtime struct {
	cfg    config.Config
	logger *zap.SugaredLogger

	db     *sql.DB
	redis  *redis.Client
	store  jobStore
	rules  ruleStore
	sink   *metrics.PrometheusSink
	parser *cron.Parser

	bus        *channel.EventBus
	engine     *rules.Engine
	ledger     *ledger.Ledger
	jobs       *jobs.Service
	dispatcher *dispatcher.Dispatcher
	reconciler *reconciler.Reconciler

	dispatchCancel context.CancelFunc
	dispatchWg     sync.WaitGroup
	leaderCancel   context.CancelFunc
	leaderWg       sync.WaitGroup
	duties         *leaderDuties
}

// buildRuntime opens the configured stores and wires every component.
// reg may be nil to disable metrics.
func buildRuntime(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, reg prometheus.Registerer) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, parser: cron.NewParser()}

	if err := rt.openStores(ctx); err != nil {
		rt.close()
		return nil, err
	}

	if reg != nil && cfg.MetricsEnabled {
		rt.sink = metrics.NewPrometheusSink(reg, logger.Named("metrics"))
	}

	var busOpts []channel.Option
	if rt.sink != nil {
		busOpts = append(busOpts, channel.WithMetrics(rt.sink))
	}
	rt.bus = channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	parse := rules.ParserFunc(func(expr string) (rules.CronSchedule, error) { return rt.parser.Parse(expr) })
	rt.engine = rules.New(rules.Config{TickInterval: cfg.TickInterval, BatchSize: cfg.RuleBatchSize}, rt.rules, parse, rt.bus).
		WithLogger(logger.Named("rules"))

	rt.ledger = ledger.New(rt.store).WithLogger(logger.Named("ledger"))
	rt.jobs = jobs.NewService(rt.store, rt.engine, rt.bus, rt.parser).WithLogger(logger.Named("jobs"))

	rt.dispatcher = dispatcher.New(rt.store, rt.ledger, rt.engine, rt.executors()).
		WithLogger(logger.Named("dispatcher")).
		WithExecutionTimeout(cfg.ExecutionTimeout).
		WithDrainTimeout(cfg.DispatcherDrainTimeout).
		WithWorkers(cfg.DispatcherWorkers).
		WithRateLimit(cfg.DispatchRateLimit, cfg.DispatcherWorkers)

	if cfg.AnalyticsEnabled {
		sink := analytics.NewRedisSink(rt.redis, analytics.Config{Window: cfg.AnalyticsWindow}).
			WithLogger(logger.Named("analytics"))
		rt.dispatcher = rt.dispatcher.WithAnalytics(sink)
	}

	if cfg.ReconcileEnabled {
		rt.reconciler = reconciler.New(
			reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: cfg.ReconcileBatchSize,
			},
			rt.store,
			rt.rules,
			rt.ledger,
			rt.jobs,
			rt.bus,
		).WithLogger(logger.Named("reconciler"))
	}

	if rt.sink != nil {
		rt.engine = rt.engine.WithMetrics(rt.sink)
		rt.dispatcher = rt.dispatcher.WithMetrics(rt.sink)
		if rt.reconciler != nil {
			rt.reconciler = rt.reconciler.WithMetrics(rt.sink)
		}
	}

	return rt, nil
}

func (rt *runtime) openStores(ctx context.Context) error {
	cfg := rt.cfg

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := sqlstore.OpenPostgres(ctx, cfg.DatabaseURL, sqlstore.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			return errors.Wrap(err, "connect postgres")
		}
		rt.db = db
		rt.logger.Infow("db pool configured",
			"max_open", cfg.DBMaxOpenConns,
			"max_idle", cfg.DBMaxIdleConns,
			"max_lifetime", cfg.DBConnMaxLifetime,
			"max_idle_time", cfg.DBConnMaxIdleTime,
		)
		if err := rt.useSQL(ctx, sqlstore.Postgres); err != nil {
			return err
		}
	case config.DriverSQLite:
		db, err := sqlstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return errors.Wrap(err, "open sqlite")
		}
		rt.db = db
		if err := rt.useSQL(ctx, sqlstore.SQLite); err != nil {
			return err
		}
	case config.DriverMemory:
		s := memory.New()
		rt.store = s
		rt.rules = s
	default:
		return errors.Newf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.RuleStore == config.RuleStoreRedis || cfg.AnalyticsEnabled {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "connect redis %s", cfg.RedisAddr)
		}
	}
	if cfg.RuleStore == config.RuleStoreRedis {
		rt.rules = redisrules.New(rt.redis,
			redisrules.WithPrefix(cfg.RedisPrefix),
			redisrules.WithLogger(rt.logger.Named("redisrules")),
		)
	}
	return nil
}

func (rt *runtime) useSQL(ctx context.Context, dialect sqlstore.Dialect) error {
	s := sqlstore.New(rt.db, dialect, sqlstore.WithOpTimeout(rt.cfg.DBOpTimeout))
	if rt.cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return errors.Wrap(err, "migrate")
		}
		rt.logger.Infow("schema up to date", "dialect", dialect)
	}
	rt.store = s
	rt.rules = s
	return nil
}

func (rt *runtime) executors() *executor.Registry {
	var breaker *circuitbreaker.CircuitBreaker
	if rt.cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(rt.cfg.CircuitBreakerThreshold, rt.cfg.CircuitBreakerCooldown).
			OnStateChange(func(target string, from, to circuitbreaker.State) {
				rt.logger.Warnw("circuit state changed", "target", target, "from", from, "to", to)
				if rt.sink != nil {
					rt.sink.CircuitStateChanged(string(to))
				}
			})
	}
	webhook := executor.NewWebhookHandler(executor.NewHTTPWebhookSender(), breaker).
		WithDefaultSecret(rt.cfg.WebhookSecret).
		WithLogger(rt.logger.Named("webhook"))
	return executor.NewDefaultRegistry(webhook).WithLogger(rt.logger.Named("executor"))
}

// healthChecks lists the components verbose /health reports on.
func (rt *runtime) healthChecks() map[string]api.HealthChecker {
	checks := map[string]api.HealthChecker{"store": rt.store}
	if rt.redis != nil {
		checks["redis"] = pingFunc(func(ctx context.Context) error {
			return rt.redis.Ping(ctx).Err()
		})
	}
	return checks
}

// start launches the dispatcher and the leader duties: the rule engine and
// the reconciler. With postgres leader election only the lock holder runs
// the duties.
func (rt *runtime) start() {
	dctx, cancel := context.WithCancel(context.Background())
	rt.dispatchCancel = cancel
	rt.dispatchWg.Add(1)
	go func() {
		defer rt.dispatchWg.Done()
		rt.dispatcher.Run(dctx, rt.bus.Channel())
	}()

	lctx, lcancel := context.WithCancel(context.Background())
	rt.leaderCancel = lcancel
	rt.duties = &leaderDuties{engine: rt.engine, reconciler: rt.reconciler, logger: rt.logger}

	if !rt.cfg.UsesLeaderElection() {
		rt.duties.start(lctx)
		return
	}

	elector := leaderelection.New(
		rt.db,
		rt.cfg.LeaderLockKey,
		rt.cfg.LeaderRetryInterval,
		rt.cfg.LeaderHeartbeatInterval,
		rt.duties.start,
		rt.duties.stop,
	).WithLogger(rt.logger.Named("leader"))
	if rt.sink != nil {
		elector = elector.WithMetrics(rt.sink)
	}
	rt.leaderWg.Add(1)
	go func() {
		defer rt.leaderWg.Done()
		elector.Run(lctx)
	}()
	rt.logger.Infow("leader election enabled", "lock_key", rt.cfg.LeaderLockKey)
}

// shutdown stops producers before the dispatcher so buffered fires drain.
func (rt *runtime) shutdown() {
	rt.logger.Info("stopping rule engine and reconciler")
	if rt.leaderCancel != nil {
		rt.leaderCancel()
	}
	rt.leaderWg.Wait()
	if rt.duties != nil {
		rt.duties.stop()
	}

	rt.logger.Info("stopping dispatcher (draining events)")
	if rt.dispatchCancel != nil {
		rt.dispatchCancel()
	}
	rt.dispatchWg.Wait()
	rt.logger.Info("dispatcher stopped")
}

func (rt *runtime) close() {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warnw("redis close failed", "error", err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warnw("db close failed", "error", err)
		}
	}
}

// leaderDuties runs the components that must have a single active
// instance. start and stop are safe to call repeatedly.
type leaderDuties struct {
	engine     *rules.Engine
	reconciler *reconciler.Reconciler
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (d *leaderDuties) start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Errorw("rule engine exited", "error", err)
		}
	}()
	if d.reconciler != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reconciler.Run(ctx)
		}()
	}
}

func (d *leaderDuties) stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}
