// Package rules owns timer rules: one-shot rules fire once at a fixed
// time, recurring rules fire on a cron or rate expression. A ticker loop
// wakes at due rules and emits one fire event per due rule.
package rules

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

const (
	DefaultBatchSize = 100

	// maxBatchesPerTick caps how many full batches one tick drains.
	maxBatchesPerTick = 50
)

type Store interface {
	InsertRule(ctx context.Context, rule domain.Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (domain.Rule, error)
	DeleteRule(ctx context.Context, id uuid.UUID) (bool, error)
	ListDueRules(ctx context.Context, now time.Time, limit int) ([]domain.Rule, error)
	// ClaimRule atomically disables an enabled one-shot rule and reports
	// whether this caller won.
	ClaimRule(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// AdvanceRule moves next_fire_at from prev to next if it still equals
	// prev, and reports whether this caller won.
	AdvanceRule(ctx context.Context, id uuid.UUID, prev, next, now time.Time) (bool, error)
}

type CronParser interface {
	Parse(expression string) (CronSchedule, error)
}

type CronSchedule interface {
	Next(after time.Time) time.Time
}

// ParserFunc adapts a parse function to CronParser.
type ParserFunc func(expression string) (CronSchedule, error)

func (f ParserFunc) Parse(expression string) (CronSchedule, error) {
	return f(expression)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.FireEvent) error
}

// MetricsSink records engine activity. Implementations must not block.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, rulesFired int, err error)
	TickDrift(drift time.Duration)
	RuleFired(kind domain.RuleKind)
}

type Config struct {
	TickInterval time.Duration
	BatchSize    int
}

type Engine struct {
	config   Config
	store    Store
	parser   CronParser
	emitter  EventEmitter
	metrics  MetricsSink
	logger   *zap.SugaredLogger
	clock    func() time.Time
	lastTick time.Time
}

func New(config Config, store Store, parser CronParser, emitter EventEmitter) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	return &Engine{
		config:  config,
		store:   store,
		parser:  parser,
		emitter: emitter,
		logger:  zap.NewNop().Sugar(),
		clock:   time.Now,
	}
}

func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

func (e *Engine) WithLogger(l *zap.SugaredLogger) *Engine {
	e.logger = l
	return e
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// RegisterOneShot creates a rule that fires once at at. The time must be
// strictly in the future.
func (e *Engine) RegisterOneShot(ctx context.Context, jobID uuid.UUID, at time.Time) (uuid.UUID, error) {
	return e.RegisterOneShotAsOf(ctx, jobID, at, e.clock().UTC())
}

// RegisterOneShotAsOf is RegisterOneShot with at checked against asOf
// rather than the engine clock. Callers that validated at against their own
// clock pass that reading; if at has since slipped into the past the rule is
// due on the next tick.
func (e *Engine) RegisterOneShotAsOf(ctx context.Context, jobID uuid.UUID, at, asOf time.Time) (uuid.UUID, error) {
	if !at.After(asOf) {
		return uuid.Nil, errors.Mark(
			errors.Newf("fire time %s is not after %s", at.UTC().Format(time.RFC3339), asOf.UTC().Format(time.RFC3339)),
			domain.ErrScheduling,
		)
	}

	now := e.clock().UTC()

	rule := domain.Rule{
		ID:         uuid.New(),
		JobID:      jobID,
		Kind:       domain.RuleKindOneShot,
		Enabled:    true,
		NextFireAt: at.UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.InsertRule(ctx, rule); err != nil {
		return uuid.Nil, domain.SchedulingError(err, "insert one-shot rule")
	}

	e.logger.Infow("registered one-shot rule", "rule_id", rule.ID, "job_id", jobID, "fire_at", rule.NextFireAt)
	return rule.ID, nil
}

// RegisterRecurring creates a rule that fires on expression. A malformed
// expression is a validation error.
func (e *Engine) RegisterRecurring(ctx context.Context, jobID uuid.UUID, expression string) (uuid.UUID, error) {
	sched, err := e.parser.Parse(expression)
	if err != nil {
		return uuid.Nil, domain.NewValidationError("scheduleExpression", "%s", err.Error())
	}

	now := e.clock().UTC()
	rule := domain.Rule{
		ID:         uuid.New(),
		JobID:      jobID,
		Kind:       domain.RuleKindRecurring,
		Expression: expression,
		Enabled:    true,
		NextFireAt: sched.Next(now),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.InsertRule(ctx, rule); err != nil {
		return uuid.Nil, domain.SchedulingError(err, "insert recurring rule")
	}

	e.logger.Infow("registered recurring rule", "rule_id", rule.ID, "job_id", jobID, "expression", expression, "next_fire_at", rule.NextFireAt)
	return rule.ID, nil
}

// Unregister deletes a rule. Deleting an absent rule succeeds.
func (e *Engine) Unregister(ctx context.Context, ruleID uuid.UUID) error {
	deleted, err := e.store.DeleteRule(ctx, ruleID)
	if err != nil {
		return domain.SchedulingError(err, "delete rule")
	}
	if !deleted {
		e.logger.Debugw("rule already absent", "rule_id", ruleID)
	}
	return nil
}

func (e *Engine) Rule(ctx context.Context, ruleID uuid.UUID) (domain.Rule, error) {
	return e.store.GetRule(ctx, ruleID)
}

func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	e.logger.Infow("started", "tick", e.config.TickInterval, "batch", e.config.BatchSize)
	e.lastTick = e.clock().UTC()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Errorw("tick error", "error", err)
			}
		}
	}
}

// Tick fires every due rule once. Run calls it on each ticker interval.
func (e *Engine) Tick(ctx context.Context) error {
	start := e.clock()
	now := start.UTC()

	if e.metrics != nil {
		e.metrics.TickStarted()
		if !e.lastTick.IsZero() {
			if drift := now.Sub(e.lastTick) - e.config.TickInterval; drift > 0 {
				e.metrics.TickDrift(drift)
			}
		}
	}

	fired := 0
	var tickErr error
	for i := 0; i < maxBatchesPerTick; i++ {
		due, err := e.store.ListDueRules(ctx, now, e.config.BatchSize)
		if err != nil {
			tickErr = errors.Wrap(err, "list due rules")
			break
		}
		progressed := 0
		for _, rule := range due {
			ok, err := e.fire(ctx, rule, now)
			if err != nil {
				e.logger.Errorw("fire failed", "rule_id", rule.ID, "job_id", rule.JobID, "error", err)
				continue
			}
			if ok {
				fired++
				progressed++
			}
		}
		// A short batch means nothing else is due. A full batch where no
		// rule moved would return the same rows again.
		if len(due) < e.config.BatchSize || progressed == 0 {
			break
		}
	}

	e.lastTick = now
	if e.metrics != nil {
		e.metrics.TickCompleted(e.clock().Sub(start), fired, tickErr)
	}
	return tickErr
}

// fire claims or advances rule and, if this engine won, emits its event.
func (e *Engine) fire(ctx context.Context, rule domain.Rule, now time.Time) (bool, error) {
	var next time.Time
	switch rule.Kind {
	case domain.RuleKindOneShot:
		won, err := e.store.ClaimRule(ctx, rule.ID, now)
		if err != nil {
			return false, errors.Wrap(err, "claim rule")
		}
		if !won {
			return false, nil
		}

	case domain.RuleKindRecurring:
		sched, err := e.parser.Parse(rule.Expression)
		if err != nil {
			return false, errors.Wrapf(err, "parse expression %q", rule.Expression)
		}
		// Missed fire times collapse into this one fire.
		next = sched.Next(now)
		won, err := e.store.AdvanceRule(ctx, rule.ID, rule.NextFireAt, next, now)
		if err != nil {
			return false, errors.Wrap(err, "advance rule")
		}
		if !won {
			return false, nil
		}

	default:
		return false, errors.Newf("unknown rule kind %q", rule.Kind)
	}

	event := domain.NewFireEvent(rule.ID, rule.JobID, rule.NextFireAt, now)
	if err := e.emitter.Emit(ctx, event); err != nil {
		if rule.Kind == domain.RuleKindRecurring {
			e.restore(ctx, rule, next, now)
		}
		return false, errors.Wrap(err, "emit")
	}

	if e.metrics != nil {
		e.metrics.RuleFired(rule.Kind)
	}
	e.logger.Debugw("fired", "rule_id", rule.ID, "job_id", rule.JobID, "kind", rule.Kind, "scheduled_at", rule.NextFireAt)
	return true, nil
}

// restore moves a recurring rule back to the fire time whose event could not
// be emitted, so the next tick retries it. One-shot rules need no restore:
// the reconciler replays claimed rules.
func (e *Engine) restore(ctx context.Context, rule domain.Rule, next, now time.Time) {
	ok, err := e.store.AdvanceRule(context.WithoutCancel(ctx), rule.ID, next, rule.NextFireAt, now)
	switch {
	case err != nil:
		e.logger.Errorw("restore after failed emit", "rule_id", rule.ID, "job_id", rule.JobID, "scheduled_at", rule.NextFireAt, "error", err)
	case !ok:
		e.logger.Warnw("rule changed before restore, fire dropped", "rule_id", rule.ID, "job_id", rule.JobID, "scheduled_at", rule.NextFireAt)
	default:
		e.logger.Debugw("rule restored for retry", "rule_id", rule.ID, "scheduled_at", rule.NextFireAt)
	}
}
