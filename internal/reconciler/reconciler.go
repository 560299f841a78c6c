// Package reconciler repairs work that fell between the cracks.
//
// Each cycle runs four sweeps, all bounded by Threshold so that in-flight
// work is never touched:
//
//   - stale invocations: running longer than Threshold; the process that
//     started them is gone. They are failed as abandoned and the job is
//     moved on as if the execution had failed.
//   - claimed rules: one-shot rules consumed by the engine whose fire was
//     never processed. The fire is re-emitted; the dispatcher skips jobs
//     that already reached a terminal status.
//   - stalled jobs: immediate jobs still executing with no invocation.
//   - orphaned jobs: once/cron jobs left without a rule after a failed or
//     interrupted create. A rule is registered for them.
package reconciler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

const abandonedMessage = "invocation abandoned: no completion recorded before the reconcile threshold"

type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, update domain.JobUpdate) error
	ListOrphanedJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error)
	ListStalledJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error)
	ListStaleInvocations(ctx context.Context, olderThan time.Time, limit int) ([]domain.Invocation, error)
}

// ClaimedRules lists one-shot rules claimed before olderThan that still
// exist. It is separate from Store because rules may live in Redis.
type ClaimedRules interface {
	ListClaimedRules(ctx context.Context, olderThan time.Time, limit int) ([]domain.Rule, error)
}

type Ledger interface {
	UpdateInvocation(ctx context.Context, inv domain.Invocation) error
}

type Repairer interface {
	RepairSchedule(ctx context.Context, job domain.Job) (uuid.UUID, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.FireEvent) error
}

// MetricsSink records reconciler activity. Implementations must not block.
type MetricsSink interface {
	Reconciled(sweep string, count int)
	ReconcileError(sweep string)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which work is considered lost. It must
	// exceed the dispatcher's execution timeout.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize bounds each sweep per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// CycleResult counts what one cycle fixed.
type CycleResult struct {
	Abandoned int
	Replayed  int
	Repaired  int
	Errors    int
}

type Reconciler struct {
	config   Config
	store    Store
	claimed  ClaimedRules
	ledger   Ledger
	repairer Repairer
	emitter  EventEmitter
	metrics  MetricsSink
	logger   *zap.SugaredLogger
	clock    func() time.Time
}

func New(config Config, store Store, claimed ClaimedRules, ledger Ledger, repairer Repairer, emitter EventEmitter) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Reconciler{
		config:   config,
		store:    store,
		claimed:  claimed,
		ledger:   ledger,
		repairer: repairer,
		emitter:  emitter,
		logger:   zap.NewNop().Sugar(),
		clock:    time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

func (r *Reconciler) WithLogger(l *zap.SugaredLogger) *Reconciler {
	r.logger = l
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Infow("started", "interval", r.config.Interval, "threshold", r.config.Threshold, "batch", r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation cycle. Sweep failures are logged
// and retried next cycle.
func (r *Reconciler) RunCycle(ctx context.Context) CycleResult {
	now := r.clock().UTC()
	cutoff := now.Add(-r.config.Threshold)

	var res CycleResult
	sweeps := []struct {
		name string
		run  func(context.Context, time.Time, time.Time, *CycleResult) error
	}{
		{"stale_invocations", r.sweepStaleInvocations},
		{"claimed_rules", r.sweepClaimedRules},
		{"stalled_jobs", r.sweepStalledJobs},
		{"orphaned_jobs", r.sweepOrphanedJobs},
	}
	for _, s := range sweeps {
		if ctx.Err() != nil {
			r.logger.Infow("cycle interrupted", "sweep", s.name)
			return res
		}
		if err := s.run(ctx, now, cutoff, &res); err != nil {
			res.Errors++
			r.logger.Errorw("sweep failed", "sweep", s.name, "error", err)
			if r.metrics != nil {
				r.metrics.ReconcileError(s.name)
			}
		}
	}

	if res.Abandoned+res.Replayed+res.Repaired > 0 || res.Errors > 0 {
		r.logger.Infow("cycle complete",
			"abandoned", res.Abandoned, "replayed", res.Replayed, "repaired", res.Repaired, "errors", res.Errors)
	}
	if r.metrics != nil {
		r.metrics.Reconciled("stale_invocations", res.Abandoned)
		r.metrics.Reconciled("replayed_fires", res.Replayed)
		r.metrics.Reconciled("orphaned_jobs", res.Repaired)
	}
	return res
}

func (r *Reconciler) sweepStaleInvocations(ctx context.Context, now, cutoff time.Time, res *CycleResult) error {
	invs, err := r.store.ListStaleInvocations(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return errors.Wrap(err, "list stale invocations")
	}

	for _, inv := range invs {
		completed := now
		inv.Status = domain.InvocationStatusFailed
		inv.CompletedAt = &completed
		inv.Error = &domain.InvocationError{Kind: domain.ErrorKindInternal, Message: abandonedMessage}

		if err := r.ledger.UpdateInvocation(ctx, inv); err != nil {
			if errors.Is(err, domain.ErrInvocationFinalized) {
				continue
			}
			res.Errors++
			r.logger.Warnw("fail abandoned invocation", "invocation_id", inv.ID, "job_id", inv.JobID, "error", err)
			continue
		}
		res.Abandoned++

		job, err := r.store.GetJob(ctx, inv.JobID)
		if err != nil {
			if !domain.IsNotFound(err) {
				res.Errors++
				r.logger.Warnw("load job for abandoned invocation", "job_id", inv.JobID, "error", err)
			}
			continue
		}
		err = r.store.UpdateJobStatus(ctx, job.ID, domain.JobUpdate{
			Status:               domain.NextStatus(job.Type, false),
			IncrementInvocations: true,
			LastExecutedAt:       &completed,
			UpdatedAt:            completed,
			ClearRuleID:          job.Type == domain.JobTypeOnce,
		})
		if err != nil && !domain.IsNotFound(err) {
			res.Errors++
			r.logger.Warnw("update job for abandoned invocation", "job_id", job.ID, "error", err)
			continue
		}
		r.logger.Infow("failed abandoned invocation", "invocation_id", inv.ID, "job_id", job.ID,
			"age", now.Sub(inv.StartedAt).Round(time.Second))
	}
	return nil
}

func (r *Reconciler) sweepClaimedRules(ctx context.Context, now, cutoff time.Time, res *CycleResult) error {
	if r.claimed == nil {
		return nil
	}
	rules, err := r.claimed.ListClaimedRules(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return errors.Wrap(err, "list claimed rules")
	}
	for _, rule := range rules {
		ev := domain.NewFireEvent(rule.ID, rule.JobID, rule.NextFireAt, now)
		if r.replay(ctx, ev, "rule_id", rule.ID) {
			res.Replayed++
		} else {
			res.Errors++
		}
	}
	return nil
}

func (r *Reconciler) sweepStalledJobs(ctx context.Context, now, cutoff time.Time, res *CycleResult) error {
	jobs, err := r.store.ListStalledJobs(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return errors.Wrap(err, "list stalled jobs")
	}
	for _, job := range jobs {
		ev := domain.NewFireEvent(uuid.Nil, job.ID, job.CreatedAt, now)
		if r.replay(ctx, ev, "job_id", job.ID) {
			res.Replayed++
		} else {
			res.Errors++
		}
	}
	return nil
}

func (r *Reconciler) sweepOrphanedJobs(ctx context.Context, now, cutoff time.Time, res *CycleResult) error {
	jobs, err := r.store.ListOrphanedJobs(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return errors.Wrap(err, "list orphaned jobs")
	}
	for _, job := range jobs {
		ruleID, err := r.repairer.RepairSchedule(ctx, job)
		if err != nil {
			res.Errors++
			r.logger.Warnw("repair orphaned job", "job_id", job.ID, "type", job.Type, "error", err)
			continue
		}
		res.Repaired++
		r.logger.Infow("registered rule for orphaned job", "job_id", job.ID, "rule_id", ruleID,
			"age", now.Sub(job.CreatedAt).Round(time.Second))
	}
	return nil
}

func (r *Reconciler) replay(ctx context.Context, ev domain.FireEvent, key string, id uuid.UUID) bool {
	ev.Replay = true
	if err := r.emitter.Emit(ctx, ev); err != nil {
		// Emit failed (buffer full, context cancelled). Retried next cycle.
		r.logger.Warnw("re-emit failed", key, id, "job_id", ev.JobID, "error", err)
		return false
	}
	r.logger.Infow("re-emitted fire", key, id, "job_id", ev.JobID, "scheduled_at", ev.ScheduledAt.Format(time.RFC3339))
	return true
}
