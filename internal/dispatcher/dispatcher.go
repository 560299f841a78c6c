// Package dispatcher consumes fire events, runs the job's business logic
// through the executor and records the outcome in the ledger and the job
// row.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/djlord-it/easy-jobs/internal/domain"
	"github.com/djlord-it/easy-jobs/internal/executor"
)

const (
	DefaultExecutionTimeout = 30 * time.Second
	DefaultWorkers          = 4
)

// DrainTimeout is the maximum time to wait for buffered events during shutdown.
const DrainTimeout = 30 * time.Second

var errPanic = errors.New("handler panicked")

type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, update domain.JobUpdate) error
}

type Ledger interface {
	RecordInvocation(ctx context.Context, inv domain.Invocation) error
	// UpdateInvocation returns domain.ErrInvocationFinalized when inv was
	// already finalized.
	UpdateInvocation(ctx context.Context, inv domain.Invocation) error
}

type RuleUnregisterer interface {
	Unregister(ctx context.Context, ruleID uuid.UUID) error
}

type Executor interface {
	Execute(ctx context.Context, req executor.Request) (json.RawMessage, error)
}

type AnalyticsSink interface {
	Record(ctx context.Context, jobID uuid.UUID, status domain.InvocationStatus, at time.Time)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	InvocationCompleted(jobType domain.JobType, status domain.InvocationStatus, errKind domain.ErrorKind, duration time.Duration)
	DispatchSkipped(reason string)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type Dispatcher struct {
	jobs      JobStore
	ledger    Ledger
	rules     RuleUnregisterer
	executor  Executor
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	limiter   *rate.Limiter // optional, nil = unlimited
	logger    *zap.SugaredLogger
	clock     func() time.Time

	executionTimeout time.Duration
	drainTimeout     time.Duration
	workers          int
}

func New(jobs JobStore, ledger Ledger, rules RuleUnregisterer, exec Executor) *Dispatcher {
	return &Dispatcher{
		jobs:             jobs,
		ledger:           ledger,
		rules:            rules,
		executor:         exec,
		logger:           zap.NewNop().Sugar(),
		clock:            time.Now,
		executionTimeout: DefaultExecutionTimeout,
		drainTimeout:     DrainTimeout,
		workers:          DefaultWorkers,
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithLogger(l *zap.SugaredLogger) *Dispatcher {
	d.logger = l
	return d
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

func (d *Dispatcher) WithExecutionTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.executionTimeout = t
	}
	return d
}

func (d *Dispatcher) WithDrainTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.drainTimeout = t
	}
	return d
}

func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

// WithRateLimit caps dispatches per second across all workers. A
// non-positive perSecond disables limiting.
func (d *Dispatcher) WithRateLimit(perSecond float64, burst int) *Dispatcher {
	if perSecond <= 0 {
		d.limiter = nil
		return d
	}
	if burst <= 0 {
		burst = 1
	}
	d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return d
}

// Run processes events from the channel with a pool of workers until ctx is
// cancelled. In-flight dispatches run to completion; remaining buffered
// events are then drained with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.FireEvent) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, ch)
		}()
	}
	wg.Wait()
	d.drain(ch)
}

func (d *Dispatcher) work(ctx context.Context, ch <-chan domain.FireEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if d.limiter != nil {
				if err := d.limiter.Wait(ctx); err != nil {
					// Shutting down; dispatch anyway so the event is not lost.
					d.logger.Debugw("rate limiter wait aborted", "job_id", event.JobID, "error", err)
				}
			}
			if err := d.Dispatch(context.WithoutCancel(ctx), event); err != nil {
				d.logger.Errorw("dispatch failed", "job_id", event.JobID, "rule_id", event.RuleID, "error", err)
			}
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.FireEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				d.logger.Warnw("drain timeout", "processed", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				d.logger.Infow("drain complete", "processed", count)
				return
			}
			if err := d.Dispatch(drainCtx, event); err != nil {
				d.logger.Errorw("drain dispatch failed", "job_id", event.JobID, "error", err)
			}
			count++
		default:
			if count > 0 {
				d.logger.Infow("drain complete", "processed", count)
			}
			return
		}
	}
}

// Dispatch executes one fire of a job. A missing job is not an error:
// deletes may race with in-flight fires.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.FireEvent) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	job, err := d.jobs.GetJob(ctx, event.JobID)
	if err != nil {
		if domain.IsNotFound(err) {
			d.logger.Infow("job gone, skipping fire", "job_id", event.JobID, "rule_id", event.RuleID)
			d.skip("job_not_found")
			d.unregister(ctx, event.RuleID, event.JobID)
			return nil
		}
		return errors.Wrap(err, "get job")
	}

	// Duplicate fire of a job that already ran to completion.
	if job.Type != domain.JobTypeCron && job.Status.IsTerminal() {
		d.logger.Infow("job already terminal, skipping fire",
			"job_id", job.ID, "status", job.Status, "replay", event.Replay)
		d.skip("already_terminal")
		if job.Type == domain.JobTypeOnce {
			d.unregister(ctx, ruleOf(event, job), job.ID)
		}
		return nil
	}

	if job.Type == domain.JobTypeOnce && job.Status != domain.JobStatusExecuting {
		err := d.jobs.UpdateJobStatus(ctx, job.ID, domain.JobUpdate{
			Status:    domain.JobStatusExecuting,
			UpdatedAt: d.clock().UTC(),
		})
		if domain.IsNotFound(err) {
			d.skip("job_not_found")
			d.unregister(ctx, ruleOf(event, job), job.ID)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "mark job executing")
		}
	}

	inv := domain.Invocation{
		ID:        uuid.New(),
		JobID:     job.ID,
		Status:    domain.InvocationStatusRunning,
		StartedAt: d.clock().UTC(),
		Input:     job.Payload,
	}
	if err := d.ledger.RecordInvocation(ctx, inv); err != nil {
		return errors.Wrap(err, "record invocation")
	}

	out, execErr := d.execute(ctx, executor.Request{
		JobID:       job.ID,
		Name:        job.Name,
		Description: job.Description,
		Type:        job.Type,
		Payload:     job.Payload,
	})

	completedAt := d.clock().UTC()
	inv.CompletedAt = &completedAt
	inv.Duration = completedAt.Sub(inv.StartedAt)
	if execErr == nil {
		inv.Status = domain.InvocationStatusCompleted
		inv.Output = out
	} else {
		inv.Status = domain.InvocationStatusFailed
		inv.Error = &domain.InvocationError{
			Kind:    classifyError(execErr),
			Message: execErr.Error(),
			Trace:   fmt.Sprintf("%+v", execErr),
		}
	}

	var finalizeErr error
	if err := d.ledger.UpdateInvocation(ctx, inv); err != nil {
		if errors.Is(err, domain.ErrInvocationFinalized) {
			d.logger.Warnw("invocation already finalized", "job_id", job.ID, "invocation_id", inv.ID)
		} else {
			finalizeErr = errors.Wrap(err, "finalize invocation")
		}
	}

	succeeded := inv.Status == domain.InvocationStatusCompleted
	update := domain.JobUpdate{
		Status:               domain.NextStatus(job.Type, succeeded),
		IncrementInvocations: true,
		LastExecutedAt:       &completedAt,
		UpdatedAt:            completedAt,
		ClearRuleID:          job.Type == domain.JobTypeOnce,
	}
	if err := d.jobs.UpdateJobStatus(ctx, job.ID, update); err != nil {
		if domain.IsNotFound(err) {
			d.logger.Infow("job deleted during execution", "job_id", job.ID)
		} else if finalizeErr == nil {
			finalizeErr = errors.Wrap(err, "update job status")
		}
	}

	d.logger.Infow("invocation finished",
		"job_id", job.ID,
		"invocation_id", inv.ID,
		"status", inv.Status,
		"duration_ms", inv.Duration.Milliseconds(),
		"replay", event.Replay,
	)
	if d.metrics != nil {
		var kind domain.ErrorKind
		if inv.Error != nil {
			kind = inv.Error.Kind
		}
		d.metrics.InvocationCompleted(job.Type, inv.Status, kind, inv.Duration)
	}
	if d.analytics != nil {
		d.analytics.Record(ctx, job.ID, inv.Status, completedAt)
	}

	if job.Type == domain.JobTypeOnce {
		d.unregister(ctx, ruleOf(event, job), job.ID)
	}

	return finalizeErr
}

// execute runs the handler under the execution timeout. Panics are
// recovered and reported as errors.
func (d *Dispatcher) execute(ctx context.Context, req executor.Request) (json.RawMessage, error) {
	execCtx, cancel := context.WithTimeout(ctx, d.executionTimeout)
	defer cancel()

	type result struct {
		out json.RawMessage
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.Mark(errors.Newf("panic: %v", r), errPanic)}
			}
		}()
		out, err := d.executor.Execute(execCtx, req)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.Mark(errors.Wrapf(r.err, "execution exceeded %s", d.executionTimeout), domain.ErrTimeout)
		}
		if r.err != nil {
			return nil, errors.Mark(r.err, domain.ErrExecution)
		}
		return r.out, nil
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.Mark(errors.Newf("execution exceeded %s", d.executionTimeout), domain.ErrTimeout)
		}
		return nil, errors.Mark(errors.Wrap(execCtx.Err(), "execution cancelled"), domain.ErrExecution)
	}
}

func classifyError(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return domain.ErrorKindTimeout
	case errors.Is(err, errPanic):
		return domain.ErrorKindPanic
	case errors.Is(err, executor.ErrUnknownAction):
		return domain.ErrorKindUnknownAction
	default:
		return domain.ErrorKindExecution
	}
}

func ruleOf(event domain.FireEvent, job domain.Job) uuid.UUID {
	if event.RuleID != uuid.Nil {
		return event.RuleID
	}
	if job.RuleID.Valid {
		return job.RuleID.UUID
	}
	return uuid.Nil
}

func (d *Dispatcher) unregister(ctx context.Context, ruleID, jobID uuid.UUID) {
	if ruleID == uuid.Nil || d.rules == nil {
		return
	}
	if err := d.rules.Unregister(ctx, ruleID); err != nil {
		d.logger.Warnw("unregister rule failed", "job_id", jobID, "rule_id", ruleID, "error", err)
	}
}

func (d *Dispatcher) skip(reason string) {
	if d.metrics != nil {
		d.metrics.DispatchSkipped(reason)
	}
}
