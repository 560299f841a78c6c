// Package ledger records job invocations and derives per-job statistics.
package ledger

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

const (
	DefaultStatisticsLimit = 50
	DefaultQueryLimit      = 50
	MaxQueryLimit          = 1000
)

type Store interface {
	InsertInvocation(ctx context.Context, inv domain.Invocation) error
	// FinalizeInvocation must only move a running invocation to a terminal
	// state and return domain.ErrInvocationFinalized otherwise.
	FinalizeInvocation(ctx context.Context, inv domain.Invocation) error
	ListInvocations(ctx context.Context, jobID uuid.UUID, q domain.InvocationQuery) ([]domain.Invocation, error)
}

type Ledger struct {
	store  Store
	logger *zap.SugaredLogger
}

func New(store Store) *Ledger {
	return &Ledger{store: store, logger: zap.NewNop().Sugar()}
}

func (l *Ledger) WithLogger(logger *zap.SugaredLogger) *Ledger {
	l.logger = logger
	return l
}

// RecordInvocation stores a new running invocation.
func (l *Ledger) RecordInvocation(ctx context.Context, inv domain.Invocation) error {
	if inv.ID == uuid.Nil || inv.JobID == uuid.Nil {
		return errors.New("invocation requires id and job id")
	}
	if inv.Status != domain.InvocationStatusRunning {
		return errors.Newf("new invocation must be running, got %q", inv.Status)
	}
	inv.StartedAt = inv.StartedAt.UTC()
	if err := l.store.InsertInvocation(ctx, inv); err != nil {
		return errors.Wrap(err, "insert invocation")
	}
	return nil
}

// UpdateInvocation finalizes inv. Duration is derived from StartedAt and
// CompletedAt. Finalizing twice returns domain.ErrInvocationFinalized.
func (l *Ledger) UpdateInvocation(ctx context.Context, inv domain.Invocation) error {
	if !inv.Status.IsTerminal() {
		return errors.Newf("invocation can only be finalized as completed or failed, got %q", inv.Status)
	}
	if inv.CompletedAt == nil {
		return errors.New("finalized invocation requires completedAt")
	}
	completed := inv.CompletedAt.UTC()
	inv.CompletedAt = &completed
	inv.Duration = completed.Sub(inv.StartedAt)
	if inv.Duration < 0 {
		inv.Duration = 0
	}

	if err := l.store.FinalizeInvocation(ctx, inv); err != nil {
		if errors.Is(err, domain.ErrInvocationFinalized) {
			return domain.ErrInvocationFinalized
		}
		return errors.Wrap(err, "finalize invocation")
	}
	return nil
}

// QueryByJob lists a job's invocations. A zero limit uses DefaultQueryLimit.
func (l *Ledger) QueryByJob(ctx context.Context, jobID uuid.UUID, q domain.InvocationQuery) ([]domain.Invocation, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, domain.NewValidationError("status", "unknown invocation status %q", q.Status)
	}
	invs, err := l.store.ListInvocations(ctx, jobID, q)
	if err != nil {
		return nil, errors.Wrap(err, "list invocations")
	}
	return invs, nil
}

type Statistics struct {
	Total              int     `json:"total"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	Running            int     `json:"running"`
	AverageDurationMs  int64   `json:"averageDurationMs"`
	SuccessRatePercent float64 `json:"successRatePercent"`
}

// Statistics summarizes the job's most recent limit invocations.
func (l *Ledger) Statistics(ctx context.Context, jobID uuid.UUID, limit int) (Statistics, error) {
	if limit <= 0 {
		limit = DefaultStatisticsLimit
	}
	invs, err := l.store.ListInvocations(ctx, jobID, domain.InvocationQuery{Limit: limit, NewestFirst: true})
	if err != nil {
		return Statistics{}, errors.Wrap(err, "list invocations")
	}
	return ComputeStatistics(invs), nil
}

// ComputeStatistics averages durations over completed invocations only and
// rounds the success rate to two decimals.
func ComputeStatistics(invs []domain.Invocation) Statistics {
	var (
		stats Statistics
		sum   time.Duration
	)
	stats.Total = len(invs)
	for _, inv := range invs {
		switch inv.Status {
		case domain.InvocationStatusCompleted:
			stats.Completed++
			sum += inv.Duration
		case domain.InvocationStatusFailed:
			stats.Failed++
		case domain.InvocationStatusRunning:
			stats.Running++
		}
	}
	if stats.Completed > 0 {
		avgMs := float64(sum) / float64(time.Millisecond) / float64(stats.Completed)
		stats.AverageDurationMs = int64(math.Round(avgMs))
	}
	if stats.Total > 0 {
		rate := 100 * float64(stats.Completed) / float64(stats.Total)
		stats.SuccessRatePercent = math.Round(rate*100) / 100
	}
	return stats
}
