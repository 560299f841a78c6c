package sqlstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "easyjobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, SQLite)
	require.NoError(t, s.Migrate(ctx))
	return s
}

var baseTime = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func testJob(typ domain.JobType, created time.Time) domain.Job {
	job := domain.Job{
		ID:        uuid.New(),
		Name:      "job-" + string(typ),
		Type:      typ,
		Payload:   json.RawMessage(`{"action":"process-data"}`),
		Status:    domain.InitialStatus(typ),
		CreatedAt: created,
		UpdatedAt: created,
	}
	switch typ {
	case domain.JobTypeCron:
		job.ScheduleExpression = "rate(15 minutes)"
	case domain.JobTypeOnce:
		at := created.Add(time.Minute)
		job.ExecuteAt = &at
	}
	return job
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLite_JobRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	job := testJob(domain.JobTypeOnce, baseTime)
	require.NoError(t, s.InsertJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, domain.JobTypeOnce, got.Type)
	assert.Equal(t, domain.JobStatusScheduled, got.Status)
	require.NotNil(t, got.ExecuteAt)
	assert.True(t, got.ExecuteAt.Equal(*job.ExecuteAt))
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
	assert.False(t, got.RuleID.Valid)
	assert.Nil(t, got.LastExecutedAt)
}

func TestSQLite_GetJobNotFound(t *testing.T) {
	s := newSQLiteStore(t)
	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestSQLite_ListJobsNewestFirstWithFilters(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	older := testJob(domain.JobTypeCron, baseTime)
	newer := testJob(domain.JobTypeCron, baseTime.Add(time.Minute))
	immediate := testJob(domain.JobTypeImmediate, baseTime.Add(2*time.Minute))
	for _, j := range []domain.Job{older, newer, immediate} {
		require.NoError(t, s.InsertJob(ctx, j))
	}

	all, err := s.ListJobs(ctx, domain.JobFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, immediate.ID, all[0].ID)
	assert.Equal(t, older.ID, all[2].ID)

	crons, err := s.ListJobs(ctx, domain.JobFilter{Type: domain.JobTypeCron}, 10)
	require.NoError(t, err)
	require.Len(t, crons, 2)
	assert.Equal(t, newer.ID, crons[0].ID)

	executing, err := s.ListJobs(ctx, domain.JobFilter{Status: domain.JobStatusExecuting}, 10)
	require.NoError(t, err)
	require.Len(t, executing, 1)

	limited, err := s.ListJobs(ctx, domain.JobFilter{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_UpdateJobStatusIncrements(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	job := testJob(domain.JobTypeOnce, baseTime)
	ruleID := uuid.New()
	job.RuleID = uuid.NullUUID{UUID: ruleID, Valid: true}
	require.NoError(t, s.InsertJob(ctx, job))

	done := baseTime.Add(2 * time.Minute)
	for i := 0; i < 2; i++ {
		require.NoError(t, s.UpdateJobStatus(ctx, job.ID, domain.JobUpdate{
			Status:               domain.JobStatusCompleted,
			IncrementInvocations: true,
			LastExecutedAt:       &done,
			UpdatedAt:            done,
			ClearRuleID:          true,
		}))
	}

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.InvocationCount)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.False(t, got.RuleID.Valid)
	require.NotNil(t, got.LastExecutedAt)
	assert.True(t, got.LastExecutedAt.Equal(done))

	err = s.UpdateJobStatus(ctx, uuid.New(), domain.JobUpdate{UpdatedAt: done})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestSQLite_SetJobRuleAndDelete(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	job := testJob(domain.JobTypeCron, baseTime)
	require.NoError(t, s.InsertJob(ctx, job))

	ruleID := uuid.New()
	require.NoError(t, s.SetJobRule(ctx, job.ID, ruleID, baseTime))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.NullUUID{UUID: ruleID, Valid: true}, got.RuleID)

	require.NoError(t, s.DeleteJob(ctx, job.ID))
	assert.ErrorIs(t, s.DeleteJob(ctx, job.ID), domain.ErrJobNotFound)
	assert.ErrorIs(t, s.SetJobRule(ctx, job.ID, ruleID, baseTime), domain.ErrJobNotFound)
}

func TestSQLite_ReconcileScans(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	orphan := testJob(domain.JobTypeCron, baseTime)
	linked := testJob(domain.JobTypeOnce, baseTime)
	linked.RuleID = uuid.NullUUID{UUID: uuid.New(), Valid: true}
	stalled := testJob(domain.JobTypeImmediate, baseTime)
	running := testJob(domain.JobTypeImmediate, baseTime)
	for _, j := range []domain.Job{orphan, linked, stalled, running} {
		require.NoError(t, s.InsertJob(ctx, j))
	}
	require.NoError(t, s.InsertInvocation(ctx, domain.Invocation{
		ID:        uuid.New(),
		JobID:     running.ID,
		Status:    domain.InvocationStatusRunning,
		StartedAt: baseTime,
	}))

	cutoff := baseTime.Add(time.Minute)

	orphans, err := s.ListOrphanedJobs(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphan.ID, orphans[0].ID)

	stalledJobs, err := s.ListStalledJobs(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stalledJobs, 1)
	assert.Equal(t, stalled.ID, stalledJobs[0].ID)

	none, err := s.ListOrphanedJobs(ctx, baseTime, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	stale, err := s.ListStaleInvocations(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, running.ID, stale[0].JobID)
}

func TestSQLite_RuleClaimIsExclusive(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	rule := domain.Rule{
		ID:         uuid.New(),
		JobID:      uuid.New(),
		Kind:       domain.RuleKindOneShot,
		Enabled:    true,
		NextFireAt: baseTime,
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
	require.NoError(t, s.InsertRule(ctx, rule))

	due, err := s.ListDueRules(ctx, baseTime, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	notYet, err := s.ListDueRules(ctx, baseTime.Add(-time.Nanosecond), 10)
	require.NoError(t, err)
	assert.Empty(t, notYet)

	now := baseTime.Add(time.Second)
	won, err := s.ClaimRule(ctx, rule.ID, now)
	require.NoError(t, err)
	assert.True(t, won)

	again, err := s.ClaimRule(ctx, rule.ID, now)
	require.NoError(t, err)
	assert.False(t, again)

	got, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.ClaimedAt)

	due, err = s.ListDueRules(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "claimed rules are no longer due")

	claimed, err := s.ListClaimedRules(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	deleted, err := s.DeleteRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.GetRule(ctx, rule.ID)
	assert.ErrorIs(t, err, domain.ErrRuleNotFound)
}

func TestSQLite_AdvanceRuleCompareAndSet(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	rule := domain.Rule{
		ID:         uuid.New(),
		JobID:      uuid.New(),
		Kind:       domain.RuleKindRecurring,
		Expression: "rate(15 minutes)",
		Enabled:    true,
		NextFireAt: baseTime,
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
	require.NoError(t, s.InsertRule(ctx, rule))

	next := baseTime.Add(15 * time.Minute)
	won, err := s.AdvanceRule(ctx, rule.ID, baseTime, next, baseTime)
	require.NoError(t, err)
	assert.True(t, won)

	stale, err := s.AdvanceRule(ctx, rule.ID, baseTime, next.Add(15*time.Minute), baseTime)
	require.NoError(t, err)
	assert.False(t, stale, "advance from an outdated value must lose")

	got, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, got.NextFireAt.Equal(next))
	assert.Equal(t, "rate(15 minutes)", got.Expression)
}

func TestSQLite_InvocationFinalizeOnce(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	jobID := uuid.New()
	inv := domain.Invocation{
		ID:        uuid.New(),
		JobID:     jobID,
		Status:    domain.InvocationStatusRunning,
		StartedAt: baseTime,
		Input:     json.RawMessage(`{"x":1}`),
	}
	require.NoError(t, s.InsertInvocation(ctx, inv))

	done := baseTime.Add(1500 * time.Millisecond)
	inv.Status = domain.InvocationStatusFailed
	inv.CompletedAt = &done
	inv.Duration = done.Sub(inv.StartedAt)
	inv.Error = &domain.InvocationError{Kind: domain.ErrorKindTimeout, Message: "deadline exceeded"}
	require.NoError(t, s.FinalizeInvocation(ctx, inv))

	assert.ErrorIs(t, s.FinalizeInvocation(ctx, inv), domain.ErrInvocationFinalized)

	missing := inv
	missing.ID = uuid.New()
	assert.ErrorIs(t, s.FinalizeInvocation(ctx, missing), domain.ErrInvocationNotFound)

	list, err := s.ListInvocations(ctx, jobID, domain.InvocationQuery{Limit: 10, NewestFirst: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, domain.InvocationStatusFailed, got.Status)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorKindTimeout, got.Error.Kind)
	assert.JSONEq(t, `{"x":1}`, string(got.Input))
	assert.Nil(t, got.Output)
}

func TestSQLite_ListInvocationsOrderAndFilter(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	jobID := uuid.New()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		started := baseTime.Add(time.Duration(i) * time.Minute)
		done := started.Add(time.Second)
		inv := domain.Invocation{
			ID:          uuid.New(),
			JobID:       jobID,
			Status:      domain.InvocationStatusCompleted,
			StartedAt:   started,
			CompletedAt: &done,
			Duration:    time.Second,
			Output:      json.RawMessage(`{"ok":true}`),
		}
		if i == 1 {
			inv.Status = domain.InvocationStatusFailed
			inv.Output = nil
			inv.Error = &domain.InvocationError{Kind: domain.ErrorKindExecution, Message: "boom"}
		}
		require.NoError(t, s.InsertInvocation(ctx, inv))
		ids = append(ids, inv.ID)
	}

	newest, err := s.ListInvocations(ctx, jobID, domain.InvocationQuery{Limit: 10, NewestFirst: true})
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, ids[2], newest[0].ID)
	assert.Equal(t, ids[0], newest[2].ID)

	oldest, err := s.ListInvocations(ctx, jobID, domain.InvocationQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, ids[0], oldest[0].ID)

	failed, err := s.ListInvocations(ctx, jobID, domain.InvocationQuery{Status: domain.InvocationStatusFailed, Limit: 10})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ids[1], failed[0].ID)
}
