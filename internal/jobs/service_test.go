package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easy-jobs/internal/cron"
	"github.com/djlord-it/easy-jobs/internal/domain"
	"github.com/djlord-it/easy-jobs/internal/rules"
	"github.com/djlord-it/easy-jobs/internal/store/memory"
	"github.com/djlord-it/easy-jobs/internal/testutil"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.FireEvent
	err    error
}

func (e *recordingEmitter) Emit(ctx context.Context, ev domain.FireEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, ev)
	return nil
}

// failingRegistrar fails every registration.
type failingRegistrar struct {
	unregisters int
}

func (f *failingRegistrar) RegisterOneShotAsOf(ctx context.Context, jobID uuid.UUID, at, asOf time.Time) (uuid.UUID, error) {
	return uuid.Nil, errors.New("rule store down")
}

func (f *failingRegistrar) RegisterRecurring(ctx context.Context, jobID uuid.UUID, expr string) (uuid.UUID, error) {
	return uuid.Nil, errors.New("rule store down")
}

func (f *failingRegistrar) Unregister(ctx context.Context, ruleID uuid.UUID) error {
	f.unregisters++
	return errors.New("rule store down")
}

func cronParser(p *cron.Parser) rules.CronParser {
	return rules.ParserFunc(func(expr string) (rules.CronSchedule, error) {
		return p.Parse(expr)
	})
}

type harness struct {
	store   *memory.Store
	engine  *rules.Engine
	emitter *recordingEmitter
	clock   *testutil.FakeClock
	svc     *Service
}

func newHarness() *harness {
	h := &harness{
		store:   memory.New(),
		emitter: &recordingEmitter{},
		clock:   testutil.NewFakeClock(t0),
	}
	parser := cron.NewParser()
	h.engine = rules.New(rules.Config{TickInterval: time.Second}, h.store, cronParser(parser), h.emitter).
		WithClock(h.clock.Now)
	h.svc = NewService(h.store, h.engine, h.emitter, parser).WithClock(h.clock.Now)
	return h
}

func (h *harness) jobCount(t *testing.T) int {
	t.Helper()
	jobs, err := h.store.ListJobs(context.Background(), domain.JobFilter{}, 0)
	require.NoError(t, err)
	return len(jobs)
}

func TestCreateJob_Immediate(t *testing.T) {
	h := newHarness()

	job, err := h.svc.CreateJob(context.Background(), domain.JobSpec{
		Name:    "  reindex  ",
		Type:    domain.JobTypeImmediate,
		Payload: json.RawMessage(`{"action":"process-data"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "reindex", job.Name)
	assert.Equal(t, domain.JobStatusExecuting, job.Status)
	assert.Equal(t, t0, job.CreatedAt)
	assert.Equal(t, t0, job.UpdatedAt)
	assert.Zero(t, job.InvocationCount)
	assert.False(t, job.RuleID.Valid)

	require.Len(t, h.emitter.events, 1)
	ev := h.emitter.events[0]
	assert.Equal(t, job.ID, ev.JobID)
	assert.Equal(t, uuid.Nil, ev.RuleID)

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
}

func TestCreateJob_ImmediateEmitFailureStillSucceeds(t *testing.T) {
	h := newHarness()
	h.emitter.err = errors.New("buffer full")

	job, err := h.svc.CreateJob(context.Background(), domain.JobSpec{Name: "n", Type: domain.JobTypeImmediate})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(job.Payload))
	assert.Equal(t, 1, h.jobCount(t))
}

func TestCreateJob_OnceRegistersRule(t *testing.T) {
	h := newHarness()
	at := t0.Add(time.Hour)

	job, err := h.svc.CreateJob(context.Background(), domain.JobSpec{
		Name:      "reminder",
		Type:      domain.JobTypeOnce,
		ExecuteAt: at.Format(time.RFC3339),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusScheduled, job.Status)
	require.True(t, job.RuleID.Valid)
	require.NotNil(t, job.ExecuteAt)
	assert.True(t, job.ExecuteAt.Equal(at))

	rule, err := h.engine.Rule(context.Background(), job.RuleID.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleKindOneShot, rule.Kind)
	assert.True(t, rule.NextFireAt.Equal(at))

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RuleID, stored.RuleID)
}

func TestCreateJob_OnceRegistersWhenClockAdvancesPastExecuteAt(t *testing.T) {
	h := newHarness()
	// The engine reads a later instant than the one CreateJob validated.
	h.engine.WithClock(testutil.NewFakeClock(t0.Add(2 * time.Second)).Now)
	at := t0.Add(time.Second)

	job, err := h.svc.CreateJob(context.Background(), domain.JobSpec{
		Name:      "tight",
		Type:      domain.JobTypeOnce,
		ExecuteAt: at.Format(time.RFC3339),
	})
	require.NoError(t, err)
	require.True(t, job.RuleID.Valid)
	assert.Equal(t, 1, h.jobCount(t))

	rule, err := h.engine.Rule(context.Background(), job.RuleID.UUID)
	require.NoError(t, err)
	assert.True(t, rule.NextFireAt.Equal(at))

	require.NoError(t, h.engine.Tick(context.Background()))
	require.Len(t, h.emitter.events, 1)
	assert.Equal(t, job.ID, h.emitter.events[0].JobID)
}

func TestCreateJob_CronRegistersRule(t *testing.T) {
	h := newHarness()

	job, err := h.svc.CreateJob(context.Background(), domain.JobSpec{
		Name:               "sweep",
		Type:               domain.JobTypeCron,
		ScheduleExpression: "*/5 * * * *",
	})
	require.NoError(t, err)
	require.True(t, job.RuleID.Valid)

	rule, err := h.engine.Rule(context.Background(), job.RuleID.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.RuleKindRecurring, rule.Kind)
	assert.True(t, rule.NextFireAt.Equal(t0.Add(5*time.Minute)))
}

func TestCreateJob_ValidationPersistsNothing(t *testing.T) {
	tests := []struct {
		name  string
		spec  domain.JobSpec
		field string
	}{
		{"missing name", domain.JobSpec{Type: domain.JobTypeImmediate}, "name"},
		{"bad type", domain.JobSpec{Name: "n", Type: "weekly"}, "type"},
		{"once without executeAt", domain.JobSpec{Name: "n", Type: domain.JobTypeOnce}, "executeAt"},
		{"once unparsable", domain.JobSpec{Name: "n", Type: domain.JobTypeOnce, ExecuteAt: "tomorrow"}, "executeAt"},
		{"once in the past", domain.JobSpec{Name: "n", Type: domain.JobTypeOnce, ExecuteAt: t0.Add(-time.Minute).Format(time.RFC3339)}, "executeAt"},
		{"once exactly now", domain.JobSpec{Name: "n", Type: domain.JobTypeOnce, ExecuteAt: t0.Format(time.RFC3339)}, "executeAt"},
		{"cron without expression", domain.JobSpec{Name: "n", Type: domain.JobTypeCron}, "scheduleExpression"},
		{"cron malformed", domain.JobSpec{Name: "n", Type: domain.JobTypeCron, ScheduleExpression: "every tuesday"}, "scheduleExpression"},
		{"bad payload", domain.JobSpec{Name: "n", Type: domain.JobTypeImmediate, Payload: json.RawMessage(`{`)}, "payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			_, err := h.svc.CreateJob(context.Background(), tt.spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)

			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)

			assert.Zero(t, h.jobCount(t))
			assert.Zero(t, h.store.RuleCount())
			assert.Empty(t, h.emitter.events)
		})
	}
}

func TestCreateJob_RegistrationFailureLeavesOrphan(t *testing.T) {
	store := memory.New()
	clock := testutil.NewFakeClock(t0)
	svc := NewService(store, &failingRegistrar{}, &recordingEmitter{}, cron.NewParser()).WithClock(clock.Now)

	_, err := svc.CreateJob(context.Background(), domain.JobSpec{
		Name:               "sweep",
		Type:               domain.JobTypeCron,
		ScheduleExpression: "@hourly",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrScheduling))

	orphans, err := store.ListOrphanedJobs(context.Background(), t0.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.False(t, orphans[0].RuleID.Valid)
}

func TestListJobs_FiltersAndOrder(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	var ids []uuid.UUID
	for _, typ := range []domain.JobType{domain.JobTypeImmediate, domain.JobTypeCron, domain.JobTypeImmediate} {
		spec := domain.JobSpec{Name: "j", Type: typ}
		if typ == domain.JobTypeCron {
			spec.ScheduleExpression = "@daily"
		}
		job, err := h.svc.CreateJob(ctx, spec)
		require.NoError(t, err)
		ids = append(ids, job.ID)
		h.clock.Advance(time.Second)
	}

	all, err := h.svc.ListJobs(ctx, domain.JobFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	immediate, err := h.svc.ListJobs(ctx, domain.JobFilter{Type: domain.JobTypeImmediate}, 0)
	require.NoError(t, err)
	assert.Len(t, immediate, 2)

	scheduled, err := h.svc.ListJobs(ctx, domain.JobFilter{Status: domain.JobStatusScheduled}, 0)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, ids[1], scheduled[0].ID)

	limited, err := h.svc.ListJobs(ctx, domain.JobFilter{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = h.svc.ListJobs(ctx, domain.JobFilter{Status: "paused"}, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdateJobStatus(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	job, err := h.svc.CreateJob(ctx, domain.JobSpec{Name: "j", Type: domain.JobTypeImmediate})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, h.svc.UpdateJobStatus(ctx, job.ID, domain.JobUpdate{IncrementInvocations: true}))
	}
	got, err := h.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.InvocationCount)
	assert.Equal(t, domain.JobStatusExecuting, got.Status)

	err = h.svc.UpdateJobStatus(ctx, uuid.New(), domain.JobUpdate{Status: domain.JobStatusCompleted})
	assert.True(t, domain.IsNotFound(err))

	err = h.svc.UpdateJobStatus(ctx, job.ID, domain.JobUpdate{Status: "bogus"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDeleteJob_RemovesRuleKeepsNothingElse(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	job, err := h.svc.CreateJob(ctx, domain.JobSpec{Name: "j", Type: domain.JobTypeCron, ScheduleExpression: "rate(1 hour)"})
	require.NoError(t, err)
	require.Equal(t, 1, h.store.RuleCount())

	require.NoError(t, h.svc.DeleteJob(ctx, job.ID))

	_, err = h.svc.GetJob(ctx, job.ID)
	assert.True(t, domain.IsNotFound(err))
	assert.Zero(t, h.store.RuleCount())
}

func TestDeleteJob_NotFoundNoMutation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_, err := h.svc.CreateJob(ctx, domain.JobSpec{Name: "keep", Type: domain.JobTypeCron, ScheduleExpression: "@hourly"})
	require.NoError(t, err)

	err = h.svc.DeleteJob(ctx, uuid.New())
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
	assert.Equal(t, 1, h.jobCount(t))
	assert.Equal(t, 1, h.store.RuleCount())
}

func TestDeleteJob_UnregisterFailureIsNotFatal(t *testing.T) {
	store := memory.New()
	reg := &failingRegistrar{}
	svc := NewService(store, reg, &recordingEmitter{}, cron.NewParser())
	ctx := context.Background()

	job := domain.Job{
		ID:     uuid.New(),
		Name:   "j",
		Type:   domain.JobTypeCron,
		Status: domain.JobStatusScheduled,
		RuleID: uuid.NullUUID{UUID: uuid.New(), Valid: true},
	}
	require.NoError(t, store.InsertJob(ctx, job))

	require.NoError(t, svc.DeleteJob(ctx, job.ID))
	assert.Equal(t, 1, reg.unregisters)
	_, err := store.GetJob(ctx, job.ID)
	assert.True(t, domain.IsNotFound(err))
}

func TestRepairSchedule_PastDueOnceIsPulledForward(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	past := t0.Add(-time.Hour)
	job := domain.Job{
		ID:        uuid.New(),
		Name:      "late",
		Type:      domain.JobTypeOnce,
		ExecuteAt: &past,
		Status:    domain.JobStatusScheduled,
	}
	require.NoError(t, h.store.InsertJob(ctx, job))

	ruleID, err := h.svc.RepairSchedule(ctx, job)
	require.NoError(t, err)

	rule, err := h.engine.Rule(ctx, ruleID)
	require.NoError(t, err)
	assert.True(t, rule.NextFireAt.Equal(t0.Add(time.Second)))

	stored, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ruleID, stored.RuleID.UUID)
}

func TestRepairSchedule_RejectsImmediate(t *testing.T) {
	h := newHarness()
	_, err := h.svc.RepairSchedule(context.Background(), domain.Job{ID: uuid.New(), Type: domain.JobTypeImmediate})
	assert.Error(t, err)
}
