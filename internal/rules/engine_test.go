package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/djlord-it/easy-jobs/internal/cron"
	"github.com/djlord-it/easy-jobs/internal/domain"
	"github.com/djlord-it/easy-jobs/internal/store/memory"
	"github.com/djlord-it/easy-jobs/internal/testutil"
)

func cronParser() CronParser {
	p := cron.NewParser()
	return ParserFunc(func(expr string) (CronSchedule, error) {
		return p.Parse(expr)
	})
}

type mockEmitter struct {
	mu     sync.Mutex
	events []domain.FireEvent
	failOn map[uuid.UUID]bool
}

func (e *mockEmitter) Emit(ctx context.Context, event domain.FireEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failOn[event.JobID] {
		return errors.New("buffer full")
	}
	e.events = append(e.events, event)
	return nil
}

func (e *mockEmitter) eventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

type failingListStore struct {
	*memory.Store
}

func (s failingListStore) ListDueRules(ctx context.Context, now time.Time, limit int) ([]domain.Rule, error) {
	return nil, errors.New("connection refused")
}

type mockMetricsSink struct {
	mu            sync.Mutex
	tickStarted   int
	tickCompleted []int
	tickErrors    []error
	drifts        []time.Duration
	firedByKind   map[domain.RuleKind]int
}

func (m *mockMetricsSink) TickStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickStarted++
}

func (m *mockMetricsSink) TickCompleted(d time.Duration, fired int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickCompleted = append(m.tickCompleted, fired)
	m.tickErrors = append(m.tickErrors, err)
}

func (m *mockMetricsSink) TickDrift(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drifts = append(m.drifts, d)
}

func (m *mockMetricsSink) RuleFired(kind domain.RuleKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firedByKind == nil {
		m.firedByKind = make(map[domain.RuleKind]int)
	}
	m.firedByKind[kind]++
}

var t0 = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine(store Store, emitter EventEmitter, clock *testutil.FakeClock) *Engine {
	e := New(Config{TickInterval: time.Second, BatchSize: 10}, store, cronParser(), emitter)
	e.clock = clock.Now
	return e
}

func TestRegisterOneShot_RejectsPastAndPresent(t *testing.T) {
	store := memory.New()
	clock := testutil.NewFakeClock(t0)
	e := newTestEngine(store, &mockEmitter{}, clock)
	ctx := testutil.TestContext(t)

	for _, at := range []time.Time{t0, t0.Add(-time.Second)} {
		_, err := e.RegisterOneShot(ctx, uuid.New(), at)
		if !errors.Is(err, domain.ErrScheduling) {
			t.Errorf("RegisterOneShot(%v) error = %v, want ErrScheduling", at, err)
		}
	}
	if store.RuleCount() != 0 {
		t.Errorf("rejected registrations must not persist rules, have %d", store.RuleCount())
	}
}

func TestRegisterRecurring_InvalidExpression(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, &mockEmitter{}, testutil.NewFakeClock(t0))

	_, err := e.RegisterRecurring(testutil.TestContext(t), uuid.New(), "every tuesday")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if store.RuleCount() != 0 {
		t.Error("invalid expression must not persist a rule")
	}
}

func TestRegisterRecurring_ComputesNextFire(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, &mockEmitter{}, testutil.NewFakeClock(t0))
	ctx := testutil.TestContext(t)

	id, err := e.RegisterRecurring(ctx, uuid.New(), "rate(15 minutes)")
	if err != nil {
		t.Fatalf("RegisterRecurring: %v", err)
	}
	rule, err := e.Rule(ctx, id)
	if err != nil {
		t.Fatalf("Rule: %v", err)
	}
	if want := t0.Add(15 * time.Minute); !rule.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", rule.NextFireAt, want)
	}
	if !rule.Enabled || rule.Kind != domain.RuleKindRecurring {
		t.Errorf("unexpected rule %+v", rule)
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	store := memory.New()
	e := newTestEngine(store, &mockEmitter{}, testutil.NewFakeClock(t0))
	ctx := testutil.TestContext(t)

	id, err := e.RegisterOneShot(ctx, uuid.New(), t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("RegisterOneShot: %v", err)
	}
	if err := e.Unregister(ctx, id); err != nil {
		t.Fatalf("first Unregister: %v", err)
	}
	if err := e.Unregister(ctx, id); err != nil {
		t.Fatalf("second Unregister: %v", err)
	}
	if err := e.Unregister(ctx, uuid.New()); err != nil {
		t.Fatalf("Unregister of unknown rule: %v", err)
	}
}

func TestProcessTick_OneShotFiresOnce(t *testing.T) {
	store := memory.New()
	emitter := &mockEmitter{}
	clock := testutil.NewFakeClock(t0)
	e := newTestEngine(store, emitter, clock)
	ctx := testutil.TestContext(t)

	jobID := uuid.New()
	at := t0.Add(time.Minute)
	ruleID, err := e.RegisterOneShot(ctx, jobID, at)
	if err != nil {
		t.Fatalf("RegisterOneShot: %v", err)
	}

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("early tick: %v", err)
	}
	if emitter.eventCount() != 0 {
		t.Fatal("rule fired before its time")
	}

	clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		if err := e.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	if emitter.eventCount() != 1 {
		t.Fatalf("expected exactly 1 event, got %d", emitter.eventCount())
	}
	ev := emitter.events[0]
	if ev.RuleID != ruleID || ev.JobID != jobID {
		t.Errorf("event ids = %v/%v, want %v/%v", ev.RuleID, ev.JobID, ruleID, jobID)
	}
	if !ev.ScheduledAt.Equal(at) {
		t.Errorf("ScheduledAt = %v, want %v", ev.ScheduledAt, at)
	}
	if ev.IdempotencyKey != domain.IdempotencyKey(jobID, at) {
		t.Error("unexpected idempotency key")
	}

	rule, err := store.GetRule(ctx, ruleID)
	if err != nil {
		t.Fatalf("rule should remain until the dispatcher deletes it: %v", err)
	}
	if rule.Enabled || rule.ClaimedAt == nil {
		t.Errorf("fired one-shot rule should be consumed, got %+v", rule)
	}
}

func TestProcessTick_RecurringCoalescesMissedFires(t *testing.T) {
	store := memory.New()
	emitter := &mockEmitter{}
	clock := testutil.NewFakeClock(t0)
	e := newTestEngine(store, emitter, clock)
	ctx := testutil.TestContext(t)

	ruleID, err := e.RegisterRecurring(ctx, uuid.New(), "rate(15 minutes)")
	if err != nil {
		t.Fatalf("RegisterRecurring: %v", err)
	}

	// Three fire times pass while the engine is down.
	clock.Advance(50 * time.Minute)
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if emitter.eventCount() != 1 {
		t.Fatalf("expected missed fires coalesced into 1 event, got %d", emitter.eventCount())
	}
	if want := t0.Add(15 * time.Minute); !emitter.events[0].ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", emitter.events[0].ScheduledAt, want)
	}

	rule, _ := store.GetRule(ctx, ruleID)
	if want := t0.Add(65 * time.Minute); !rule.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", rule.NextFireAt, want)
	}
}

func TestProcessTick_ConcurrentEnginesFireOnce(t *testing.T) {
	store := memory.New()
	emitter := &mockEmitter{}
	clock := testutil.NewFakeClock(t0)
	ctx := testutil.TestContext(t)

	a := newTestEngine(store, emitter, clock)
	b := newTestEngine(store, emitter, clock)

	if _, err := a.RegisterOneShot(ctx, uuid.New(), t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := a.RegisterRecurring(ctx, uuid.New(), "@every 1m"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)

	var wg sync.WaitGroup
	for _, e := range []*Engine{a, b} {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.Tick(ctx)
		}(e)
	}
	wg.Wait()

	if emitter.eventCount() != 2 {
		t.Fatalf("expected one event per rule, got %d", emitter.eventCount())
	}
}

func TestProcessTick_EmitErrorContinues(t *testing.T) {
	store := memory.New()
	bad := uuid.New()
	emitter := &mockEmitter{failOn: map[uuid.UUID]bool{bad: true}}
	clock := testutil.NewFakeClock(t0)
	e := newTestEngine(store, emitter, clock)
	ctx := testutil.TestContext(t)

	e.RegisterOneShot(ctx, bad, t0.Add(time.Second))
	e.RegisterOneShot(ctx, uuid.New(), t0.Add(time.Second))
	clock.Advance(time.Second)

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if emitter.eventCount() != 1 {
		t.Errorf("expected the healthy rule to fire, got %d events", emitter.eventCount())
	}
}

func TestProcessTick_RecurringEmitErrorRetriesNextTick(t *testing.T) {
	store := memory.New()
	jobID := uuid.New()
	emitter := &mockEmitter{failOn: map[uuid.UUID]bool{jobID: true}}
	clock := testutil.NewFakeClock(t0)
	e := newTestEngine(store, emitter, clock)
	ctx := testutil.TestContext(t)

	ruleID, err := e.RegisterRecurring(ctx, jobID, "rate(15 minutes)")
	if err != nil {
		t.Fatalf("RegisterRecurring: %v", err)
	}
	clock.Advance(15 * time.Minute)
	due := t0.Add(15 * time.Minute)

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("failing tick: %v", err)
	}
	if emitter.eventCount() != 0 {
		t.Fatalf("expected no events while emit fails, got %d", emitter.eventCount())
	}
	rule, err := e.Rule(ctx, ruleID)
	if err != nil {
		t.Fatalf("Rule: %v", err)
	}
	if !rule.NextFireAt.Equal(due) {
		t.Fatalf("NextFireAt after failed emit = %v, want %v", rule.NextFireAt, due)
	}

	emitter.mu.Lock()
	emitter.failOn = nil
	emitter.mu.Unlock()

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if emitter.eventCount() != 1 {
		t.Fatalf("expected the missed fire on retry, got %d events", emitter.eventCount())
	}
	if got := emitter.events[0].ScheduledAt; !got.Equal(due) {
		t.Errorf("ScheduledAt = %v, want %v", got, due)
	}
	rule, err = e.Rule(ctx, ruleID)
	if err != nil {
		t.Fatalf("Rule: %v", err)
	}
	if want := t0.Add(30 * time.Minute); !rule.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt after retry = %v, want %v", rule.NextFireAt, want)
	}
}

func TestRegisterOneShotAsOf_UsesCallerClock(t *testing.T) {
	store := memory.New()
	emitter := &mockEmitter{}
	clock := testutil.NewFakeClock(t0.Add(2 * time.Second))
	e := newTestEngine(store, emitter, clock)
	ctx := testutil.TestContext(t)

	at := t0.Add(time.Second)
	if _, err := e.RegisterOneShot(ctx, uuid.New(), at); !errors.Is(err, domain.ErrScheduling) {
		t.Fatalf("RegisterOneShot against engine clock error = %v, want ErrScheduling", err)
	}

	jobID := uuid.New()
	ruleID, err := e.RegisterOneShotAsOf(ctx, jobID, at, t0)
	if err != nil {
		t.Fatalf("RegisterOneShotAsOf: %v", err)
	}
	rule, err := e.Rule(ctx, ruleID)
	if err != nil {
		t.Fatalf("Rule: %v", err)
	}
	if !rule.NextFireAt.Equal(at) {
		t.Errorf("NextFireAt = %v, want %v", rule.NextFireAt, at)
	}

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if emitter.eventCount() != 1 || emitter.events[0].JobID != jobID {
		t.Fatalf("expected the overdue rule to fire on the next tick, got %d events", emitter.eventCount())
	}

	if _, err := e.RegisterOneShotAsOf(ctx, uuid.New(), t0, t0); !errors.Is(err, domain.ErrScheduling) {
		t.Errorf("RegisterOneShotAsOf(at == asOf) error = %v, want ErrScheduling", err)
	}
}

func TestProcessTick_StoreErrorReported(t *testing.T) {
	metrics := &mockMetricsSink{}
	e := newTestEngine(failingListStore{memory.New()}, &mockEmitter{}, testutil.NewFakeClock(t0)).WithMetrics(metrics)

	if err := e.Tick(testutil.TestContext(t)); err == nil {
		t.Fatal("expected tick error")
	}
	if len(metrics.tickErrors) != 1 || metrics.tickErrors[0] == nil {
		t.Errorf("TickCompleted should receive the error, got %v", metrics.tickErrors)
	}
}

func TestProcessTick_Metrics(t *testing.T) {
	store := memory.New()
	metrics := &mockMetricsSink{}
	clock := testutil.NewFakeClock(t0)
	e := newTestEngine(store, &mockEmitter{}, clock).WithMetrics(metrics)
	ctx := testutil.TestContext(t)

	e.RegisterOneShot(ctx, uuid.New(), t0.Add(time.Second))
	e.RegisterRecurring(ctx, uuid.New(), "@every 1s")
	e.lastTick = t0
	clock.Advance(3 * time.Second)

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if metrics.tickStarted != 1 {
		t.Errorf("TickStarted = %d, want 1", metrics.tickStarted)
	}
	if len(metrics.tickCompleted) != 1 || metrics.tickCompleted[0] != 2 {
		t.Errorf("TickCompleted fired = %v, want [2]", metrics.tickCompleted)
	}
	if metrics.firedByKind[domain.RuleKindOneShot] != 1 || metrics.firedByKind[domain.RuleKindRecurring] != 1 {
		t.Errorf("RuleFired = %v", metrics.firedByKind)
	}
	if len(metrics.drifts) != 1 || metrics.drifts[0] != 2*time.Second {
		t.Errorf("TickDrift = %v, want [2s]", metrics.drifts)
	}
}
