package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)
	return sink, reg
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m.GetLabel(), labels) {
				return m
			}
		}
	}
	return nil
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	if m := findMetric(t, reg, name, labels); m != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	if m := findMetric(t, reg, name, nil); m != nil {
		return m.GetGauge().GetValue()
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	if sink := NewPrometheusSink(reg, nil); sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_TickMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TickStarted()
	sink.TickStarted()
	sink.TickCompleted(100*time.Millisecond, 5, nil)
	sink.TickCompleted(100*time.Millisecond, 0, errors.New("db error"))

	if val := getCounterValue(t, reg, "easyjobs_engine_ticks_total", nil); val != 2 {
		t.Errorf("ticks_total = %v, want 2", val)
	}
	if val := getCounterValue(t, reg, "easyjobs_engine_tick_errors_total", nil); val != 1 {
		t.Errorf("tick_errors_total = %v, want 1", val)
	}
}

func TestPrometheusSink_RuleFired(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RuleFired(domain.RuleKindOneShot)
	sink.RuleFired(domain.RuleKindRecurring)
	sink.RuleFired(domain.RuleKindRecurring)

	if val := getCounterValue(t, reg, "easyjobs_engine_rules_fired_total", map[string]string{"kind": "recurring"}); val != 2 {
		t.Errorf("recurring fires = %v, want 2", val)
	}
	if val := getCounterValue(t, reg, "easyjobs_engine_rules_fired_total", map[string]string{"kind": "one_shot"}); val != 1 {
		t.Errorf("one_shot fires = %v, want 1", val)
	}
}

func TestPrometheusSink_InvocationLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.InvocationCompleted(domain.JobTypeCron, domain.InvocationStatusCompleted, "", 100*time.Millisecond)
	sink.InvocationCompleted(domain.JobTypeOnce, domain.InvocationStatusFailed, domain.ErrorKindTimeout, 30*time.Second)

	ok := getCounterValue(t, reg, "easyjobs_dispatcher_invocations_total",
		map[string]string{"job_type": "cron", "status": "completed", "error_kind": "none"})
	if ok != 1 {
		t.Errorf("cron/completed = %v, want 1", ok)
	}
	failed := getCounterValue(t, reg, "easyjobs_dispatcher_invocations_total",
		map[string]string{"job_type": "once", "status": "failed", "error_kind": "timeout"})
	if failed != 1 {
		t.Errorf("once/failed/timeout = %v, want 1", failed)
	}

	m := findMetric(t, reg, "easyjobs_dispatcher_execution_duration_seconds", map[string]string{"job_type": "once"})
	if m == nil || m.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("expected one duration sample for once jobs")
	}
}

func TestPrometheusSink_EventsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventsInFlightIncr()
	sink.EventsInFlightIncr()
	sink.EventsInFlightDecr()

	if val := getGaugeValue(t, reg, "easyjobs_dispatcher_events_in_flight"); val != 1 {
		t.Errorf("events_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.BufferSaturationUpdate(0.42)

	if v := getGaugeValue(t, reg, "easyjobs_eventbus_buffer_capacity"); v != 100 {
		t.Errorf("buffer_capacity = %v, want 100", v)
	}
	if v := getGaugeValue(t, reg, "easyjobs_eventbus_buffer_size"); v != 42 {
		t.Errorf("buffer_size = %v, want 42", v)
	}
	if v := getGaugeValue(t, reg, "easyjobs_eventbus_buffer_saturation"); v != 0.42 {
		t.Errorf("buffer_saturation = %v, want 0.42", v)
	}
}

func TestPrometheusSink_ReconcilerSkipsZeroCounts(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.Reconciled("orphaned_jobs", 0)
	sink.Reconciled("replayed_fires", 3)
	sink.ReconcileError("stale_invocations")

	if findMetric(t, reg, "easyjobs_reconciler_repairs_total", map[string]string{"sweep": "orphaned_jobs"}) != nil {
		t.Error("zero counts should not create a series")
	}
	if v := getCounterValue(t, reg, "easyjobs_reconciler_repairs_total", map[string]string{"sweep": "replayed_fires"}); v != 3 {
		t.Errorf("replayed_fires = %v, want 3", v)
	}
	if v := getCounterValue(t, reg, "easyjobs_reconciler_errors_total", map[string]string{"sweep": "stale_invocations"}); v != 1 {
		t.Errorf("errors = %v, want 1", v)
	}
}

func TestPrometheusSink_LeaderMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	if v := getGaugeValue(t, reg, "easyjobs_leader_is_leader"); v != 1 {
		t.Errorf("is_leader = %v, want 1", v)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost(LeaderLostConnLost)
	if v := getGaugeValue(t, reg, "easyjobs_leader_is_leader"); v != 0 {
		t.Errorf("is_leader = %v, want 0", v)
	}
	if v := getCounterValue(t, reg, "easyjobs_leader_lost_total", map[string]string{"reason": "conn_lost"}); v != 1 {
		t.Errorf("leader_lost{conn_lost} = %v, want 1", v)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// The second registration fails for every metric but must not panic.
	reg := prometheus.NewRegistry()

	if sink1 := NewPrometheusSink(reg, nil); sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}
	sink2 := NewPrometheusSink(reg, nil)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
	sink2.TickStarted()
}

func TestHandler_ExposesMetrics(t *testing.T) {
	sink, reg := newTestSink(t)
	sink.CircuitStateChanged("open")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `easyjobs_circuit_transitions_total{to="open"} 1`) {
		t.Errorf("exposition missing circuit metric:\n%s", body)
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
