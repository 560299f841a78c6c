package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.SugaredLogger

	// Rule engine metrics
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	rulesFiredTotal *prometheus.CounterVec
	tickDuration    prometheus.Histogram
	tickDrift       prometheus.Histogram

	// Dispatcher metrics
	invocationsTotal  *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	dispatchSkipped   *prometheus.CounterVec
	eventsInFlight    prometheus.Gauge

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Reconciler metrics
	reconciledTotal      *prometheus.CounterVec
	reconcileErrorsTotal *prometheus.CounterVec

	// Leader election metrics
	isLeader        prometheus.Gauge
	leaderAcquired  prometheus.Counter
	leaderLostTotal *prometheus.CounterVec

	// Circuit breaker metrics
	circuitTransitions *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
// Metrics that fail to register keep working but are not exported.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.SugaredLogger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &PrometheusSink{logger: logger}
	s.initEngineMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	s.initCircuitMetrics(reg)
	return s
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (s *PrometheusSink) initEngineMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyjobs_engine_ticks_total",
		Help: "Total number of rule engine ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyjobs_engine_tick_errors_total",
		Help: "Total number of rule engine tick errors.",
	})
	s.rulesFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyjobs_engine_rules_fired_total",
		Help: "Total number of rule fires emitted, by rule kind.",
	}, []string{"kind"})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easyjobs_engine_tick_duration_seconds",
		Help:    "Duration of each rule engine tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easyjobs_engine_tick_drift_seconds",
		Help:    "Difference between actual tick time and expected interval in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	s.register(reg, s.ticksTotal, "easyjobs_engine_ticks_total")
	s.register(reg, s.tickErrorsTotal, "easyjobs_engine_tick_errors_total")
	s.register(reg, s.rulesFiredTotal, "easyjobs_engine_rules_fired_total")
	s.register(reg, s.tickDuration, "easyjobs_engine_tick_duration_seconds")
	s.register(reg, s.tickDrift, "easyjobs_engine_tick_drift_seconds")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.invocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyjobs_dispatcher_invocations_total",
		Help: "Total number of finished invocations.",
	}, []string{"job_type", "status", "error_kind"})

	s.executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "easyjobs_dispatcher_execution_duration_seconds",
		Help:    "Business logic execution time in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"job_type"})

	s.dispatchSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyjobs_dispatcher_skipped_total",
		Help: "Total number of fires dropped without execution.",
	}, []string{"reason"})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyjobs_dispatcher_events_in_flight",
		Help: "Number of events currently being processed.",
	})

	s.register(reg, s.invocationsTotal, "easyjobs_dispatcher_invocations_total")
	s.register(reg, s.executionDuration, "easyjobs_dispatcher_execution_duration_seconds")
	s.register(reg, s.dispatchSkipped, "easyjobs_dispatcher_skipped_total")
	s.register(reg, s.eventsInFlight, "easyjobs_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyjobs_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyjobs_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyjobs_eventbus_buffer_saturation",
		Help: "Event bus buffer occupancy as a ratio of capacity.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyjobs_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full or cancelled).",
	})

	s.register(reg, s.bufferSize, "easyjobs_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "easyjobs_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "easyjobs_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "easyjobs_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.reconciledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyjobs_reconciler_repairs_total",
		Help: "Total number of items repaired by the reconciler, by sweep.",
	}, []string{"sweep"})
	s.reconcileErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyjobs_reconciler_errors_total",
		Help: "Total number of failed reconciler sweeps.",
	}, []string{"sweep"})

	s.register(reg, s.reconciledTotal, "easyjobs_reconciler_repairs_total")
	s.register(reg, s.reconcileErrorsTotal, "easyjobs_reconciler_errors_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyjobs_leader_is_leader",
		Help: "1 while this instance holds leadership.",
	})
	s.leaderAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyjobs_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyjobs_leader_lost_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "easyjobs_leader_is_leader")
	s.register(reg, s.leaderAcquired, "easyjobs_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "easyjobs_leader_lost_total")
}

func (s *PrometheusSink) initCircuitMetrics(reg prometheus.Registerer) {
	s.circuitTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyjobs_circuit_transitions_total",
		Help: "Total number of webhook circuit breaker transitions, by target state.",
	}, []string{"to"})

	s.register(reg, s.circuitTransitions, "easyjobs_circuit_transitions_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warnw("failed to register metric", "name", name, "error", err)
	}
}

// Rule engine metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, rulesFired int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	// Record absolute drift value
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

func (s *PrometheusSink) RuleFired(kind domain.RuleKind) {
	s.rulesFiredTotal.WithLabelValues(string(kind)).Inc()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) InvocationCompleted(jobType domain.JobType, status domain.InvocationStatus, errKind domain.ErrorKind, duration time.Duration) {
	kind := string(errKind)
	if kind == "" {
		kind = "none"
	}
	s.invocationsTotal.WithLabelValues(string(jobType), string(status), kind).Inc()
	s.executionDuration.WithLabelValues(string(jobType)).Observe(duration.Seconds())
}

func (s *PrometheusSink) DispatchSkipped(reason string) {
	s.dispatchSkipped.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) Reconciled(sweep string, count int) {
	if count > 0 {
		s.reconciledTotal.WithLabelValues(sweep).Add(float64(count))
	}
}

func (s *PrometheusSink) ReconcileError(sweep string) {
	s.reconcileErrorsTotal.WithLabelValues(sweep).Inc()
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquired.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) CircuitStateChanged(to string) {
	s.circuitTransitions.WithLabelValues(to).Inc()
}
