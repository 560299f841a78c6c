package metrics

import (
	"time"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Rule engine metrics
	TickStarted()
	TickCompleted(duration time.Duration, rulesFired int, err error)
	TickDrift(drift time.Duration)
	RuleFired(kind domain.RuleKind)

	// Dispatcher metrics
	InvocationCompleted(jobType domain.JobType, status domain.InvocationStatus, errKind domain.ErrorKind, duration time.Duration)
	DispatchSkipped(reason string)
	EventsInFlightIncr()
	EventsInFlightDecr()

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Reconciler metrics
	Reconciled(sweep string, count int)
	ReconcileError(sweep string)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)

	// Circuit breaker metrics
	CircuitStateChanged(to string)
}

// LeaderLost reasons.
const (
	LeaderLostShutdown = "shutdown"
	LeaderLostConnLost = "conn_lost"
	LeaderLostError    = "error"
)
