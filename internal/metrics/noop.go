package metrics

import (
	"time"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                                                         {}
func (n *NoopSink) TickCompleted(duration time.Duration, rulesFired int, err error)                                      {}
func (n *NoopSink) TickDrift(drift time.Duration)                                                                        {}
func (n *NoopSink) RuleFired(kind domain.RuleKind)                                                                       {}
func (n *NoopSink) InvocationCompleted(t domain.JobType, s domain.InvocationStatus, k domain.ErrorKind, d time.Duration) {}
func (n *NoopSink) DispatchSkipped(reason string)                                                                        {}
func (n *NoopSink) EventsInFlightIncr()                                                                                  {}
func (n *NoopSink) EventsInFlightDecr()                                                                                  {}
func (n *NoopSink) BufferSizeUpdate(size int)                                                                            {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                                                       {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                                                            {}
func (n *NoopSink) EmitError()                                                                                           {}
func (n *NoopSink) Reconciled(sweep string, count int)                                                                   {}
func (n *NoopSink) ReconcileError(sweep string)                                                                          {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                                                    {}
func (n *NoopSink) LeaderAcquired()                                                                                      {}
func (n *NoopSink) LeaderLost(reason string)                                                                             {}
func (n *NoopSink) CircuitStateChanged(to string)                                                                        {}
