package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type InvocationStatus string

const (
	InvocationStatusRunning   InvocationStatus = "running"
	InvocationStatusCompleted InvocationStatus = "completed"
	InvocationStatusFailed    InvocationStatus = "failed"
)

func (s InvocationStatus) Valid() bool {
	switch s {
	case InvocationStatusRunning, InvocationStatusCompleted, InvocationStatusFailed:
		return true
	}
	return false
}

func (s InvocationStatus) IsTerminal() bool {
	return s == InvocationStatusCompleted || s == InvocationStatusFailed
}

type ErrorKind string

const (
	ErrorKindExecution     ErrorKind = "execution"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindPanic         ErrorKind = "panic"
	ErrorKindUnknownAction ErrorKind = "unknown_action"
	ErrorKindInternal      ErrorKind = "internal"
)

type InvocationError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Trace   string    `json:"trace,omitempty"`
}

// Invocation is one execution attempt of a job. It is created running and
// finalized exactly once.
type Invocation struct {
	ID    uuid.UUID
	JobID uuid.UUID

	Status      InvocationStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Duration    time.Duration

	Input  json.RawMessage
	Output json.RawMessage
	Error  *InvocationError
}

type InvocationQuery struct {
	Status      InvocationStatus // empty means any
	Limit       int
	NewestFirst bool
}
