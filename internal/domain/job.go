package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeImmediate JobType = "immediate"
	JobTypeOnce      JobType = "once"
	JobTypeCron      JobType = "cron"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeImmediate, JobTypeOnce, JobTypeCron:
		return true
	}
	return false
}

// Scheduled reports whether jobs of this type are driven by a rule.
func (t JobType) Scheduled() bool {
	return t == JobTypeOnce || t == JobTypeCron
}

type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusExecuting JobStatus = "executing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusScheduled, JobStatusExecuting, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// InitialStatus is the status a freshly created job starts in.
func InitialStatus(t JobType) JobStatus {
	if t == JobTypeImmediate {
		return JobStatusExecuting
	}
	return JobStatusScheduled
}

// NextStatus is the status a job moves to once an invocation finishes.
// Cron jobs always return to scheduled; the others end terminal.
func NextStatus(t JobType, succeeded bool) JobStatus {
	if t == JobTypeCron {
		return JobStatusScheduled
	}
	if succeeded {
		return JobStatusCompleted
	}
	return JobStatusFailed
}

type Job struct {
	ID uuid.UUID

	Name        string
	Description string
	Type        JobType

	// Exactly one of these is set, depending on Type.
	ScheduleExpression string     // cron
	ExecuteAt          *time.Time // once

	Payload json.RawMessage
	Status  JobStatus
	RuleID  uuid.NullUUID

	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastExecutedAt  *time.Time
	InvocationCount int64
}

// Action returns payload.action, or "" when absent.
func (j Job) Action() string {
	return ActionOf(j.Payload)
}

// ActionOf extracts the "action" member of a JSON object payload.
func ActionOf(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Action
}

type JobFilter struct {
	Type   JobType
	Status JobStatus
}

// JobUpdate is a partial update applied atomically by the store.
type JobUpdate struct {
	Status               JobStatus
	IncrementInvocations bool
	LastExecutedAt       *time.Time
	UpdatedAt            time.Time
	ClearRuleID          bool
}

// JobSpec is the client's request to create a job.
type JobSpec struct {
	Name               string
	Description        string
	Type               JobType
	ScheduleExpression string
	ExecuteAt          string // RFC 3339
	Payload            json.RawMessage
}
