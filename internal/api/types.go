package api

import (
	"encoding/json"
	"time"

	"github.com/djlord-it/easy-jobs/internal/domain"
	"github.com/djlord-it/easy-jobs/internal/ledger"
)

type CreateJobRequest struct {
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	Type               string          `json:"type"`
	ScheduleExpression string          `json:"scheduleExpression,omitempty"`
	ExecuteAt          string          `json:"executeAt,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

func (r CreateJobRequest) spec() domain.JobSpec {
	return domain.JobSpec{
		Name:               r.Name,
		Description:        r.Description,
		Type:               domain.JobType(r.Type),
		ScheduleExpression: r.ScheduleExpression,
		ExecuteAt:          r.ExecuteAt,
		Payload:            r.Payload,
	}
}

type JobResponse struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Type               string          `json:"type"`
	ScheduleExpression string          `json:"scheduleExpression,omitempty"`
	ExecuteAt          *string         `json:"executeAt,omitempty"`
	Payload            json.RawMessage `json:"payload"`
	Status             string          `json:"status"`
	RuleID             *string         `json:"ruleId,omitempty"`
	CreatedAt          string          `json:"createdAt"`
	UpdatedAt          string          `json:"updatedAt"`
	LastExecutedAt     *string         `json:"lastExecutedAt,omitempty"`
	InvocationCount    int64           `json:"invocationCount"`
}

type InvocationResponse struct {
	ID          string                  `json:"id"`
	JobID       string                  `json:"jobId"`
	Status      string                  `json:"status"`
	StartedAt   string                  `json:"startedAt"`
	CompletedAt *string                 `json:"completedAt,omitempty"`
	DurationMs  *int64                  `json:"durationMs,omitempty"`
	Input       json.RawMessage         `json:"input,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       *domain.InvocationError `json:"error,omitempty"`
}

type ListJobsResponse struct {
	Count int           `json:"count"`
	Jobs  []JobResponse `json:"jobs"`
}

type JobDetailResponse struct {
	Job         JobResponse          `json:"job"`
	Invocations []InvocationResponse `json:"invocations"`
	Statistics  ledger.Statistics    `json:"statistics"`
}

type DeleteJobResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// NewJobResponse renders j in the public camelCase shape.
func NewJobResponse(j domain.Job) JobResponse {
	resp := JobResponse{
		ID:                 j.ID.String(),
		Name:               j.Name,
		Description:        j.Description,
		Type:               string(j.Type),
		ScheduleExpression: j.ScheduleExpression,
		ExecuteAt:          formatTimePtr(j.ExecuteAt),
		Payload:            j.Payload,
		Status:             string(j.Status),
		CreatedAt:          formatTime(j.CreatedAt),
		UpdatedAt:          formatTime(j.UpdatedAt),
		LastExecutedAt:     formatTimePtr(j.LastExecutedAt),
		InvocationCount:    j.InvocationCount,
	}
	if len(resp.Payload) == 0 {
		resp.Payload = json.RawMessage(`{}`)
	}
	if j.RuleID.Valid {
		id := j.RuleID.UUID.String()
		resp.RuleID = &id
	}
	return resp
}

func NewInvocationResponse(inv domain.Invocation) InvocationResponse {
	resp := InvocationResponse{
		ID:          inv.ID.String(),
		JobID:       inv.JobID.String(),
		Status:      string(inv.Status),
		StartedAt:   formatTime(inv.StartedAt),
		CompletedAt: formatTimePtr(inv.CompletedAt),
		Input:       inv.Input,
		Output:      inv.Output,
		Error:       inv.Error,
	}
	if inv.CompletedAt != nil {
		ms := inv.Duration.Milliseconds()
		resp.DurationMs = &ms
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
