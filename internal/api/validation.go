package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-jobs/internal/domain"
	"github.com/djlord-it/easy-jobs/internal/ledger"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// parseLimit reads an optional positive integer query parameter. Absent or
// zero yields def; values above max are rejected rather than clamped.
func parseLimit(r *http.Request, name string, def, max int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, domain.NewValidationError(name, "must be an integer")
	}
	if n < 0 {
		return 0, domain.NewValidationError(name, "must not be negative")
	}
	if n > max {
		return 0, domain.NewValidationError(name, "exceeds maximum of %d", max)
	}
	if n == 0 {
		return def, nil
	}
	return n, nil
}

func parseJobFilter(r *http.Request) (domain.JobFilter, error) {
	q := r.URL.Query()
	filter := domain.JobFilter{
		Type:   domain.JobType(q.Get("type")),
		Status: domain.JobStatus(q.Get("status")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return filter, domain.NewValidationError("type", "unknown job type %q", filter.Type)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return filter, domain.NewValidationError("status", "unknown job status %q", filter.Status)
	}
	return filter, nil
}

func parseInvocationQuery(r *http.Request) (domain.InvocationQuery, error) {
	limit, err := parseLimit(r, "invocationLimit", ledger.DefaultQueryLimit, ledger.MaxQueryLimit)
	if err != nil {
		return domain.InvocationQuery{}, err
	}
	status := domain.InvocationStatus(r.URL.Query().Get("invocationStatus"))
	if status != "" && !status.Valid() {
		return domain.InvocationQuery{}, domain.NewValidationError("invocationStatus", "unknown invocation status %q", status)
	}
	return domain.InvocationQuery{Status: status, Limit: limit, NewestFirst: true}, nil
}

func parseJobID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.NewValidationError("id", "invalid job id %q", raw)
	}
	return id, nil
}
