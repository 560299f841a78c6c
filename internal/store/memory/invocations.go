package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

func (s *Store) InsertInvocation(ctx context.Context, inv domain.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations[inv.ID] = inv
	return nil
}

func (s *Store) FinalizeInvocation(ctx context.Context, inv domain.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.invocations[inv.ID]
	if !ok {
		return domain.ErrInvocationNotFound
	}
	if cur.Status != domain.InvocationStatusRunning {
		return domain.ErrInvocationFinalized
	}
	cur.Status = inv.Status
	cur.CompletedAt = inv.CompletedAt
	cur.Duration = inv.Duration
	cur.Output = inv.Output
	cur.Error = inv.Error
	s.invocations[inv.ID] = cur
	return nil
}

func (s *Store) ListInvocations(ctx context.Context, jobID uuid.UUID, q domain.InvocationQuery) ([]domain.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Invocation
	for _, inv := range s.invocations {
		if inv.JobID != jobID {
			continue
		}
		if q.Status != "" && inv.Status != q.Status {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(a, b int) bool {
		if q.NewestFirst {
			return out[a].StartedAt.After(out[b].StartedAt)
		}
		return out[a].StartedAt.Before(out[b].StartedAt)
	})
	return truncate(out, q.Limit), nil
}

func (s *Store) ListStaleInvocations(ctx context.Context, olderThan time.Time, limit int) ([]domain.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Invocation
	for _, inv := range s.invocations {
		if inv.Status == domain.InvocationStatusRunning && inv.StartedAt.Before(olderThan) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return truncate(out, limit), nil
}
