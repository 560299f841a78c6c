// Package memory keeps jobs, rules and invocations in process memory.
// It backs STORE_DRIVER=memory and scenario tests; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

type Store struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]domain.Job
	rules       map[uuid.UUID]domain.Rule
	invocations map[uuid.UUID]domain.Invocation
}

func New() *Store {
	return &Store{
		jobs:        make(map[uuid.UUID]domain.Job),
		rules:       make(map[uuid.UUID]domain.Rule),
		invocations: make(map[uuid.UUID]domain.Invocation),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Jobs

func (s *Store) InsertJob(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID.String() < out[b].ID.String()
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return truncate(out, limit), nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, update domain.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if update.Status != "" {
		job.Status = update.Status
	}
	if update.IncrementInvocations {
		job.InvocationCount++
	}
	if update.LastExecutedAt != nil {
		t := *update.LastExecutedAt
		job.LastExecutedAt = &t
	}
	if update.ClearRuleID {
		job.RuleID = uuid.NullUUID{}
	}
	job.UpdatedAt = update.UpdatedAt
	s.jobs[id] = job
	return nil
}

func (s *Store) SetJobRule(ctx context.Context, id, ruleID uuid.UUID, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.RuleID = uuid.NullUUID{UUID: ruleID, Valid: true}
	job.UpdatedAt = updatedAt
	s.jobs[id] = job
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *Store) ListOrphanedJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	return s.scanJobs(limit, func(j domain.Job) bool {
		return j.Type.Scheduled() &&
			j.Status == domain.JobStatusScheduled &&
			!j.RuleID.Valid &&
			j.CreatedAt.Before(olderThan)
	}), nil
}

func (s *Store) ListStalledJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	seen := make(map[uuid.UUID]bool)
	for _, inv := range s.invocations {
		seen[inv.JobID] = true
	}
	s.mu.Unlock()

	return s.scanJobs(limit, func(j domain.Job) bool {
		return j.Type == domain.JobTypeImmediate &&
			j.Status == domain.JobStatusExecuting &&
			j.InvocationCount == 0 &&
			!seen[j.ID] &&
			j.CreatedAt.Before(olderThan)
	}), nil
}

func (s *Store) scanJobs(limit int, match func(domain.Job) bool) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return truncate(out, limit)
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
