package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

func (s *Store) InsertRule(ctx context.Context, rule domain.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return domain.Rule{}, domain.ErrRuleNotFound
	}
	return rule, nil
}

func (s *Store) DeleteRule(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rules[id]
	delete(s.rules, id)
	return ok, nil
}

func (s *Store) ListDueRules(ctx context.Context, now time.Time, limit int) ([]domain.Rule, error) {
	return s.scanRules(limit, func(r domain.Rule) bool {
		return r.Enabled && !r.NextFireAt.After(now)
	}, func(r domain.Rule) time.Time { return r.NextFireAt }), nil
}

func (s *Store) ClaimRule(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok || !rule.Enabled || rule.Kind != domain.RuleKindOneShot {
		return false, nil
	}
	rule.Enabled = false
	claimed := now
	rule.ClaimedAt = &claimed
	rule.UpdatedAt = now
	s.rules[id] = rule
	return true, nil
}

func (s *Store) AdvanceRule(ctx context.Context, id uuid.UUID, prev, next, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok || !rule.Enabled || !rule.NextFireAt.Equal(prev) {
		return false, nil
	}
	rule.NextFireAt = next
	rule.UpdatedAt = now
	s.rules[id] = rule
	return true, nil
}

func (s *Store) ListClaimedRules(ctx context.Context, olderThan time.Time, limit int) ([]domain.Rule, error) {
	return s.scanRules(limit, func(r domain.Rule) bool {
		return r.Kind == domain.RuleKindOneShot &&
			!r.Enabled &&
			r.ClaimedAt != nil &&
			r.ClaimedAt.Before(olderThan)
	}, func(r domain.Rule) time.Time { return *r.ClaimedAt }), nil
}

// RuleCount is used by tests to assert rule cleanup.
func (s *Store) RuleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}

func (s *Store) scanRules(limit int, match func(domain.Rule) bool, key func(domain.Rule) time.Time) []domain.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Rule
	for _, r := range s.rules {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return key(out[a]).Before(key(out[b])) })
	return truncate(out, limit)
}
