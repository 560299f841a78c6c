package redisrules

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

var t0 = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func oneShot(at time.Time) domain.Rule {
	return domain.Rule{
		ID:         uuid.New(),
		JobID:      uuid.New(),
		Kind:       domain.RuleKindOneShot,
		Enabled:    true,
		NextFireAt: at,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
}

func TestInsertAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rule := oneShot(t0.Add(time.Minute))
	require.NoError(t, s.InsertRule(ctx, rule))

	got, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.JobID, got.JobID)
	assert.Equal(t, domain.RuleKindOneShot, got.Kind)
	assert.True(t, got.NextFireAt.Equal(rule.NextFireAt))

	_, err = s.GetRule(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrRuleNotFound)
}

func TestListDueRulesOrderedByFireTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	late := oneShot(t0.Add(2 * time.Minute))
	early := oneShot(t0.Add(time.Minute))
	future := oneShot(t0.Add(time.Hour))
	for _, r := range []domain.Rule{late, early, future} {
		require.NoError(t, s.InsertRule(ctx, r))
	}

	due, err := s.ListDueRules(ctx, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	limited, err := s.ListDueRules(ctx, t0.Add(5*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestClaimRuleOnlyOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rule := oneShot(t0)
	require.NoError(t, s.InsertRule(ctx, rule))

	won, err := s.ClaimRule(ctx, rule.ID, t0)
	require.NoError(t, err)
	assert.True(t, won)

	again, err := s.ClaimRule(ctx, rule.ID, t0)
	require.NoError(t, err)
	assert.False(t, again)

	due, err := s.ListDueRules(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.ClaimedAt)

	claimed, err := s.ListClaimedRules(ctx, t0.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	notYet, err := s.ListClaimedRules(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, notYet, "upper bound is exclusive")
}

func TestClaimRuleDoesNotRecreateDeletedBody(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	// Body removed while the rule is still indexed as due.
	rule := oneShot(t0)
	require.NoError(t, s.InsertRule(ctx, rule))
	mr.Del(s.ruleKey(rule.ID.String()))

	won, err := s.ClaimRule(ctx, rule.ID, t0)
	require.NoError(t, err)
	assert.True(t, won)
	assert.False(t, mr.Exists(s.ruleKey(rule.ID.String())))

	// Body removed between the read and the claim.
	raced := oneShot(t0)
	require.NoError(t, s.InsertRule(ctx, raced))
	mr.Del(s.ruleKey(raced.ID.String()))
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.claimedKey(), s.ruleKey(raced.ID.String())},
		raced.ID.String(), t0.UnixMilli(), `{"id":"stale"}`,
	).Int()
	require.NoError(t, err)
	assert.Equal(t, 1, res)
	assert.False(t, mr.Exists(s.ruleKey(raced.ID.String())))

	// A deleted rule cannot be claimed at all.
	gone := oneShot(t0)
	require.NoError(t, s.InsertRule(ctx, gone))
	_, err = s.DeleteRule(ctx, gone.ID)
	require.NoError(t, err)
	won, err = s.ClaimRule(ctx, gone.ID, t0)
	require.NoError(t, err)
	assert.False(t, won)
	assert.False(t, mr.Exists(s.ruleKey(gone.ID.String())))
}

func TestAdvanceRuleCompareAndSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rule := oneShot(t0)
	rule.Kind = domain.RuleKindRecurring
	rule.Expression = "rate(1 minute)"
	require.NoError(t, s.InsertRule(ctx, rule))

	next := t0.Add(time.Minute)
	won, err := s.AdvanceRule(ctx, rule.ID, t0, next, t0)
	require.NoError(t, err)
	assert.True(t, won)

	lost, err := s.AdvanceRule(ctx, rule.ID, t0, next.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.False(t, lost)

	got, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, got.NextFireAt.Equal(next))

	due, err := s.ListDueRules(ctx, t0.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDeleteRuleIdempotent(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	rule := oneShot(t0)
	require.NoError(t, s.InsertRule(ctx, rule))
	_, err := s.ClaimRule(ctx, rule.ID, t0)
	require.NoError(t, err)

	deleted, err := s.DeleteRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	assert.False(t, mr.Exists(DefaultPrefix+"rule:"+rule.ID.String()))
	members, _ := mr.ZMembers(DefaultPrefix + "rules:claimed")
	assert.Empty(t, members)
}

func TestConnectionFailureIsTransient(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.ListDueRules(context.Background(), t0, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransientStore), "got %v", err)
}
