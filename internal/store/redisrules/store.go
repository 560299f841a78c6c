// Package redisrules stores timer rules in Redis. Rule bodies live under
// per-rule JSON keys; enabled rules are indexed in a sorted set scored by
// next fire time (unix millis) and consumed one-shot rules in a second set
// scored by claim time.
package redisrules

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

const DefaultPrefix = "easyjobs:"

type Store struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps client. The caller owns the client lifecycle.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		logger: zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.client.Ping(ctx).Err(), "ping redis")
}

func (s *Store) ruleKey(id string) string { return s.prefix + "rule:" + id }
func (s *Store) dueKey() string           { return s.prefix + "rules:due" }
func (s *Store) claimedKey() string       { return s.prefix + "rules:claimed" }

type ruleEntity struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	Kind       string     `json:"kind"`
	Expression string     `json:"expression,omitempty"`
	Enabled    bool       `json:"enabled"`
	NextFireAt time.Time  `json:"next_fire_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func toEntity(r domain.Rule) ruleEntity {
	return ruleEntity{
		ID:         r.ID.String(),
		JobID:      r.JobID.String(),
		Kind:       string(r.Kind),
		Expression: r.Expression,
		Enabled:    r.Enabled,
		NextFireAt: r.NextFireAt.UTC(),
		ClaimedAt:  r.ClaimedAt,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

func fromEntity(e ruleEntity) (domain.Rule, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return domain.Rule{}, errors.Wrap(err, "parse rule id")
	}
	jobID, err := uuid.Parse(e.JobID)
	if err != nil {
		return domain.Rule{}, errors.Wrap(err, "parse job id")
	}
	return domain.Rule{
		ID:         id,
		JobID:      jobID,
		Kind:       domain.RuleKind(e.Kind),
		Expression: e.Expression,
		Enabled:    e.Enabled,
		NextFireAt: e.NextFireAt,
		ClaimedAt:  e.ClaimedAt,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *Store) InsertRule(ctx context.Context, rule domain.Rule) error {
	// Scores carry millisecond precision; keep the body consistent with them.
	rule.NextFireAt = rule.NextFireAt.Truncate(time.Millisecond)
	data, err := json.Marshal(toEntity(rule))
	if err != nil {
		return errors.Wrap(err, "marshal rule")
	}

	id := rule.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.ruleKey(id), data, 0)
	if rule.Enabled {
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: score(rule.NextFireAt), Member: id})
	}
	_, err = pipe.Exec(ctx)
	return classify(err, "insert rule")
}

func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (domain.Rule, error) {
	rule, found, err := s.load(ctx, id.String())
	if err != nil {
		return domain.Rule{}, err
	}
	if !found {
		return domain.Rule{}, domain.ErrRuleNotFound
	}
	return rule, nil
}

func (s *Store) DeleteRule(ctx context.Context, id uuid.UUID) (bool, error) {
	key := id.String()
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.ruleKey(key))
	pipe.ZRem(ctx, s.dueKey(), key)
	pipe.ZRem(ctx, s.claimedKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, classify(err, "delete rule")
	}
	return del.Val() > 0, nil
}

func (s *Store) ListDueRules(ctx context.Context, now time.Time, limit int) ([]domain.Rule, error) {
	return s.rangeByScore(ctx, s.dueKey(), scoreString(now), limit, "list due rules")
}

// claimScript moves a rule from the due index to the claimed index.
// ZREM is atomic, so exactly one caller observes the removal and wins. The
// body in ARGV[3] is written only if the rule key still exists, so a
// concurrent delete is never undone.
var claimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
if ARGV[3] ~= '' and redis.call('EXISTS', KEYS[3]) == 1 then
  redis.call('SET', KEYS[3], ARGV[3])
end
return 1
`)

func (s *Store) ClaimRule(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	key := id.String()

	// The indexes are authoritative; the body update only keeps reads honest.
	var body string
	rule, found, err := s.load(ctx, key)
	switch {
	case err != nil:
		s.logger.Warnw("claimed rule body unavailable", "rule_id", key, "error", err)
	case found:
		rule.Enabled = false
		claimed := now.UTC()
		rule.ClaimedAt = &claimed
		rule.UpdatedAt = claimed
		data, err := json.Marshal(toEntity(rule))
		if err != nil {
			return false, errors.Wrap(err, "marshal rule")
		}
		body = string(data)
	}

	won, err := claimScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.claimedKey(), s.ruleKey(key)},
		key, now.UnixMilli(), body,
	).Int()
	if err != nil {
		return false, classify(err, "claim rule")
	}
	return won == 1, nil
}

// advanceScript moves a due rule from score ARGV[2] to ARGV[3] only when
// its current score still equals ARGV[2], and rewrites the rule body.
var advanceScript = redis.NewScript(`
local cur = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not cur then return 0 end
if tonumber(cur) ~= tonumber(ARGV[2]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('SET', KEYS[2], ARGV[4])
return 1
`)

func (s *Store) AdvanceRule(ctx context.Context, id uuid.UUID, prev, next, now time.Time) (bool, error) {
	key := id.String()
	rule, found, err := s.load(ctx, key)
	if err != nil || !found {
		return false, err
	}
	rule.NextFireAt = next.UTC().Truncate(time.Millisecond)
	rule.UpdatedAt = now.UTC()

	data, err := json.Marshal(toEntity(rule))
	if err != nil {
		return false, errors.Wrap(err, "marshal rule")
	}

	res, err := advanceScript.Run(ctx, s.client,
		[]string{s.dueKey(), s.ruleKey(key)},
		key, prev.UnixMilli(), next.UnixMilli(), string(data),
	).Int()
	if err != nil {
		return false, classify(err, "advance rule")
	}
	return res == 1, nil
}

func (s *Store) ListClaimedRules(ctx context.Context, olderThan time.Time, limit int) ([]domain.Rule, error) {
	// Exclusive upper bound.
	upper := "(" + scoreString(olderThan)
	return s.rangeByScore(ctx, s.claimedKey(), upper, limit, "list claimed rules")
}

func (s *Store) rangeByScore(ctx context.Context, key, upper string, limit int, op string) ([]domain.Rule, error) {
	ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    upper,
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, classify(err, op)
	}

	rules := make([]domain.Rule, 0, len(ids))
	for _, id := range ids {
		rule, found, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			s.logger.Warnw("rule index references missing rule", "rule_id", id, "index", key)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s *Store) load(ctx context.Context, id string) (domain.Rule, bool, error) {
	data, err := s.client.Get(ctx, s.ruleKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Rule{}, false, nil
	}
	if err != nil {
		return domain.Rule{}, false, classify(err, "get rule")
	}
	var e ruleEntity
	if err := json.Unmarshal(data, &e); err != nil {
		return domain.Rule{}, false, errors.Wrapf(err, "decode rule %s", id)
	}
	rule, err := fromEntity(e)
	if err != nil {
		return domain.Rule{}, false, err
	}
	return rule, true, nil
}

func scoreString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return domain.TransientError(err, op)
	}
	return errors.Wrap(err, op)
}
