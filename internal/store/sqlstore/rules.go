package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

func (s *Store) InsertRule(ctx context.Context, rule domain.Rule) error {
	_, err := s.exec(ctx, queryInsertRule,
		rule.ID,
		rule.JobID,
		string(rule.Kind),
		nullString(rule.Expression),
		rule.Enabled,
		s.timeArg(rule.NextFireAt),
		s.nullTimeArg(rule.ClaimedAt),
		s.timeArg(rule.CreatedAt),
		s.timeArg(rule.UpdatedAt),
	)
	return classify(err, "insert rule")
}

func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (domain.Rule, error) {
	row, cancel := s.queryRow(ctx, queryGetRule, id)
	defer cancel()

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Rule{}, domain.ErrRuleNotFound
	}
	if err != nil {
		return domain.Rule{}, classify(err, "get rule")
	}
	return rule, nil
}

// DeleteRule reports whether a rule was removed.
func (s *Store) DeleteRule(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.execAffected(ctx, queryDeleteRule, id)
	if err != nil {
		return false, classify(err, "delete rule")
	}
	return n > 0, nil
}

func (s *Store) ListDueRules(ctx context.Context, now time.Time, limit int) ([]domain.Rule, error) {
	return s.listRules(ctx, "list due rules", queryListDueRules, true, s.timeArg(now), limit)
}

// ClaimRule consumes an enabled one-shot rule. It returns false when
// another caller claimed it first.
func (s *Store) ClaimRule(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	n, err := s.execAffected(ctx, queryClaimRule, false, s.timeArg(now), s.timeArg(now), id, true)
	if err != nil {
		return false, classify(err, "claim rule")
	}
	return n == 1, nil
}

// AdvanceRule moves a recurring rule from prev to next. It returns false
// when next_fire_at no longer equals prev.
func (s *Store) AdvanceRule(ctx context.Context, id uuid.UUID, prev, next, now time.Time) (bool, error) {
	n, err := s.execAffected(ctx, queryAdvanceRule, s.timeArg(next), s.timeArg(now), id, true, s.timeArg(prev))
	if err != nil {
		return false, classify(err, "advance rule")
	}
	return n == 1, nil
}

// ListClaimedRules returns consumed one-shot rules claimed before
// olderThan that nobody has deleted yet.
func (s *Store) ListClaimedRules(ctx context.Context, olderThan time.Time, limit int) ([]domain.Rule, error) {
	return s.listRules(ctx, "list claimed rules", queryListClaimedRules, false, s.timeArg(olderThan), limit)
}

func (s *Store) listRules(ctx context.Context, op, q string, args ...any) ([]domain.Rule, error) {
	rows, cancel, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, classify(err, op)
	}
	defer cancel()
	defer rows.Close()

	var result []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, classify(err, op)
		}
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, op)
	}
	return result, nil
}

func scanRule(row scanner) (domain.Rule, error) {
	var (
		rule                 domain.Rule
		kind                 string
		expr                 sql.NullString
		nextFire, claimedAt  dbTime
		createdAt, updatedAt dbTime
	)
	err := row.Scan(
		&rule.ID,
		&rule.JobID,
		&kind,
		&expr,
		&rule.Enabled,
		&nextFire,
		&claimedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return domain.Rule{}, err
	}
	rule.Kind = domain.RuleKind(kind)
	rule.Expression = expr.String
	rule.NextFireAt = nextFire.Time
	rule.ClaimedAt = claimedAt.Ptr()
	rule.CreatedAt = createdAt.Time
	rule.UpdatedAt = updatedAt.Time
	return rule, nil
}
