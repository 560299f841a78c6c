package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

func (s *Store) InsertJob(ctx context.Context, job domain.Job) error {
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var ruleID any
	if job.RuleID.Valid {
		ruleID = job.RuleID.UUID
	}
	_, err := s.exec(ctx, queryInsertJob,
		job.ID,
		job.Name,
		job.Description,
		string(job.Type),
		nullString(job.ScheduleExpression),
		s.nullTimeArg(job.ExecuteAt),
		string(payload),
		string(job.Status),
		ruleID,
		s.timeArg(job.CreatedAt),
		s.timeArg(job.UpdatedAt),
		s.nullTimeArg(job.LastExecutedAt),
		job.InvocationCount,
	)
	return classify(err, "insert job")
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	row, cancel := s.queryRow(ctx, queryGetJob, id)
	defer cancel()

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, classify(err, "get job")
	}
	return job, nil
}

// ListJobs returns jobs newest-created first, optionally filtered.
func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter, limit int) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	q := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	return s.listJobs(ctx, "list jobs", q, args...)
}

// UpdateJobStatus applies update in a single statement. The invocation
// counter is incremented in SQL so concurrent dispatches never lose a count.
func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, update domain.JobUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.timeArg(update.UpdatedAt)}

	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(update.Status))
	}
	if update.IncrementInvocations {
		sets = append(sets, "invocation_count = invocation_count + 1")
	}
	if update.LastExecutedAt != nil {
		sets = append(sets, "last_executed_at = ?")
		args = append(args, s.timeArg(*update.LastExecutedAt))
	}
	if update.ClearRuleID {
		sets = append(sets, "rule_id = NULL")
	}
	args = append(args, id)

	q := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	n, err := s.execAffected(ctx, q, args...)
	if err != nil {
		return classify(err, "update job status")
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *Store) SetJobRule(ctx context.Context, id, ruleID uuid.UUID, updatedAt time.Time) error {
	n, err := s.execAffected(ctx, querySetJobRule, ruleID, s.timeArg(updatedAt), id)
	if err != nil {
		return classify(err, "set job rule")
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	n, err := s.execAffected(ctx, queryDeleteJob, id)
	if err != nil {
		return classify(err, "delete job")
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ListOrphanedJobs returns scheduled once/cron jobs that never got a rule.
func (s *Store) ListOrphanedJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	return s.listJobs(ctx, "list orphaned jobs", queryListOrphanedJobs, s.timeArg(olderThan), limit)
}

// ListStalledJobs returns immediate jobs still executing with no
// invocation on record.
func (s *Store) ListStalledJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	return s.listJobs(ctx, "list stalled jobs", queryListStalledJobs, s.timeArg(olderThan), limit)
}

func (s *Store) listJobs(ctx context.Context, op, q string, args ...any) ([]domain.Job, error) {
	rows, cancel, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, classify(err, op)
	}
	defer cancel()
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, classify(err, op)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, op)
	}
	return result, nil
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		job                  domain.Job
		typ, status          string
		expr                 sql.NullString
		payload              []byte
		executeAt, lastExec  dbTime
		createdAt, updatedAt dbTime
	)
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Description,
		&typ,
		&expr,
		&executeAt,
		&payload,
		&status,
		&job.RuleID,
		&createdAt,
		&updatedAt,
		&lastExec,
		&job.InvocationCount,
	)
	if err != nil {
		return domain.Job{}, err
	}
	job.Type = domain.JobType(typ)
	job.Status = domain.JobStatus(status)
	job.ScheduleExpression = expr.String
	job.ExecuteAt = executeAt.Ptr()
	job.Payload = rawJSON(payload)
	job.CreatedAt = createdAt.Time
	job.UpdatedAt = updatedAt.Time
	job.LastExecutedAt = lastExec.Ptr()
	return job, nil
}
