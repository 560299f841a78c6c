package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

func (s *Store) InsertInvocation(ctx context.Context, inv domain.Invocation) error {
	kind, msg, trace := errorColumns(inv.Error)
	_, err := s.exec(ctx, queryInsertInvocation,
		inv.ID,
		inv.JobID,
		string(inv.Status),
		s.timeArg(inv.StartedAt),
		s.nullTimeArg(inv.CompletedAt),
		durationArg(inv),
		jsonArg(inv.Input),
		jsonArg(inv.Output),
		kind,
		msg,
		trace,
	)
	return classify(err, "insert invocation")
}

// FinalizeInvocation moves a running invocation to its terminal state.
// The WHERE guard makes the transition happen at most once; a second
// attempt yields domain.ErrInvocationFinalized.
func (s *Store) FinalizeInvocation(ctx context.Context, inv domain.Invocation) error {
	kind, msg, trace := errorColumns(inv.Error)
	n, err := s.execAffected(ctx, queryFinalizeInvocation,
		string(inv.Status),
		s.nullTimeArg(inv.CompletedAt),
		durationArg(inv),
		jsonArg(inv.Output),
		kind,
		msg,
		trace,
		inv.ID,
	)
	if err != nil {
		return classify(err, "finalize invocation")
	}
	if n > 0 {
		return nil
	}

	row, cancel := s.queryRow(ctx, queryGetInvocationStatus, inv.ID)
	defer cancel()
	var current string
	err = row.Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrInvocationNotFound
	}
	if err != nil {
		return classify(err, "get invocation status")
	}
	return domain.ErrInvocationFinalized
}

func (s *Store) ListInvocations(ctx context.Context, jobID uuid.UUID, q domain.InvocationQuery) ([]domain.Invocation, error) {
	query := "SELECT " + invocationColumns + " FROM invocations WHERE job_id = ?"
	args := []any{jobID}
	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, string(q.Status))
	}
	if q.NewestFirst {
		query += " ORDER BY started_at DESC, id"
	} else {
		query += " ORDER BY started_at ASC, id"
	}
	query += " LIMIT ?"
	args = append(args, q.Limit)

	return s.listInvocations(ctx, "list invocations", query, args...)
}

func (s *Store) ListStaleInvocations(ctx context.Context, olderThan time.Time, limit int) ([]domain.Invocation, error) {
	return s.listInvocations(ctx, "list stale invocations", queryListStaleInvocations, s.timeArg(olderThan), limit)
}

func (s *Store) listInvocations(ctx context.Context, op, q string, args ...any) ([]domain.Invocation, error) {
	rows, cancel, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, classify(err, op)
	}
	defer cancel()
	defer rows.Close()

	var result []domain.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, classify(err, op)
		}
		result = append(result, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, op)
	}
	return result, nil
}

func scanInvocation(row scanner) (domain.Invocation, error) {
	var (
		inv                     domain.Invocation
		status                  string
		startedAt, completedAt  dbTime
		durationMs              sql.NullInt64
		input, output           []byte
		errKind, errMsg, errTrc sql.NullString
	)
	err := row.Scan(
		&inv.ID,
		&inv.JobID,
		&status,
		&startedAt,
		&completedAt,
		&durationMs,
		&input,
		&output,
		&errKind,
		&errMsg,
		&errTrc,
	)
	if err != nil {
		return domain.Invocation{}, err
	}
	inv.Status = domain.InvocationStatus(status)
	inv.StartedAt = startedAt.Time
	inv.CompletedAt = completedAt.Ptr()
	inv.Duration = time.Duration(durationMs.Int64) * time.Millisecond
	inv.Input = rawJSON(input)
	inv.Output = rawJSON(output)
	if errKind.Valid {
		inv.Error = &domain.InvocationError{
			Kind:    domain.ErrorKind(errKind.String),
			Message: errMsg.String,
			Trace:   errTrc.String,
		}
	}
	return inv, nil
}

func errorColumns(e *domain.InvocationError) (kind, msg, trace any) {
	if e == nil {
		return nil, nil, nil
	}
	return string(e.Kind), e.Message, nullString(e.Trace)
}

func durationArg(inv domain.Invocation) any {
	if inv.CompletedAt == nil {
		return nil
	}
	return inv.Duration.Milliseconds()
}
