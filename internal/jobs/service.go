// Package jobs owns the job lifecycle: validation, persistence and rule
// registration on create, best-effort rule teardown on delete.
package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
	MaxNameLength    = 200

	// minRepairLead is how far in the future a past-due once job is
	// rescheduled when its rule has to be recreated.
	minRepairLead = time.Second
)

type Store interface {
	InsertJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter, limit int) ([]domain.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, update domain.JobUpdate) error
	SetJobRule(ctx context.Context, id, ruleID uuid.UUID, updatedAt time.Time) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

type Registrar interface {
	// RegisterOneShotAsOf checks at against asOf, the instant the caller
	// validated it, instead of re-reading a clock.
	RegisterOneShotAsOf(ctx context.Context, jobID uuid.UUID, at, asOf time.Time) (uuid.UUID, error)
	RegisterRecurring(ctx context.Context, jobID uuid.UUID, expression string) (uuid.UUID, error)
	Unregister(ctx context.Context, ruleID uuid.UUID) error
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.FireEvent) error
}

type ScheduleValidator interface {
	Validate(expression string) error
}

type Service struct {
	store     Store
	registrar Registrar
	emitter   EventEmitter
	validator ScheduleValidator
	logger    *zap.SugaredLogger
	clock     func() time.Time
}

func NewService(store Store, registrar Registrar, emitter EventEmitter, validator ScheduleValidator) *Service {
	return &Service{
		store:     store,
		registrar: registrar,
		emitter:   emitter,
		validator: validator,
		logger:    zap.NewNop().Sugar(),
		clock:     time.Now,
	}
}

func (s *Service) WithLogger(l *zap.SugaredLogger) *Service {
	s.logger = l
	return s
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateJob validates spec, persists the job and, for scheduled types,
// registers its rule. Nothing is written when validation fails. When rule
// registration fails the job row stays behind without a rule and the
// reconciler repairs it.
func (s *Service) CreateJob(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	now := s.clock().UTC()

	job, err := s.buildJob(spec, now)
	if err != nil {
		return domain.Job{}, err
	}

	if err := s.store.InsertJob(ctx, job); err != nil {
		return domain.Job{}, errors.Wrap(err, "insert job")
	}

	switch job.Type {
	case domain.JobTypeImmediate:
		ev := domain.NewFireEvent(uuid.Nil, job.ID, now, now)
		if err := s.emitter.Emit(ctx, ev); err != nil {
			// The reconciler re-emits stalled immediate jobs.
			s.logger.Warnw("emit immediate job failed", "job_id", job.ID, "error", err)
		}
		return job, nil

	case domain.JobTypeOnce:
		ruleID, err := s.registrar.RegisterOneShotAsOf(ctx, job.ID, *job.ExecuteAt, now)
		if err != nil {
			return domain.Job{}, s.registrationFailed(job, err)
		}
		return s.attachRule(ctx, job, ruleID)

	default:
		ruleID, err := s.registrar.RegisterRecurring(ctx, job.ID, job.ScheduleExpression)
		if err != nil {
			return domain.Job{}, s.registrationFailed(job, err)
		}
		return s.attachRule(ctx, job, ruleID)
	}
}

func (s *Service) buildJob(spec domain.JobSpec, now time.Time) (domain.Job, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return domain.Job{}, domain.NewValidationError("name", "is required")
	}
	if len(name) > MaxNameLength {
		return domain.Job{}, domain.NewValidationError("name", "must be at most %d characters", MaxNameLength)
	}
	if !spec.Type.Valid() {
		return domain.Job{}, domain.NewValidationError("type", "must be one of immediate, once, cron; got %q", spec.Type)
	}

	payload := spec.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return domain.Job{}, domain.NewValidationError("payload", "must be valid JSON")
	}

	job := domain.Job{
		ID:          uuid.New(),
		Name:        name,
		Description: spec.Description,
		Type:        spec.Type,
		Payload:     payload,
		Status:      domain.InitialStatus(spec.Type),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch spec.Type {
	case domain.JobTypeOnce:
		if spec.ExecuteAt == "" {
			return domain.Job{}, domain.NewValidationError("executeAt", "is required for once jobs")
		}
		at, err := time.Parse(time.RFC3339, spec.ExecuteAt)
		if err != nil {
			return domain.Job{}, domain.NewValidationError("executeAt", "must be an RFC 3339 timestamp, got %q", spec.ExecuteAt)
		}
		at = at.UTC()
		if !at.After(now) {
			return domain.Job{}, domain.NewValidationError("executeAt", "must be in the future")
		}
		job.ExecuteAt = &at

	case domain.JobTypeCron:
		expr := strings.TrimSpace(spec.ScheduleExpression)
		if expr == "" {
			return domain.Job{}, domain.NewValidationError("scheduleExpression", "is required for cron jobs")
		}
		if err := s.validator.Validate(expr); err != nil {
			return domain.Job{}, domain.NewValidationError("scheduleExpression", "%s", err.Error())
		}
		job.ScheduleExpression = expr
	}

	return job, nil
}

func (s *Service) registrationFailed(job domain.Job, err error) error {
	s.logger.Errorw("rule registration failed, job left for reconciliation", "job_id", job.ID, "type", job.Type, "error", err)
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrScheduling) {
		return err
	}
	return domain.SchedulingError(err, "register rule")
}

func (s *Service) attachRule(ctx context.Context, job domain.Job, ruleID uuid.UUID) (domain.Job, error) {
	now := s.clock().UTC()
	if err := s.store.SetJobRule(ctx, job.ID, ruleID, now); err != nil {
		if uerr := s.registrar.Unregister(ctx, ruleID); uerr != nil {
			s.logger.Warnw("unregister after failed attach", "job_id", job.ID, "rule_id", ruleID, "error", uerr)
		}
		return domain.Job{}, domain.SchedulingError(err, "persist rule id")
	}
	job.RuleID = uuid.NullUUID{UUID: ruleID, Valid: true}
	job.UpdatedAt = now
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListJobs returns jobs newest-created first. A zero limit uses
// DefaultListLimit.
func (s *Service) ListJobs(ctx context.Context, filter domain.JobFilter, limit int) ([]domain.Job, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, domain.NewValidationError("type", "unknown job type %q", filter.Type)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.NewValidationError("status", "unknown job status %q", filter.Status)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.store.ListJobs(ctx, filter, limit)
}

func (s *Service) UpdateJobStatus(ctx context.Context, id uuid.UUID, update domain.JobUpdate) error {
	if update.Status != "" && !update.Status.Valid() {
		return domain.NewValidationError("status", "unknown job status %q", update.Status)
	}
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = s.clock().UTC()
	}
	return s.store.UpdateJobStatus(ctx, id, update)
}

// DeleteJob removes the job and its rule. Invocation history is kept.
// Rule teardown failures are logged; the dispatcher drops fires for
// missing jobs.
func (s *Service) DeleteJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.RuleID.Valid {
		if err := s.registrar.Unregister(ctx, job.RuleID.UUID); err != nil {
			s.logger.Warnw("unregister rule on delete failed", "job_id", id, "rule_id", job.RuleID.UUID, "error", err)
		}
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.logger.Infow("job deleted", "job_id", id, "type", job.Type)
	return nil
}

// RepairSchedule registers a rule for a scheduled job that lost it. Once
// jobs whose fire time already passed are rescheduled just ahead of now.
func (s *Service) RepairSchedule(ctx context.Context, job domain.Job) (uuid.UUID, error) {
	var (
		ruleID uuid.UUID
		err    error
	)
	switch job.Type {
	case domain.JobTypeOnce:
		if job.ExecuteAt == nil {
			return uuid.Nil, domain.NewValidationError("executeAt", "once job %s has no execute time", job.ID)
		}
		now := s.clock().UTC()
		at := *job.ExecuteAt
		if earliest := now.Add(minRepairLead); at.Before(earliest) {
			at = earliest
		}
		ruleID, err = s.registrar.RegisterOneShotAsOf(ctx, job.ID, at, now)
	case domain.JobTypeCron:
		ruleID, err = s.registrar.RegisterRecurring(ctx, job.ID, job.ScheduleExpression)
	default:
		return uuid.Nil, errors.Newf("job type %q has no schedule", job.Type)
	}
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.store.SetJobRule(ctx, job.ID, ruleID, s.clock().UTC()); err != nil {
		if uerr := s.registrar.Unregister(ctx, ruleID); uerr != nil {
			s.logger.Warnw("unregister after failed repair", "job_id", job.ID, "rule_id", ruleID, "error", uerr)
		}
		return uuid.Nil, errors.Wrap(err, "persist rule id")
	}
	return ruleID, nil
}
