// Package analytics keeps per-job invocation counters in Redis, bucketed by
// time window. Counters are best-effort and never affect dispatch.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-jobs/internal/domain"
)

const (
	DefaultPrefix    = "easyjobs:analytics:"
	DefaultWindow    = time.Hour
	DefaultRetention = 7 * 24 * time.Hour
)

type Config struct {
	Prefix    string
	Window    time.Duration
	Retention time.Duration
}

type RedisSink struct {
	client *redis.Client
	config Config
	logger *zap.SugaredLogger
}

func NewRedisSink(client *redis.Client, config Config) *RedisSink {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	return &RedisSink{client: client, config: config, logger: zap.NewNop().Sugar()}
}

func (s *RedisSink) WithLogger(l *zap.SugaredLogger) *RedisSink {
	s.logger = l
	return s
}

// Record increments the counter for the invocation outcome, logging failures.
func (s *RedisSink) Record(ctx context.Context, jobID uuid.UUID, status domain.InvocationStatus, at time.Time) {
	if err := s.Write(ctx, jobID, status, at); err != nil {
		s.logger.Warnw("analytics write failed", "job_id", jobID, "error", err)
	}
}

func (s *RedisSink) Write(ctx context.Context, jobID uuid.UUID, status domain.InvocationStatus, at time.Time) error {
	key := s.key(jobID, status, at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis pipeline")
	}
	return nil
}

// Count reads the counter for the window containing at. Missing keys count
// as zero.
func (s *RedisSink) Count(ctx context.Context, jobID uuid.UUID, status domain.InvocationStatus, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, s.key(jobID, status, at)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "redis get")
	}
	return n, nil
}

func (s *RedisSink) key(jobID uuid.UUID, status domain.InvocationStatus, t time.Time) string {
	return fmt.Sprintf("%sj:%s:%s:%s", s.config.Prefix, jobID, status, truncateToBucket(t, s.config.Window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	case 24 * time.Hour:
		return t.Format("20060102")
	default:
		return t.Format("200601021504")
	}
}
