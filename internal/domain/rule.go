package domain

import (
	"time"

	"github.com/google/uuid"
)

type RuleKind string

const (
	RuleKindOneShot   RuleKind = "one_shot"
	RuleKindRecurring RuleKind = "recurring"
)

// Rule is the engine-owned timer backing a once or cron job.
//
// For one-shot rules NextFireAt is the requested fire time. A fired one-shot
// rule is consumed: Enabled=false and ClaimedAt set, which stops the engine
// from firing it again.
type Rule struct {
	ID    uuid.UUID
	JobID uuid.UUID
	Kind  RuleKind

	Expression string // recurring only

	Enabled    bool
	NextFireAt time.Time
	ClaimedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
