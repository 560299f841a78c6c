package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FireEvent is emitted when a rule becomes due or an immediate job is
// submitted. RuleID is uuid.Nil for immediate jobs and for late fires
// that no longer have a rule.
type FireEvent struct {
	RuleID uuid.UUID
	JobID  uuid.UUID

	ScheduledAt time.Time
	FiredAt     time.Time

	IdempotencyKey string

	// Replay marks events re-emitted by the reconciler.
	Replay bool
}

func NewFireEvent(ruleID, jobID uuid.UUID, scheduledAt, firedAt time.Time) FireEvent {
	return FireEvent{
		RuleID:         ruleID,
		JobID:          jobID,
		ScheduledAt:    scheduledAt,
		FiredAt:        firedAt,
		IdempotencyKey: IdempotencyKey(jobID, scheduledAt),
	}
}

// IdempotencyKey is stable for a given job and scheduled second.
func IdempotencyKey(jobID uuid.UUID, scheduledAt time.Time) string {
	data := fmt.Sprintf("%s:%d", jobID.String(), scheduledAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
