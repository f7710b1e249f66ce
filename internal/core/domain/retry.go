package domain

import (
	"time"

	"github.com/google/uuid"
)

// RetryStatus is the lifecycle of a queued retry.
type RetryStatus string

const (
	RetryStatusScheduled  RetryStatus = "SCHEDULED"
	RetryStatusDispatched RetryStatus = "DISPATCHED"
	RetryStatusCancelled  RetryStatus = "CANCELLED"
)

// RetryAttempt is a durable row in the payment retry queue. The sweep picks
// up SCHEDULED rows whose NextAttemptAt has passed and re-drives the saga.
type RetryAttempt struct {
	ID            uuid.UUID    `json:"id"`
	PaymentID     string       `json:"payment_id"`
	FromState     PaymentState `json:"from_state"`
	Attempt       int          `json:"attempt"`
	Reason        string       `json:"reason"`
	Status        RetryStatus  `json:"status"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewRetryAttempt schedules attempt n for a payment with exponential
// backoff: base * 2^(n-1).
func NewRetryAttempt(paymentID string, fromState PaymentState, attempt int, reason string, base time.Duration) *RetryAttempt {
	now := time.Now().UTC()
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	return &RetryAttempt{
		ID:            uuid.New(),
		PaymentID:     paymentID,
		FromState:     fromState,
		Attempt:       attempt,
		Reason:        reason,
		Status:        RetryStatusScheduled,
		NextAttemptAt: now.Add(backoff),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsDue reports whether the attempt should be dispatched.
func (r *RetryAttempt) IsDue(now time.Time) bool {
	return r.Status == RetryStatusScheduled && !now.Before(r.NextAttemptAt)
}

// MarkDispatched records that the sweep re-drove this attempt.
func (r *RetryAttempt) MarkDispatched() {
	r.Status = RetryStatusDispatched
	r.UpdatedAt = time.Now().UTC()
}

// MarkCancelled voids a scheduled attempt, e.g. after a manual cancel.
func (r *RetryAttempt) MarkCancelled() {
	r.Status = RetryStatusCancelled
	r.UpdatedAt = time.Now().UTC()
}
