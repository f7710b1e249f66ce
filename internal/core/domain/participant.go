package domain

import "time"

// RecordStatus is the lifecycle of a participant record. Every participant
// (fraud, funds, processor, ledger) keys exactly one record per payment
// identifier; the record doubles as the idempotency guard and the audit
// trail, so records are never deleted.
type RecordStatus string

const (
	RecordStatusPending    RecordStatus = "PENDING"
	RecordStatusProcessing RecordStatus = "PROCESSING"
	RecordStatusCompleted  RecordStatus = "COMPLETED"
	RecordStatusFailed     RecordStatus = "FAILED"
)

// RetryPolicy bounds participant-level retries.
type RetryPolicy struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// CanRetry reports whether a FAILED record may be retried under the policy.
func (rp RetryPolicy) CanRetry(status RecordStatus, retryCount int, lastRetryAt *time.Time) bool {
	if status != RecordStatusFailed {
		return false
	}
	if retryCount >= rp.MaxAttempts {
		return false
	}
	if lastRetryAt != nil && time.Since(*lastRetryAt) < rp.Cooldown {
		return false
	}
	return true
}
