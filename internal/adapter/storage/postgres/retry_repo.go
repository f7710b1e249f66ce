package postgres

import (
	"context"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"
)

// RetryRepo implements ports.RetryRepository.
type RetryRepo struct {
	pool Pool
}

// NewRetryRepo creates a new RetryRepo.
func NewRetryRepo(pool Pool) *RetryRepo {
	return &RetryRepo{pool: pool}
}

const retryColumns = `id, payment_id, from_state, attempt, reason, status, next_attempt_at, created_at, updated_at`

// Create inserts a scheduled retry attempt.
func (r *RetryRepo) Create(ctx context.Context, a *domain.RetryAttempt) error {
	query := `INSERT INTO retry_attempts (` + retryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		a.ID, a.PaymentID, a.FromState, a.Attempt, a.Reason, a.Status,
		a.NextAttemptAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert retry attempt: %w", err)
	}
	return nil
}

// ListDue finds scheduled attempts whose backoff has elapsed.
func (r *RetryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.RetryAttempt, error) {
	query := `SELECT ` + retryColumns + ` FROM retry_attempts
		WHERE status = 'SCHEDULED' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due retry attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.RetryAttempt
	for rows.Next() {
		var a domain.RetryAttempt
		err := rows.Scan(
			&a.ID, &a.PaymentID, &a.FromState, &a.Attempt, &a.Reason, &a.Status,
			&a.NextAttemptAt, &a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan retry attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retry attempts: %w", err)
	}
	return attempts, nil
}

// Update persists the attempt's current status.
func (r *RetryRepo) Update(ctx context.Context, a *domain.RetryAttempt) error {
	query := `UPDATE retry_attempts SET status = $1, updated_at = $2 WHERE id = $3`

	tag, err := r.pool.Exec(ctx, query, a.Status, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update retry attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update retry attempt: no rows affected for %s", a.ID)
	}
	return nil
}

// CancelByPaymentID cancels any scheduled attempts for the payment.
func (r *RetryRepo) CancelByPaymentID(ctx context.Context, paymentID string) error {
	query := `UPDATE retry_attempts SET status = 'CANCELLED', updated_at = NOW()
		WHERE payment_id = $1 AND status = 'SCHEDULED'`

	_, err := r.pool.Exec(ctx, query, paymentID)
	if err != nil {
		return fmt.Errorf("cancel retry attempts: %w", err)
	}
	return nil
}
