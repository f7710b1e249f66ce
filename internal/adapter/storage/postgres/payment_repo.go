package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// PaymentRepo implements ports.PaymentRepository.
type PaymentRepo struct {
	pool Pool
}

// NewPaymentRepo creates a new PaymentRepo.
func NewPaymentRepo(pool Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

const paymentColumns = `id, payment_id, amount, currency, merchant_id, customer_id,
	state, current_step, correlation_id, trace_id,
	fraud_check_id, reservation_id, transaction_id, ledger_entry_id,
	failure_reason, compensation_reason, retry_count, last_retry_at,
	created_at, updated_at, completed_at`

// Create inserts a new payment saga into the database.
func (r *PaymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.PaymentID, p.Amount, p.Currency, p.MerchantID, p.CustomerID,
		p.State, p.CurrentStep, p.CorrelationID, p.TraceID,
		p.FraudCheckID, p.ReservationID, p.TransactionID, p.LedgerEntryID,
		p.FailureReason, p.CompensationReason, p.RetryCount, p.LastRetryAt,
		p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetByPaymentID fetches a payment by its business key.
func (r *PaymentRepo) GetByPaymentID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1`

	p := &domain.Payment{}
	err := r.pool.QueryRow(ctx, query, paymentID).Scan(
		&p.ID, &p.PaymentID, &p.Amount, &p.Currency, &p.MerchantID, &p.CustomerID,
		&p.State, &p.CurrentStep, &p.CorrelationID, &p.TraceID,
		&p.FraudCheckID, &p.ReservationID, &p.TransactionID, &p.LedgerEntryID,
		&p.FailureReason, &p.CompensationReason, &p.RetryCount, &p.LastRetryAt,
		&p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment by payment id: %w", err)
	}
	return p, nil
}

// Update persists the payment's current saga state.
func (r *PaymentRepo) Update(ctx context.Context, p *domain.Payment) error {
	query := `UPDATE payments SET
		state = $1, current_step = $2,
		fraud_check_id = $3, reservation_id = $4, transaction_id = $5, ledger_entry_id = $6,
		failure_reason = $7, compensation_reason = $8, retry_count = $9, last_retry_at = $10,
		updated_at = $11, completed_at = $12
		WHERE id = $13`

	tag, err := r.pool.Exec(ctx, query,
		p.State, p.CurrentStep,
		p.FraudCheckID, p.ReservationID, p.TransactionID, p.LedgerEntryID,
		p.FailureReason, p.CompensationReason, p.RetryCount, p.LastRetryAt,
		p.UpdatedAt, p.CompletedAt,
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update payment: no rows affected for %s", p.PaymentID)
	}
	return nil
}

// ListByMerchant fetches recent payments for a merchant.
func (r *PaymentRepo) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE merchant_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments by merchant: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

// ListByCustomer fetches recent payments for a customer.
func (r *PaymentRepo) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE customer_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments by customer: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

// ListStuck finds non-terminal payments whose last update is older than cutoff.
func (r *PaymentRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE state NOT IN ('COMPLETED', 'FAILED', 'COMPENSATED', 'CANCELLED')
		AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func scanPayments(rows pgx.Rows) ([]domain.Payment, error) {
	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		err := rows.Scan(
			&p.ID, &p.PaymentID, &p.Amount, &p.Currency, &p.MerchantID, &p.CustomerID,
			&p.State, &p.CurrentStep, &p.CorrelationID, &p.TraceID,
			&p.FraudCheckID, &p.ReservationID, &p.TransactionID, &p.LedgerEntryID,
			&p.FailureReason, &p.CompensationReason, &p.RetryCount, &p.LastRetryAt,
			&p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}
