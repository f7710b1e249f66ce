package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

const transactionColumns = `id, payment_id, amount, currency, merchant_id, customer_id,
	status, processor_tx_id, refund_id, failure_reason, retry_count, last_retry_at,
	created_at, processed_at, updated_at`

// Create inserts a new processor transaction record.
func (r *TransactionRepo) Create(ctx context.Context, t *domain.PaymentTransaction) error {
	query := `INSERT INTO payment_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.pool.Exec(ctx, query,
		t.ID, t.PaymentID, t.Amount, t.Currency, t.MerchantID, t.CustomerID,
		t.Status, t.ProcessorTxID, t.RefundID, t.FailureReason, t.RetryCount, t.LastRetryAt,
		t.CreatedAt, t.ProcessedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	return nil
}

// GetByPaymentID fetches a transaction by payment business key.
func (r *TransactionRepo) GetByPaymentID(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE payment_id = $1`

	t := &domain.PaymentTransaction{}
	err := r.pool.QueryRow(ctx, query, paymentID).Scan(
		&t.ID, &t.PaymentID, &t.Amount, &t.Currency, &t.MerchantID, &t.CustomerID,
		&t.Status, &t.ProcessorTxID, &t.RefundID, &t.FailureReason, &t.RetryCount, &t.LastRetryAt,
		&t.CreatedAt, &t.ProcessedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment transaction by payment id: %w", err)
	}
	return t, nil
}

// Update persists the transaction's current state.
func (r *TransactionRepo) Update(ctx context.Context, t *domain.PaymentTransaction) error {
	query := `UPDATE payment_transactions SET
		status = $1, processor_tx_id = $2, refund_id = $3, failure_reason = $4,
		retry_count = $5, last_retry_at = $6, processed_at = $7, updated_at = $8
		WHERE id = $9`

	tag, err := r.pool.Exec(ctx, query,
		t.Status, t.ProcessorTxID, t.RefundID, t.FailureReason,
		t.RetryCount, t.LastRetryAt, t.ProcessedAt, t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update payment transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update payment transaction: no rows affected for %s", t.PaymentID)
	}
	return nil
}

// ListStuck finds transactions left PENDING or PROCESSING past the cutoff.
func (r *TransactionRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions
		WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck payment transactions: %w", err)
	}
	defer rows.Close()

	var transactions []domain.PaymentTransaction
	for rows.Next() {
		var t domain.PaymentTransaction
		err := rows.Scan(
			&t.ID, &t.PaymentID, &t.Amount, &t.Currency, &t.MerchantID, &t.CustomerID,
			&t.Status, &t.ProcessorTxID, &t.RefundID, &t.FailureReason, &t.RetryCount, &t.LastRetryAt,
			&t.CreatedAt, &t.ProcessedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan payment transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment transactions: %w", err)
	}
	return transactions, nil
}
