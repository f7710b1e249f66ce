package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AccountRepo implements ports.AccountRepository.
type AccountRepo struct {
	pool Pool
}

// NewAccountRepo creates a new AccountRepo.
func NewAccountRepo(pool Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `id, customer_id, currency, balance, available_balance,
	max_overdraft, version, created_at, updated_at`

// Create inserts a new customer fund account.
func (r *AccountRepo) Create(ctx context.Context, a *domain.Account) error {
	query := `INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		a.ID, a.CustomerID, a.Currency, a.Balance, a.AvailableBalance,
		a.MaxOverdraft, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetByCustomerID fetches an account by customer and currency (non-locking read).
func (r *AccountRepo) GetByCustomerID(ctx context.Context, customerID, currency string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE customer_id = $1 AND currency = $2`

	a := &domain.Account{}
	err := r.pool.QueryRow(ctx, query, customerID, currency).Scan(
		&a.ID, &a.CustomerID, &a.Currency, &a.Balance, &a.AvailableBalance,
		&a.MaxOverdraft, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account by customer id: %w", err)
	}
	return a, nil
}

// GetByCustomerIDForUpdate fetches an account with pessimistic locking.
// This MUST be called within a transaction.
func (r *AccountRepo) GetByCustomerIDForUpdate(ctx context.Context, tx pgx.Tx, customerID, currency string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE customer_id = $1 AND currency = $2 FOR UPDATE`

	a := &domain.Account{}
	err := tx.QueryRow(ctx, query, customerID, currency).Scan(
		&a.ID, &a.CustomerID, &a.Currency, &a.Balance, &a.AvailableBalance,
		&a.MaxOverdraft, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account for update by customer: %w", err)
	}
	return a, nil
}

// GetByIDForUpdate fetches an account by ID with pessimistic locking.
// This MUST be called within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`

	a := &domain.Account{}
	err := tx.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.CustomerID, &a.Currency, &a.Balance, &a.AvailableBalance,
		&a.MaxOverdraft, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account for update by id: %w", err)
	}
	return a, nil
}

// Update persists account balances within a transaction. The version guard
// rejects writes based on a stale read.
func (r *AccountRepo) Update(ctx context.Context, tx pgx.Tx, a *domain.Account) error {
	query := `UPDATE accounts SET
		balance = $1, available_balance = $2, max_overdraft = $3, version = $4, updated_at = $5
		WHERE id = $6 AND version = $7`

	tag, err := tx.Exec(ctx, query,
		a.Balance, a.AvailableBalance, a.MaxOverdraft, a.Version, a.UpdatedAt,
		a.ID, a.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update account: version conflict for %s", a.ID)
	}
	return nil
}

// ReservationRepo implements ports.ReservationRepository.
type ReservationRepo struct {
	pool Pool
}

// NewReservationRepo creates a new ReservationRepo.
func NewReservationRepo(pool Pool) *ReservationRepo {
	return &ReservationRepo{pool: pool}
}

const reservationColumns = `id, payment_id, account_id, customer_id, amount, currency,
	status, failure_reason, retry_count, last_retry_at, expires_at, created_at, updated_at`

// Create inserts a new fund reservation.
func (r *ReservationRepo) Create(ctx context.Context, res *domain.FundReservation) error {
	query := `INSERT INTO fund_reservations (` + reservationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.pool.Exec(ctx, query,
		res.ID, res.PaymentID, res.AccountID, res.CustomerID, res.Amount, res.Currency,
		res.Status, res.FailureReason, res.RetryCount, res.LastRetryAt,
		res.ExpiresAt, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fund reservation: %w", err)
	}
	return nil
}

// GetByPaymentID fetches a reservation by payment business key.
func (r *ReservationRepo) GetByPaymentID(ctx context.Context, paymentID string) (*domain.FundReservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM fund_reservations WHERE payment_id = $1`

	res := &domain.FundReservation{}
	err := r.pool.QueryRow(ctx, query, paymentID).Scan(
		&res.ID, &res.PaymentID, &res.AccountID, &res.CustomerID, &res.Amount, &res.Currency,
		&res.Status, &res.FailureReason, &res.RetryCount, &res.LastRetryAt,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fund reservation by payment id: %w", err)
	}
	return res, nil
}

// Update persists the reservation's current state.
func (r *ReservationRepo) Update(ctx context.Context, res *domain.FundReservation) error {
	query := `UPDATE fund_reservations SET
		account_id = $1, status = $2, failure_reason = $3, retry_count = $4,
		last_retry_at = $5, expires_at = $6, updated_at = $7
		WHERE id = $8`

	tag, err := r.pool.Exec(ctx, query,
		res.AccountID, res.Status, res.FailureReason, res.RetryCount,
		res.LastRetryAt, res.ExpiresAt, res.UpdatedAt,
		res.ID,
	)
	if err != nil {
		return fmt.Errorf("update fund reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update fund reservation: no rows affected for %s", res.PaymentID)
	}
	return nil
}

// ListExpired finds PENDING and RESERVED reservations past their expiry.
// PENDING rows are included so a crash before the hold was taken still
// resolves through the sweep.
func (r *ReservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.FundReservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM fund_reservations
		WHERE status IN ('PENDING', 'RESERVED') AND expires_at < $1
		ORDER BY expires_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var reservations []domain.FundReservation
	for rows.Next() {
		var res domain.FundReservation
		err := rows.Scan(
			&res.ID, &res.PaymentID, &res.AccountID, &res.CustomerID, &res.Amount, &res.Currency,
			&res.Status, &res.FailureReason, &res.RetryCount, &res.LastRetryAt,
			&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fund reservation: %w", err)
		}
		reservations = append(reservations, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fund reservations: %w", err)
	}
	return reservations, nil
}
