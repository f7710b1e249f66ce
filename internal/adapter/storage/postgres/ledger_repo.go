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

// LedgerEntryRepo implements ports.LedgerEntryRepository.
type LedgerEntryRepo struct {
	pool Pool
}

// NewLedgerEntryRepo creates a new LedgerEntryRepo.
func NewLedgerEntryRepo(pool Pool) *LedgerEntryRepo {
	return &LedgerEntryRepo{pool: pool}
}

const ledgerEntryColumns = `id, payment_id, transaction_id, debit_account, credit_account,
	amount, currency, period, status, reversal_entry_id, failure_reason,
	retry_count, last_retry_at, created_at, posted_at, updated_at`

const insertLedgerEntry = `INSERT INTO ledger_entries (` + ledgerEntryColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

const updateLedgerEntry = `UPDATE ledger_entries SET
	status = $1, reversal_entry_id = $2, failure_reason = $3,
	retry_count = $4, last_retry_at = $5, posted_at = $6, updated_at = $7
	WHERE id = $8`

// Create inserts a new ledger entry outside a posting transaction.
func (r *LedgerEntryRepo) Create(ctx context.Context, e *domain.LedgerEntry) error {
	_, err := r.pool.Exec(ctx, insertLedgerEntry, entryArgs(e)...)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// CreateTx inserts a ledger entry within a posting transaction.
func (r *LedgerEntryRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	_, err := tx.Exec(ctx, insertLedgerEntry, entryArgs(e)...)
	if err != nil {
		return fmt.Errorf("insert ledger entry in tx: %w", err)
	}
	return nil
}

// GetByPaymentID fetches an entry by payment business key.
func (r *LedgerEntryRepo) GetByPaymentID(ctx context.Context, paymentID string) (*domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerEntryColumns + ` FROM ledger_entries WHERE payment_id = $1`
	return r.getOne(ctx, query, paymentID)
}

// GetByID fetches an entry by its UUID.
func (r *LedgerEntryRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerEntryColumns + ` FROM ledger_entries WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *LedgerEntryRepo) getOne(ctx context.Context, query string, arg any) (*domain.LedgerEntry, error) {
	e := &domain.LedgerEntry{}
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&e.ID, &e.PaymentID, &e.TransactionID, &e.DebitAccount, &e.CreditAccount,
		&e.Amount, &e.Currency, &e.Period, &e.Status, &e.ReversalEntryID, &e.FailureReason,
		&e.RetryCount, &e.LastRetryAt, &e.CreatedAt, &e.PostedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

// Update persists the entry's current state outside a posting transaction.
func (r *LedgerEntryRepo) Update(ctx context.Context, e *domain.LedgerEntry) error {
	tag, err := r.pool.Exec(ctx, updateLedgerEntry, entryUpdateArgs(e)...)
	if err != nil {
		return fmt.Errorf("update ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update ledger entry: no rows affected for %s", e.PaymentID)
	}
	return nil
}

// UpdateTx persists the entry's status within a posting transaction.
func (r *LedgerEntryRepo) UpdateTx(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	tag, err := tx.Exec(ctx, updateLedgerEntry, entryUpdateArgs(e)...)
	if err != nil {
		return fmt.Errorf("update ledger entry in tx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update ledger entry in tx: no rows affected for %s", e.PaymentID)
	}
	return nil
}

// ListStuck finds entries left PENDING past the cutoff.
func (r *LedgerEntryRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerEntryColumns + ` FROM ledger_entries
		WHERE status = 'PENDING' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		err := rows.Scan(
			&e.ID, &e.PaymentID, &e.TransactionID, &e.DebitAccount, &e.CreditAccount,
			&e.Amount, &e.Currency, &e.Period, &e.Status, &e.ReversalEntryID, &e.FailureReason,
			&e.RetryCount, &e.LastRetryAt, &e.CreatedAt, &e.PostedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

func entryArgs(e *domain.LedgerEntry) []any {
	return []any{
		e.ID, e.PaymentID, e.TransactionID, e.DebitAccount, e.CreditAccount,
		e.Amount, e.Currency, e.Period, e.Status, e.ReversalEntryID, e.FailureReason,
		e.RetryCount, e.LastRetryAt, e.CreatedAt, e.PostedAt, e.UpdatedAt,
	}
}

func entryUpdateArgs(e *domain.LedgerEntry) []any {
	return []any{
		e.Status, e.ReversalEntryID, e.FailureReason,
		e.RetryCount, e.LastRetryAt, e.PostedAt, e.UpdatedAt,
		e.ID,
	}
}

// BalanceRepo implements ports.BalanceRepository.
type BalanceRepo struct {
	pool Pool
}

// NewBalanceRepo creates a new BalanceRepo.
func NewBalanceRepo(pool Pool) *BalanceRepo {
	return &BalanceRepo{pool: pool}
}

const balanceColumns = `id, account_code, period, debit_total, credit_total, net_balance, entry_count, updated_at`

// GetForUpdate fetches an (account, period) balance row with pessimistic
// locking. This MUST be called within a posting transaction.
func (r *BalanceRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, accountCode, period string) (*domain.AccountBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM account_balances
		WHERE account_code = $1 AND period = $2 FOR UPDATE`

	b := &domain.AccountBalance{}
	err := tx.QueryRow(ctx, query, accountCode, period).Scan(
		&b.ID, &b.AccountCode, &b.Period, &b.DebitTotal, &b.CreditTotal, &b.NetBalance, &b.EntryCount, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account balance for update: %w", err)
	}
	return b, nil
}

// Upsert writes an (account, period) balance within a posting transaction.
func (r *BalanceRepo) Upsert(ctx context.Context, tx pgx.Tx, b *domain.AccountBalance) error {
	query := `INSERT INTO account_balances (` + balanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_code, period) DO UPDATE SET
			debit_total = EXCLUDED.debit_total,
			credit_total = EXCLUDED.credit_total,
			net_balance = EXCLUDED.net_balance,
			entry_count = EXCLUDED.entry_count,
			updated_at = EXCLUDED.updated_at`

	_, err := tx.Exec(ctx, query,
		b.ID, b.AccountCode, b.Period, b.DebitTotal, b.CreditTotal, b.NetBalance, b.EntryCount, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert account balance: %w", err)
	}
	return nil
}

// ListByPeriod fetches all account balances for a reporting period.
func (r *BalanceRepo) ListByPeriod(ctx context.Context, period string) ([]domain.AccountBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM account_balances
		WHERE period = $1 ORDER BY account_code`

	rows, err := r.pool.Query(ctx, query, period)
	if err != nil {
		return nil, fmt.Errorf("list account balances: %w", err)
	}
	defer rows.Close()

	var balances []domain.AccountBalance
	for rows.Next() {
		var b domain.AccountBalance
		err := rows.Scan(
			&b.ID, &b.AccountCode, &b.Period, &b.DebitTotal, &b.CreditTotal, &b.NetBalance, &b.EntryCount, &b.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan account balance: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account balances: %w", err)
	}
	return balances, nil
}
