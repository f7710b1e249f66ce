package postgres

import (
	"context"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntry() *domain.LedgerEntry {
	e := domain.NewPaymentEntry("PAY_test_001", "TX_1", decimal.RequireFromString("100.00"), "USD")
	e.CreatedAt = e.CreatedAt.Truncate(time.Microsecond)
	e.UpdatedAt = e.UpdatedAt.Truncate(time.Microsecond)
	return e
}

func entryColumnNames() []string {
	return []string{
		"id", "payment_id", "transaction_id", "debit_account", "credit_account",
		"amount", "currency", "period", "status", "reversal_entry_id", "failure_reason",
		"retry_count", "last_retry_at", "created_at", "posted_at", "updated_at",
	}
}

func entryRow(e *domain.LedgerEntry) *pgxmock.Rows {
	return pgxmock.NewRows(entryColumnNames()).AddRow(
		e.ID, e.PaymentID, e.TransactionID, e.DebitAccount, e.CreditAccount,
		e.Amount, e.Currency, e.Period, e.Status, e.ReversalEntryID, e.FailureReason,
		e.RetryCount, e.LastRetryAt, e.CreatedAt, e.PostedAt, e.UpdatedAt,
	)
}

func TestLedgerEntryRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerEntryRepo(mock)
	e := newTestEntry()

	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(e.ID, e.PaymentID, e.TransactionID, e.DebitAccount, e.CreditAccount,
			e.Amount, e.Currency, e.Period, e.Status, e.ReversalEntryID, e.FailureReason,
			e.RetryCount, e.LastRetryAt, e.CreatedAt, e.PostedAt, e.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.Create(context.Background(), e)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerEntryRepo_GetByPaymentID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerEntryRepo(mock)
	e := newTestEntry()

	mock.ExpectQuery("SELECT .+ FROM ledger_entries WHERE payment_id").
		WithArgs(e.PaymentID).
		WillReturnRows(entryRow(e))

	result, err := repo.GetByPaymentID(context.Background(), e.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.PeriodFor(time.Now().UTC()), result.Period)
	assert.Equal(t, domain.AccountMerchantReceivables, result.DebitAccount)
	assert.Equal(t, domain.AccountRevenue, result.CreditAccount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerEntryRepo_GetByPaymentID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerEntryRepo(mock)

	mock.ExpectQuery("SELECT .+ FROM ledger_entries WHERE payment_id").
		WithArgs("PAY_missing").
		WillReturnRows(pgxmock.NewRows(entryColumnNames()))

	result, err := repo.GetByPaymentID(context.Background(), "PAY_missing")
	assert.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerEntryRepo_UpdateTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerEntryRepo(mock)
	e := newTestEntry()
	e.MarkPosted()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_entries SET").
		WithArgs(e.Status, e.ReversalEntryID, e.FailureReason,
			e.RetryCount, e.LastRetryAt, e.PostedAt, e.UpdatedAt, e.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	err = repo.UpdateTx(ctx, tx, e)
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceRepo_GetForUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewBalanceRepo(mock)
	b := domain.NewAccountBalance(domain.AccountRevenue, "2026-08")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM account_balances .+ FOR UPDATE").
		WithArgs(b.AccountCode, b.Period).
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "account_code", "period", "debit_total", "credit_total", "net_balance", "entry_count", "updated_at"},
		).AddRow(b.ID, b.AccountCode, b.Period, b.DebitTotal, b.CreditTotal, b.NetBalance, b.EntryCount, b.UpdatedAt))

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	result, err := repo.GetForUpdate(ctx, tx, b.AccountCode, b.Period)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.AccountRevenue, result.AccountCode)
	assert.True(t, result.NetBalance.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceRepo_Upsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewBalanceRepo(mock)
	b := domain.NewAccountBalance(domain.AccountMerchantReceivables, "2026-08")
	b.ApplyDebit(decimal.RequireFromString("100.00"))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO account_balances").
		WithArgs(b.ID, b.AccountCode, b.Period, b.DebitTotal, b.CreditTotal, b.NetBalance, b.EntryCount, b.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	err = repo.Upsert(ctx, tx, b)
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}
