package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Chart of accounts used for payment postings.
const (
	AccountMerchantReceivables = "MERCHANT_RECEIVABLES"
	AccountRevenue             = "REVENUE"
)

// EntryStatus is the lifecycle of a ledger entry. Entries are append-only;
// a REVERSED entry stays in the ledger with a pointer to its reversal.
type EntryStatus string

const (
	EntryStatusPending  EntryStatus = "PENDING"
	EntryStatusPosted   EntryStatus = "POSTED"
	EntryStatusFailed   EntryStatus = "FAILED"
	EntryStatusReversed EntryStatus = "REVERSED"
)

// LedgerEntry is one double-entry posting: a debit to one account and an
// equal credit to another within a single accounting period.
type LedgerEntry struct {
	ID              uuid.UUID       `json:"id"`
	PaymentID       string          `json:"payment_id"` // unique, the idempotency key
	TransactionID   string          `json:"transaction_id"`
	DebitAccount    string          `json:"debit_account"`
	CreditAccount   string          `json:"credit_account"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Period          string          `json:"period"` // YYYY-MM
	Status          EntryStatus     `json:"status"`
	ReversalEntryID *uuid.UUID      `json:"reversal_entry_id,omitempty"`
	FailureReason   *string         `json:"failure_reason,omitempty"`
	RetryCount      int             `json:"retry_count"`
	LastRetryAt     *time.Time      `json:"last_retry_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	PostedAt        *time.Time      `json:"posted_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PeriodFor formats the accounting period containing t.
func PeriodFor(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NewPaymentEntry creates a PENDING debit MERCHANT_RECEIVABLES / credit
// REVENUE posting for a completed payment.
func NewPaymentEntry(paymentID, transactionID string, amount decimal.Decimal, currency string) *LedgerEntry {
	now := time.Now().UTC()
	return &LedgerEntry{
		ID:            uuid.New(),
		PaymentID:     paymentID,
		TransactionID: transactionID,
		DebitAccount:  AccountMerchantReceivables,
		CreditAccount: AccountRevenue,
		Amount:        amount,
		Currency:      currency,
		Period:        PeriodFor(now),
		Status:        EntryStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewReversalEntry builds the compensating entry for a posted original:
// debit and credit accounts swap, and the transaction id carries a REV_
// prefix linking the pair in external reporting.
func (e *LedgerEntry) NewReversalEntry() *LedgerEntry {
	now := time.Now().UTC()
	return &LedgerEntry{
		ID:            uuid.New(),
		PaymentID:     "REV_" + e.PaymentID,
		TransactionID: "REV_" + e.TransactionID,
		DebitAccount:  e.CreditAccount,
		CreditAccount: e.DebitAccount,
		Amount:        e.Amount,
		Currency:      e.Currency,
		Period:        PeriodFor(now),
		Status:        EntryStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate enforces the posting preconditions.
func (e *LedgerEntry) Validate() error {
	if !e.Amount.IsPositive() {
		return fmt.Errorf("entry amount must be positive, got %s", e.Amount)
	}
	if e.DebitAccount == e.CreditAccount {
		return fmt.Errorf("debit and credit account must differ, both %s", e.DebitAccount)
	}
	return nil
}

// MarkPosted records a successful posting.
func (e *LedgerEntry) MarkPosted() {
	now := time.Now().UTC()
	e.Status = EntryStatusPosted
	e.PostedAt = &now
	e.UpdatedAt = now
}

// MarkFailed records a posting failure.
func (e *LedgerEntry) MarkFailed(reason string) {
	e.Status = EntryStatusFailed
	e.FailureReason = &reason
	e.UpdatedAt = time.Now().UTC()
}

// MarkReversed links the original to its reversal entry.
func (e *LedgerEntry) MarkReversed(reversalID uuid.UUID) {
	e.Status = EntryStatusReversed
	e.ReversalEntryID = &reversalID
	e.UpdatedAt = time.Now().UTC()
}

// IsReversible reports whether compensation must reverse this entry.
func (e *LedgerEntry) IsReversible() bool {
	return e.Status == EntryStatusPosted
}

// AccountBalance aggregates postings for one (account, period) pair.
// EntryCount counts every posting applied to the pair, reversals included.
// Mutations must run under a lock scoped to the row so that concurrent
// postings to the same account serialize.
type AccountBalance struct {
	ID          uuid.UUID       `json:"id"`
	AccountCode string          `json:"account_code"`
	Period      string          `json:"period"`
	DebitTotal  decimal.Decimal `json:"debit_total"`
	CreditTotal decimal.Decimal `json:"credit_total"`
	NetBalance  decimal.Decimal `json:"net_balance"`
	EntryCount  int             `json:"entry_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewAccountBalance creates a zeroed balance row for an (account, period).
func NewAccountBalance(accountCode, period string) *AccountBalance {
	return &AccountBalance{
		ID:          uuid.New(),
		AccountCode: accountCode,
		Period:      period,
		DebitTotal:  decimal.Zero,
		CreditTotal: decimal.Zero,
		NetBalance:  decimal.Zero,
		UpdatedAt:   time.Now().UTC(),
	}
}

// ApplyDebit adds a debit posting to the running totals.
func (b *AccountBalance) ApplyDebit(amount decimal.Decimal) {
	b.DebitTotal = b.DebitTotal.Add(amount)
	b.NetBalance = b.NetBalance.Add(amount)
	b.EntryCount++
	b.UpdatedAt = time.Now().UTC()
}

// ApplyCredit adds a credit posting to the running totals.
func (b *AccountBalance) ApplyCredit(amount decimal.Decimal) {
	b.CreditTotal = b.CreditTotal.Add(amount)
	b.NetBalance = b.NetBalance.Sub(amount)
	b.EntryCount++
	b.UpdatedAt = time.Now().UTC()
}

// ReverseDebit backs out a previously applied debit. The reversal is a
// posting in its own right, so the entry count still grows.
func (b *AccountBalance) ReverseDebit(amount decimal.Decimal) {
	b.DebitTotal = b.DebitTotal.Sub(amount)
	b.NetBalance = b.NetBalance.Sub(amount)
	b.EntryCount++
	b.UpdatedAt = time.Now().UTC()
}

// ReverseCredit backs out a previously applied credit.
func (b *AccountBalance) ReverseCredit(amount decimal.Decimal) {
	b.CreditTotal = b.CreditTotal.Sub(amount)
	b.NetBalance = b.NetBalance.Add(amount)
	b.EntryCount++
	b.UpdatedAt = time.Now().UTC()
}
