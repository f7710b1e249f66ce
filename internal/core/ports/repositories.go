package ports

import (
	"context"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PaymentRepository defines persistence for the saga aggregate.
type PaymentRepository interface {
	Create(ctx context.Context, payment *domain.Payment) error
	GetByPaymentID(ctx context.Context, paymentID string) (*domain.Payment, error)
	Update(ctx context.Context, payment *domain.Payment) error
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]domain.Payment, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Payment, error)
	// ListStuck finds non-terminal payments not updated since cutoff.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payment, error)
}

// FraudCheckRepository defines persistence for fraud participant records.
type FraudCheckRepository interface {
	Create(ctx context.Context, check *domain.FraudCheck) error
	GetByPaymentID(ctx context.Context, paymentID string) (*domain.FraudCheck, error)
	Update(ctx context.Context, check *domain.FraudCheck) error
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.FraudCheck, error)
}

// FraudRuleRepository defines persistence for rule definitions.
type FraudRuleRepository interface {
	ListEnabled(ctx context.Context) ([]domain.FraudRule, error)
	Upsert(ctx context.Context, rule *domain.FraudRule) error
}

// AccountRepository defines persistence for customer fund accounts.
// Methods accepting pgx.Tx are used inside transaction blocks for
// pessimistic locking on read-modify-write.
type AccountRepository interface {
	Create(ctx context.Context, account *domain.Account) error
	GetByCustomerID(ctx context.Context, customerID, currency string) (*domain.Account, error)
	GetByCustomerIDForUpdate(ctx context.Context, tx pgx.Tx, customerID, currency string) (*domain.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error)
	Update(ctx context.Context, tx pgx.Tx, account *domain.Account) error
}

// ReservationRepository defines persistence for fund reservations.
type ReservationRepository interface {
	Create(ctx context.Context, reservation *domain.FundReservation) error
	GetByPaymentID(ctx context.Context, paymentID string) (*domain.FundReservation, error)
	Update(ctx context.Context, reservation *domain.FundReservation) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.FundReservation, error)
}

// TransactionRepository defines persistence for processor transactions.
type TransactionRepository interface {
	Create(ctx context.Context, transaction *domain.PaymentTransaction) error
	GetByPaymentID(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error)
	Update(ctx context.Context, transaction *domain.PaymentTransaction) error
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentTransaction, error)
}

// LedgerEntryRepository defines persistence for double-entry postings.
// The Tx variants run inside the posting transaction so an entry's status
// change and its balance updates commit atomically.
type LedgerEntryRepository interface {
	Create(ctx context.Context, entry *domain.LedgerEntry) error
	CreateTx(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error
	GetByPaymentID(ctx context.Context, paymentID string) (*domain.LedgerEntry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error)
	Update(ctx context.Context, entry *domain.LedgerEntry) error
	UpdateTx(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.LedgerEntry, error)
}

// BalanceRepository defines persistence for (account, period) balances.
// GetForUpdate locks the row so concurrent postings to the same account
// serialize.
type BalanceRepository interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, accountCode, period string) (*domain.AccountBalance, error)
	Upsert(ctx context.Context, tx pgx.Tx, balance *domain.AccountBalance) error
	ListByPeriod(ctx context.Context, period string) ([]domain.AccountBalance, error)
}

// RetryRepository defines persistence for the durable retry queue.
type RetryRepository interface {
	Create(ctx context.Context, attempt *domain.RetryAttempt) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.RetryAttempt, error)
	Update(ctx context.Context, attempt *domain.RetryAttempt) error
	CancelByPaymentID(ctx context.Context, paymentID string) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
