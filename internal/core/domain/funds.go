package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account holds customer funds. Balance is the settled total; AvailableBalance
// excludes amounts held by active reservations. Version supports optimistic
// locking on read-modify-write.
type Account struct {
	ID               uuid.UUID       `json:"id"`
	CustomerID       string          `json:"customer_id"`
	Currency         string          `json:"currency"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	MaxOverdraft     decimal.Decimal `json:"max_overdraft"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewAccount opens an account with the given starting balance.
func NewAccount(customerID, currency string, opening decimal.Decimal) *Account {
	now := time.Now().UTC()
	return &Account{
		ID:               uuid.New(),
		CustomerID:       customerID,
		Currency:         currency,
		Balance:          opening,
		AvailableBalance: opening,
		MaxOverdraft:     decimal.Zero,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// HasSufficientFunds reports whether amount can be reserved, counting the
// overdraft allowance.
func (a *Account) HasSufficientFunds(amount decimal.Decimal) bool {
	return a.AvailableBalance.Add(a.MaxOverdraft).GreaterThanOrEqual(amount)
}

// Reserve holds amount against the available balance.
func (a *Account) Reserve(amount decimal.Decimal) {
	a.AvailableBalance = a.AvailableBalance.Sub(amount)
	a.Version++
	a.UpdatedAt = time.Now().UTC()
}

// Release returns a held amount to the available balance.
func (a *Account) Release(amount decimal.Decimal) {
	a.AvailableBalance = a.AvailableBalance.Add(amount)
	a.Version++
	a.UpdatedAt = time.Now().UTC()
}

// Commit settles a held amount: the hold stays off the available balance
// and the settled balance drops to match.
func (a *Account) Commit(amount decimal.Decimal) {
	a.Balance = a.Balance.Sub(amount)
	a.Version++
	a.UpdatedAt = time.Now().UTC()
}

// Refund restores a committed amount to both balances.
func (a *Account) Refund(amount decimal.Decimal) {
	a.Balance = a.Balance.Add(amount)
	a.AvailableBalance = a.AvailableBalance.Add(amount)
	a.Version++
	a.UpdatedAt = time.Now().UTC()
}

// ReservationStatus is the lifecycle of a fund reservation.
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "PENDING"
	ReservationStatusReserved  ReservationStatus = "RESERVED"
	ReservationStatusCommitted ReservationStatus = "COMMITTED"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
	ReservationStatusFailed    ReservationStatus = "FAILED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
)

// FundReservation is the funds participant's record for one payment.
type FundReservation struct {
	ID            uuid.UUID         `json:"id"`
	PaymentID     string            `json:"payment_id"` // unique, the idempotency key
	AccountID     uuid.UUID         `json:"account_id"`
	CustomerID    string            `json:"customer_id"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Status        ReservationStatus `json:"status"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	RetryCount    int               `json:"retry_count"`
	LastRetryAt   *time.Time        `json:"last_retry_at,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewFundReservation creates a PENDING reservation with the given lifetime.
func NewFundReservation(paymentID, customerID string, amount decimal.Decimal, currency string, ttl time.Duration) *FundReservation {
	now := time.Now().UTC()
	return &FundReservation{
		ID:         uuid.New(),
		PaymentID:  paymentID,
		CustomerID: customerID,
		Amount:     amount,
		Currency:   currency,
		Status:     ReservationStatusPending,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MarkReserved records a successful hold against accountID.
func (r *FundReservation) MarkReserved(accountID uuid.UUID) {
	r.AccountID = accountID
	r.Status = ReservationStatusReserved
	r.UpdatedAt = time.Now().UTC()
}

// MarkFailed records a reservation failure.
func (r *FundReservation) MarkFailed(reason string) {
	r.Status = ReservationStatusFailed
	r.FailureReason = &reason
	r.UpdatedAt = time.Now().UTC()
}

// MarkCommitted settles the reservation after payment completion.
func (r *FundReservation) MarkCommitted() {
	r.Status = ReservationStatusCommitted
	r.UpdatedAt = time.Now().UTC()
}

// MarkReleased returns the hold, on compensation or expiry sweep.
func (r *FundReservation) MarkReleased() {
	r.Status = ReservationStatusReleased
	r.UpdatedAt = time.Now().UTC()
}

// MarkExpired flags a reservation the expiry sweep released.
func (r *FundReservation) MarkExpired() {
	r.Status = ReservationStatusExpired
	r.UpdatedAt = time.Now().UTC()
}

// IsExpired reports whether the reservation lifetime has passed without
// reaching COMMITTED.
func (r *FundReservation) IsExpired(now time.Time) bool {
	return r.Status == ReservationStatusReserved && now.After(r.ExpiresAt)
}

// HoldsFunds reports whether the reservation still holds money that a
// compensation or expiry must return.
func (r *FundReservation) HoldsFunds() bool {
	return r.Status == ReservationStatusReserved
}
