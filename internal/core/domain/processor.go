package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle of a processor transaction.
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "PENDING"
	TransactionStatusProcessing TransactionStatus = "PROCESSING"
	TransactionStatusCompleted  TransactionStatus = "COMPLETED"
	TransactionStatusFailed     TransactionStatus = "FAILED"
	TransactionStatusCancelled  TransactionStatus = "CANCELLED"
)

// PaymentTransaction is the processor participant's record for one payment.
// ProcessorTxID and RefundID carry the external processor's identifiers
// (PTX_ and REF_ formats).
type PaymentTransaction struct {
	ID            uuid.UUID         `json:"id"`
	PaymentID     string            `json:"payment_id"` // unique, the idempotency key
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	MerchantID    string            `json:"merchant_id"`
	CustomerID    string            `json:"customer_id"`
	Status        TransactionStatus `json:"status"`
	ProcessorTxID *string           `json:"processor_tx_id,omitempty"`
	RefundID      *string           `json:"refund_id,omitempty"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	RetryCount    int               `json:"retry_count"`
	LastRetryAt   *time.Time        `json:"last_retry_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ProcessedAt   *time.Time        `json:"processed_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewPaymentTransaction creates a PENDING transaction for a payment.
func NewPaymentTransaction(paymentID string, amount decimal.Decimal, currency, merchantID, customerID string) *PaymentTransaction {
	now := time.Now().UTC()
	return &PaymentTransaction{
		ID:         uuid.New(),
		PaymentID:  paymentID,
		Amount:     amount,
		Currency:   currency,
		MerchantID: merchantID,
		CustomerID: customerID,
		Status:     TransactionStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// MarkCompleted records a successful processor charge.
func (t *PaymentTransaction) MarkCompleted(processorTxID string) {
	now := time.Now().UTC()
	t.Status = TransactionStatusCompleted
	t.ProcessorTxID = &processorTxID
	t.ProcessedAt = &now
	t.UpdatedAt = now
}

// MarkFailed records a processor decline or error.
func (t *PaymentTransaction) MarkFailed(reason string) {
	t.Status = TransactionStatusFailed
	t.FailureReason = &reason
	t.UpdatedAt = time.Now().UTC()
}

// MarkCancelled voids the transaction. The refund identifier is recorded
// only when a settled charge was actually refunded; a cancel of an attempt
// that never settled carries none.
func (t *PaymentTransaction) MarkCancelled(refundID string) {
	t.Status = TransactionStatusCancelled
	if refundID != "" {
		t.RefundID = &refundID
	}
	t.UpdatedAt = time.Now().UTC()
}

// IsRefundable reports whether compensation must reverse this transaction.
func (t *PaymentTransaction) IsRefundable() bool {
	return t.Status == TransactionStatusCompleted
}
