package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment is the orchestrator-owned saga aggregate. It is mutated only by
// the orchestrator in response to participant result events and becomes
// immutable once in a terminal state.
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	PaymentID     string          `json:"payment_id"` // business key, globally unique
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	MerchantID    string          `json:"merchant_id"`
	CustomerID    string          `json:"customer_id"`
	State         PaymentState    `json:"state"`
	CurrentStep   SagaStep        `json:"current_step"`
	CorrelationID string          `json:"correlation_id"`
	TraceID       string          `json:"trace_id"`

	// Per-stage result references, populated as the saga advances.
	FraudCheckID  *string `json:"fraud_check_id,omitempty"`
	ReservationID *string `json:"reservation_id,omitempty"`
	TransactionID *string `json:"transaction_id,omitempty"`
	LedgerEntryID *string `json:"ledger_entry_id,omitempty"`

	FailureReason      *string    `json:"failure_reason,omitempty"`
	CompensationReason *string    `json:"compensation_reason,omitempty"`
	RetryCount         int        `json:"retry_count"`
	LastRetryAt        *time.Time `json:"last_retry_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// NewPayment creates a payment in INITIATED state.
func NewPayment(paymentID string, amount decimal.Decimal, currency, merchantID, customerID string) *Payment {
	now := time.Now().UTC()
	return &Payment{
		ID:            uuid.New(),
		PaymentID:     paymentID,
		Amount:        amount,
		Currency:      currency,
		MerchantID:    merchantID,
		CustomerID:    customerID,
		State:         StateInitiated,
		CorrelationID: uuid.New().String(),
		TraceID:       uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Apply advances the payment along the saga table. It returns false when the
// (state, event) pair has no transition, which callers treat as a discarded
// duplicate or out-of-order event.
func (p *Payment) Apply(event SagaEvent) bool {
	next, ok := NextState(p.State, event)
	if !ok {
		return false
	}
	p.State = next
	p.UpdatedAt = time.Now().UTC()
	if next == StateCompleted {
		now := p.UpdatedAt
		p.CompletedAt = &now
	}
	return true
}

// MarkStep records the stage currently in flight.
func (p *Payment) MarkStep(step SagaStep) {
	p.CurrentStep = step
	p.UpdatedAt = time.Now().UTC()
}

// MarkFailed records the failure reason alongside a state change already
// applied via Apply.
func (p *Payment) MarkFailed(reason string) {
	p.FailureReason = &reason
	p.UpdatedAt = time.Now().UTC()
}

// MarkCompensating records why compensation was started.
func (p *Payment) MarkCompensating(reason string) {
	p.CompensationReason = &reason
	p.UpdatedAt = time.Now().UTC()
}

// IncrementRetry bumps the retry counter and stamps the attempt time.
func (p *Payment) IncrementRetry() {
	p.RetryCount++
	now := time.Now().UTC()
	p.LastRetryAt = &now
	p.UpdatedAt = now
}

// CanRetry reports whether another automatic retry is allowed given the
// attempt budget and cool-down.
func (p *Payment) CanRetry(maxRetries int, cooldown time.Duration) bool {
	if !p.State.IsFailedSubState() {
		return false
	}
	if p.RetryCount >= maxRetries {
		return false
	}
	if p.LastRetryAt != nil && time.Since(*p.LastRetryAt) < cooldown {
		return false
	}
	return true
}
