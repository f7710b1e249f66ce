package ports

import (
	"context"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/event"

	"github.com/shopspring/decimal"
)

// EventHandler processes one envelope. Returning an error triggers the
// bus-level redelivery policy for that message.
type EventHandler func(ctx context.Context, env *event.Envelope) error

// EventPublisher sends envelopes to a topic.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, env *event.Envelope) error
}

// EventBus is the full bus boundary: publish plus consumer-group
// subscription. Messages for one payment identifier are delivered in send
// order to a single consumer.
type EventBus interface {
	EventPublisher
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
}

// ProcessorResult is the outcome of one external charge or refund attempt.
type ProcessorResult struct {
	Success       bool
	ProcessorTxID string
	RefundID      string
	DeclineReason string
	Retryable     bool
}

// ProcessorClient talks to the external payment processor.
type ProcessorClient interface {
	Charge(ctx context.Context, paymentID string, amount decimal.Decimal, currency, merchantID, customerID string) (*ProcessorResult, error)
	Refund(ctx context.Context, processorTxID string, amount decimal.Decimal, currency string) (*ProcessorResult, error)
}

// --- Service Ports (Business Logic) ---

// InitiateRequest holds validated input for starting a payment saga.
type InitiateRequest struct {
	PaymentID  string
	Amount     decimal.Decimal
	Currency   string
	MerchantID string
	CustomerID string
}

// OrchestrationService is the synchronous surface over the saga.
type OrchestrationService interface {
	Initiate(ctx context.Context, req InitiateRequest) (*domain.Payment, error)
	GetStatus(ctx context.Context, paymentID string) (*domain.Payment, error)
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]domain.Payment, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Payment, error)
	ManualRetry(ctx context.Context, paymentID string) (*domain.Payment, error)
	Cancel(ctx context.Context, paymentID string) (*domain.Payment, error)
}

// AccountService is the synchronous surface over customer fund accounts.
type AccountService interface {
	GetBalance(ctx context.Context, customerID, currency string) (*domain.Account, error)
	UpdateOverdraft(ctx context.Context, customerID, currency string, maxOverdraft decimal.Decimal) (*domain.Account, error)
}

// LedgerQueryService exposes reporting reads over posted balances.
type LedgerQueryService interface {
	ListBalances(ctx context.Context, period string) ([]domain.AccountBalance, error)
}

// RuleCacheRefresher invalidates the in-process fraud rule cache.
type RuleCacheRefresher interface {
	RefreshCache()
}
