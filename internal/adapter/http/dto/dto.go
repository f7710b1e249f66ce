package dto

import (
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/shopspring/decimal"
)

// InitiatePaymentRequest is the body for POST /api/v1/payments.
type InitiatePaymentRequest struct {
	PaymentID  string          `json:"payment_id" binding:"required"`
	Amount     decimal.Decimal `json:"amount" binding:"required"`
	Currency   string          `json:"currency" binding:"required,len=3"`
	MerchantID string          `json:"merchant_id" binding:"required"`
	CustomerID string          `json:"customer_id" binding:"required"`
}

// UpdateOverdraftRequest is the body for PUT /api/v1/accounts/:customer_id/overdraft.
type UpdateOverdraftRequest struct {
	Currency     string          `json:"currency" binding:"required,len=3"`
	MaxOverdraft decimal.Decimal `json:"max_overdraft"`
}

// PaymentResponse is the external view of a payment saga.
type PaymentResponse struct {
	PaymentID          string     `json:"payment_id"`
	Amount             string     `json:"amount"`
	Currency           string     `json:"currency"`
	MerchantID         string     `json:"merchant_id"`
	CustomerID         string     `json:"customer_id"`
	State              string     `json:"state"`
	CurrentStep        string     `json:"current_step"`
	CorrelationID      string     `json:"correlation_id"`
	FraudCheckID       *string    `json:"fraud_check_id,omitempty"`
	ReservationID      *string    `json:"reservation_id,omitempty"`
	TransactionID      *string    `json:"transaction_id,omitempty"`
	LedgerEntryID      *string    `json:"ledger_entry_id,omitempty"`
	FailureReason      *string    `json:"failure_reason,omitempty"`
	CompensationReason *string    `json:"compensation_reason,omitempty"`
	RetryCount         int        `json:"retry_count"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// ToPaymentResponse converts a payment aggregate to its external view.
func ToPaymentResponse(p *domain.Payment) PaymentResponse {
	return PaymentResponse{
		PaymentID:          p.PaymentID,
		Amount:             p.Amount.StringFixed(2),
		Currency:           p.Currency,
		MerchantID:         p.MerchantID,
		CustomerID:         p.CustomerID,
		State:              string(p.State),
		CurrentStep:        string(p.CurrentStep),
		CorrelationID:      p.CorrelationID,
		FraudCheckID:       p.FraudCheckID,
		ReservationID:      p.ReservationID,
		TransactionID:      p.TransactionID,
		LedgerEntryID:      p.LedgerEntryID,
		FailureReason:      p.FailureReason,
		CompensationReason: p.CompensationReason,
		RetryCount:         p.RetryCount,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		CompletedAt:        p.CompletedAt,
	}
}

// ToPaymentResponses converts a list of payment aggregates.
func ToPaymentResponses(payments []domain.Payment) []PaymentResponse {
	out := make([]PaymentResponse, 0, len(payments))
	for i := range payments {
		out = append(out, ToPaymentResponse(&payments[i]))
	}
	return out
}

// AccountResponse is the external view of a customer fund account.
type AccountResponse struct {
	CustomerID       string    `json:"customer_id"`
	Currency         string    `json:"currency"`
	Balance          string    `json:"balance"`
	AvailableBalance string    `json:"available_balance"`
	MaxOverdraft     string    `json:"max_overdraft"`
	Version          int64     `json:"version"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ToAccountResponse converts an account to its external view.
func ToAccountResponse(a *domain.Account) AccountResponse {
	return AccountResponse{
		CustomerID:       a.CustomerID,
		Currency:         a.Currency,
		Balance:          a.Balance.StringFixed(2),
		AvailableBalance: a.AvailableBalance.StringFixed(2),
		MaxOverdraft:     a.MaxOverdraft.StringFixed(2),
		Version:          a.Version,
		UpdatedAt:        a.UpdatedAt,
	}
}

// BalanceResponse is the external view of an (account, period) ledger balance.
type BalanceResponse struct {
	AccountCode string    `json:"account_code"`
	Period      string    `json:"period"`
	DebitTotal  string    `json:"debit_total"`
	CreditTotal string    `json:"credit_total"`
	NetBalance  string    `json:"net_balance"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToBalanceResponses converts ledger balances to their external view.
func ToBalanceResponses(balances []domain.AccountBalance) []BalanceResponse {
	out := make([]BalanceResponse, 0, len(balances))
	for _, b := range balances {
		out = append(out, BalanceResponse{
			AccountCode: b.AccountCode,
			Period:      b.Period,
			DebitTotal:  b.DebitTotal.StringFixed(2),
			CreditTotal: b.CreditTotal.StringFixed(2),
			NetBalance:  b.NetBalance.StringFixed(2),
			UpdatedAt:   b.UpdatedAt,
		})
	}
	return out
}
