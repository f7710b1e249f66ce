package event

import "github.com/shopspring/decimal"

// Request payloads, orchestrator to participants.

type FraudCheckRequested struct {
	PaymentID  string          `json:"payment_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	MerchantID string          `json:"merchant_id"`
	CustomerID string          `json:"customer_id"`
}

type FundsReservationRequested struct {
	PaymentID  string          `json:"payment_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	CustomerID string          `json:"customer_id"`
}

type FundsCommitRequested struct {
	PaymentID     string `json:"payment_id"`
	ReservationID string `json:"reservation_id"`
}

type PaymentExecutionRequested struct {
	PaymentID  string          `json:"payment_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	MerchantID string          `json:"merchant_id"`
	CustomerID string          `json:"customer_id"`
}

type LedgerUpdateRequested struct {
	PaymentID     string          `json:"payment_id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// CompensationRequested is broadcast once per failed saga; each participant
// self-selects by FailedStep (or the ALL wildcard).
type CompensationRequested struct {
	PaymentID  string `json:"payment_id"`
	FailedStep string `json:"failed_step"`
	Reason     string `json:"reason"`
}

// Result payloads, participants to orchestrator.

type FraudCheckCompleted struct {
	PaymentID    string   `json:"payment_id"`
	FraudCheckID string   `json:"fraud_check_id"`
	RiskScore    int      `json:"risk_score"`
	RiskLevel    string   `json:"risk_level"`
	MatchedRules []string `json:"matched_rules,omitempty"`
}

type FraudCheckFailed struct {
	PaymentID string `json:"payment_id"`
	RiskScore int    `json:"risk_score"`
	RiskLevel string `json:"risk_level"`
	Reason    string `json:"reason"`
	CanRetry  bool   `json:"can_retry"`
}

// ManualReviewRequired is advisory; it is published in addition to the
// result event and does not stall the saga.
type ManualReviewRequired struct {
	PaymentID string `json:"payment_id"`
	RiskScore int    `json:"risk_score"`
	Reason    string `json:"reason"`
}

type FundsReserved struct {
	PaymentID     string          `json:"payment_id"`
	ReservationID string          `json:"reservation_id"`
	Amount        decimal.Decimal `json:"amount"`
}

type FundsReservationFailed struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
	CanRetry  bool   `json:"can_retry"`
}

type ReservationExpired struct {
	PaymentID     string `json:"payment_id"`
	ReservationID string `json:"reservation_id"`
}

type PaymentExecuted struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	ProcessorTxID string `json:"processor_tx_id"`
}

type PaymentExecutionFailed struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
	CanRetry  bool   `json:"can_retry"`
}

type LedgerUpdated struct {
	PaymentID     string `json:"payment_id"`
	LedgerEntryID string `json:"ledger_entry_id"`
	Period        string `json:"period"`
}

type LedgerUpdateFailed struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
	CanRetry  bool   `json:"can_retry"`
}

type LedgerReversed struct {
	PaymentID       string `json:"payment_id"`
	LedgerEntryID   string `json:"ledger_entry_id"`
	ReversalEntryID string `json:"reversal_entry_id"`
}

type CompensationCompleted struct {
	PaymentID string `json:"payment_id"`
	Service   string `json:"service"`
	Detail    string `json:"detail,omitempty"`
}
