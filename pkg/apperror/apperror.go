package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses and retry policy.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// nonRetryableCodes is the closed set of business declines and validation
// failures that must never be retried, regardless of remaining attempts.
var nonRetryableCodes = map[string]struct{}{
	"VAL_001": {},
	"VAL_002": {},
	"VAL_003": {},
	"FND_001": {},
	"FND_002": {},
	"FRD_001": {},
	"PRC_001": {},
	"PRC_002": {},
	"PRC_003": {},
	"LDG_001": {},
}

// IsNonRetryable reports whether err carries a code from the closed
// non-retryable set. Unknown errors are treated as retryable.
func IsNonRetryable(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	_, ok := nonRetryableCodes[appErr.Code]
	return ok
}

// ---- Validation (VAL) ----

func ErrInvalidAmount() *AppError {
	return New("VAL_001", "Amount must be positive", http.StatusBadRequest)
}

func ErrInvalidCurrency(currency string) *AppError {
	return New("VAL_002", fmt.Sprintf("Invalid currency: %s", currency), http.StatusBadRequest)
}

func Validation(message string) *AppError {
	return New("VAL_003", message, http.StatusBadRequest)
}

// ---- Funds (FND) ----

func ErrInsufficientFunds(available, requested string) *AppError {
	return New("FND_001",
		fmt.Sprintf("Insufficient funds. Available: %s, Requested: %s", available, requested),
		http.StatusPaymentRequired)
}

func ErrCurrencyMismatch(accountCurrency, requested string) *AppError {
	return New("FND_002",
		fmt.Sprintf("Account currency %s does not match requested currency %s", accountCurrency, requested),
		http.StatusUnprocessableEntity)
}

func ErrReservationNotFound(paymentID string) *AppError {
	return New("FND_003", fmt.Sprintf("Reservation not found for payment: %s", paymentID), http.StatusNotFound)
}

func ErrReservationNotReleasable(status string) *AppError {
	return New("FND_004", fmt.Sprintf("Reservation in status %s has no funds to release", status), http.StatusConflict)
}

// ---- Fraud (FRD) ----

func ErrFraudDeclined(reason string) *AppError {
	return New("FRD_001", fmt.Sprintf("Fraud check declined: %s", reason), http.StatusUnprocessableEntity)
}

func ErrRuleEvaluation(ruleID string, err error) *AppError {
	return Wrap("FRD_002", fmt.Sprintf("Rule evaluation failed: %s", ruleID), http.StatusInternalServerError, err)
}

// ---- Processor (PRC) ----

func ErrProcessorDeclined(reason string) *AppError {
	return New("PRC_001", fmt.Sprintf("Processor declined transaction: %s", reason), http.StatusUnprocessableEntity)
}

func ErrAmountLimitExceeded() *AppError {
	return New("PRC_002", "Transaction amount exceeds limit", http.StatusUnprocessableEntity)
}

func ErrMerchantNotAuthorized() *AppError {
	return New("PRC_003", "Merchant not authorized", http.StatusUnprocessableEntity)
}

func ErrProcessorTimeout(err error) *AppError {
	return Wrap("PRC_004", "Processor network timeout", http.StatusGatewayTimeout, err)
}

func ErrProcessorUnavailable(err error) *AppError {
	return Wrap("PRC_005", "Processor system temporarily unavailable", http.StatusServiceUnavailable, err)
}

// ---- Ledger (LDG) ----

func ErrInvalidAccountingEntry(message string) *AppError {
	return New("LDG_001", message, http.StatusBadRequest)
}

func ErrLedgerEntryNotFound(paymentID string) *AppError {
	return New("LDG_002", fmt.Sprintf("Ledger entry not found for payment: %s", paymentID), http.StatusNotFound)
}

func ErrLedgerEntryNotReversible(status string) *AppError {
	return New("LDG_003", fmt.Sprintf("Cannot reverse ledger entry with status: %s", status), http.StatusConflict)
}

func ErrBalanceNotFound(accountCode, period string) *AppError {
	return New("LDG_004",
		fmt.Sprintf("Account balance not found: %s in period %s", accountCode, period),
		http.StatusNotFound)
}

// ---- Saga / Orchestration (SAGA) ----

func ErrPaymentNotFound(paymentID string) *AppError {
	return New("SAGA_001", fmt.Sprintf("Payment not found: %s", paymentID), http.StatusNotFound)
}

func ErrInvalidTransition(state, event string) *AppError {
	return New("SAGA_002",
		fmt.Sprintf("Event %s is not valid in state %s", event, state),
		http.StatusConflict)
}

func ErrNotRetryable(state string) *AppError {
	return New("SAGA_003", fmt.Sprintf("Payment in state %s cannot be retried", state), http.StatusConflict)
}

func ErrNotFound(entity string) *AppError {
	return New("SAGA_004", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

func ErrPublishFailure(err error) *AppError {
	return Wrap("SYS_002", "Event publish failure", http.StatusServiceUnavailable, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}
