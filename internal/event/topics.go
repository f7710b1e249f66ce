package event

// Bus topics. Requests flow orchestrator to participant, results flow back.
// Messages are keyed by payment identifier so per-payment ordering holds.
const (
	TopicFraudCheckRequests       = "fraud-check-requests"
	TopicFraudCheckResults        = "fraud-check-results"
	TopicFundsReservationRequests = "funds-reservation-requests"
	TopicFundsReservationResults  = "funds-reservation-results"
	TopicFundsCommitRequests      = "funds-commit-requests"
	TopicPaymentExecutionRequests = "payment-execution-requests"
	TopicPaymentExecutionResults  = "payment-execution-results"
	TopicLedgerUpdateRequests     = "ledger-update-requests"
	TopicLedgerUpdateResults      = "ledger-update-results"
	TopicCompensationRequests     = "compensation-requests"
	TopicCompensationCompleted    = "compensation-completed"
)

// DLQSuffix is appended to a topic to form its dead-letter sink.
const DLQSuffix = "-dlq"

// DLQTopic returns the dead-letter topic for a source topic.
func DLQTopic(topic string) string {
	return topic + DLQSuffix
}

// Event type discriminators carried in the envelope header.
const (
	TypeFraudCheckRequested       = "FraudCheckRequested"
	TypeFraudCheckCompleted       = "FraudCheckCompleted"
	TypeFraudCheckFailed          = "FraudCheckFailed"
	TypeManualReviewRequired      = "ManualReviewRequired"
	TypeFundsReservationRequested = "FundsReservationRequested"
	TypeFundsReserved             = "FundsReserved"
	TypeFundsReservationFailed    = "FundsReservationFailed"
	TypeReservationExpired        = "ReservationExpired"
	TypeFundsCommitRequested      = "FundsCommitRequested"
	TypePaymentExecutionRequested = "PaymentExecutionRequested"
	TypePaymentExecuted           = "PaymentExecuted"
	TypePaymentExecutionFailed    = "PaymentExecutionFailed"
	TypeLedgerUpdateRequested     = "LedgerUpdateRequested"
	TypeLedgerUpdated             = "LedgerUpdated"
	TypeLedgerUpdateFailed        = "LedgerUpdateFailed"
	TypeLedgerReversed            = "LedgerReversed"
	TypeCompensationRequested     = "CompensationRequested"
	TypeCompensationCompleted     = "CompensationCompleted"
)
