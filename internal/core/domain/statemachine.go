package domain

// PaymentState is the saga position of a payment.
type PaymentState string

const (
	StateInitiated                 PaymentState = "INITIATED"
	StateFraudCheckPending         PaymentState = "FRAUD_CHECK_PENDING"
	StateFraudCheckCompleted       PaymentState = "FRAUD_CHECK_COMPLETED"
	StateFraudCheckFailed          PaymentState = "FRAUD_CHECK_FAILED"
	StateFundsReservationPending   PaymentState = "FUNDS_RESERVATION_PENDING"
	StateFundsReserved             PaymentState = "FUNDS_RESERVED"
	StateFundsReservationFailed    PaymentState = "FUNDS_RESERVATION_FAILED"
	StateProcessorExecutionPending PaymentState = "PROCESSOR_EXECUTION_PENDING"
	StateProcessorExecuted         PaymentState = "PROCESSOR_EXECUTED"
	StateProcessorExecutionFailed  PaymentState = "PROCESSOR_EXECUTION_FAILED"
	StateLedgerUpdatePending       PaymentState = "LEDGER_UPDATE_PENDING"
	StateLedgerUpdateFailed        PaymentState = "LEDGER_UPDATE_FAILED"
	StateCompensating              PaymentState = "COMPENSATING"
	StateCompleted                 PaymentState = "COMPLETED"
	StateFailed                    PaymentState = "FAILED"
	StateCompensated               PaymentState = "COMPENSATED"
	StateCancelled                 PaymentState = "CANCELLED"
)

// SagaEvent drives a transition in the payment state machine.
type SagaEvent string

const (
	EventStartFraudCheck          SagaEvent = "START_FRAUD_CHECK"
	EventFraudCheckPassed         SagaEvent = "FRAUD_CHECK_PASSED"
	EventFraudCheckDeclined       SagaEvent = "FRAUD_CHECK_DECLINED"
	EventStartFundsReservation    SagaEvent = "START_FUNDS_RESERVATION"
	EventFundsReserved            SagaEvent = "FUNDS_RESERVED"
	EventFundsReservationDeclined SagaEvent = "FUNDS_RESERVATION_DECLINED"
	EventStartProcessorExecution  SagaEvent = "START_PROCESSOR_EXECUTION"
	EventProcessorExecuted        SagaEvent = "PROCESSOR_EXECUTED"
	EventProcessorDeclined        SagaEvent = "PROCESSOR_DECLINED"
	EventStartLedgerUpdate        SagaEvent = "START_LEDGER_UPDATE"
	EventLedgerUpdated            SagaEvent = "LEDGER_UPDATED"
	EventLedgerUpdateDeclined     SagaEvent = "LEDGER_UPDATE_DECLINED"
	EventStartCompensation        SagaEvent = "START_COMPENSATION"
	EventCompensationCompleted    SagaEvent = "COMPENSATION_COMPLETED"
	EventManualRetry              SagaEvent = "MANUAL_RETRY"
	EventManualCancel             SagaEvent = "MANUAL_CANCEL"
	EventPaymentFailed            SagaEvent = "PAYMENT_FAILED"
)

type transitionKey struct {
	from  PaymentState
	event SagaEvent
}

// transitions is the full saga table. State only moves forward along the
// happy path; the only regressions allowed are the MANUAL_RETRY edges that
// move a FAILED sub-state back to its own PENDING sub-state.
var transitions = map[transitionKey]PaymentState{
	{StateInitiated, EventStartFraudCheck}: StateFraudCheckPending,

	{StateFraudCheckPending, EventFraudCheckPassed}:   StateFraudCheckCompleted,
	{StateFraudCheckPending, EventFraudCheckDeclined}: StateFraudCheckFailed,

	{StateFraudCheckCompleted, EventStartFundsReservation}: StateFundsReservationPending,

	{StateFundsReservationPending, EventFundsReserved}:            StateFundsReserved,
	{StateFundsReservationPending, EventFundsReservationDeclined}: StateFundsReservationFailed,

	{StateFundsReserved, EventStartProcessorExecution}: StateProcessorExecutionPending,

	{StateProcessorExecutionPending, EventProcessorExecuted}: StateProcessorExecuted,
	{StateProcessorExecutionPending, EventProcessorDeclined}: StateProcessorExecutionFailed,

	{StateProcessorExecuted, EventStartLedgerUpdate}: StateLedgerUpdatePending,

	{StateLedgerUpdatePending, EventLedgerUpdated}:        StateCompleted,
	{StateLedgerUpdatePending, EventLedgerUpdateDeclined}: StateLedgerUpdateFailed,

	// A fraud decline is terminal without compensation since nothing
	// downstream has executed yet.
	{StateFraudCheckFailed, EventPaymentFailed}: StateFailed,
	{StateFraudCheckFailed, EventManualRetry}:   StateFraudCheckPending,
	{StateFraudCheckFailed, EventManualCancel}:  StateCancelled,

	{StateFundsReservationFailed, EventStartCompensation}: StateCompensating,
	{StateFundsReservationFailed, EventPaymentFailed}:     StateFailed,
	{StateFundsReservationFailed, EventManualRetry}:       StateFundsReservationPending,
	{StateFundsReservationFailed, EventManualCancel}:      StateCancelled,

	{StateProcessorExecutionFailed, EventStartCompensation}: StateCompensating,
	{StateProcessorExecutionFailed, EventManualRetry}:       StateProcessorExecutionPending,
	{StateProcessorExecutionFailed, EventManualCancel}:      StateCancelled,

	{StateLedgerUpdateFailed, EventStartCompensation}: StateCompensating,
	{StateLedgerUpdateFailed, EventManualRetry}:       StateLedgerUpdatePending,
	{StateLedgerUpdateFailed, EventManualCancel}:      StateCancelled,

	{StateCompensating, EventCompensationCompleted}: StateCompensated,
}

// NextState returns the state reached from current on event, and whether
// the transition is legal.
func NextState(current PaymentState, event SagaEvent) (PaymentState, bool) {
	next, ok := transitions[transitionKey{current, event}]
	return next, ok
}

// IsTerminal reports whether a payment in state can never change again.
func (s PaymentState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCompensated, StateCancelled:
		return true
	}
	return false
}

// IsPendingSubState reports whether s is one of the per-stage PENDING states
// waiting on a participant result.
func (s PaymentState) IsPendingSubState() bool {
	switch s {
	case StateFraudCheckPending, StateFundsReservationPending,
		StateProcessorExecutionPending, StateLedgerUpdatePending:
		return true
	}
	return false
}

// IsFailedSubState reports whether s is one of the per-stage FAILED states
// eligible for manual retry, cancel, or compensation.
func (s PaymentState) IsFailedSubState() bool {
	switch s {
	case StateFraudCheckFailed, StateFundsReservationFailed,
		StateProcessorExecutionFailed, StateLedgerUpdateFailed:
		return true
	}
	return false
}

// SagaStep labels the stage a payment is passing through. CompensationRequested
// events carry one of these (or StepAll) so each participant can self-select.
type SagaStep string

const (
	StepFraudCheck       SagaStep = "FRAUD_CHECK"
	StepFundsReservation SagaStep = "FUNDS_RESERVATION"
	StepPaymentExecution SagaStep = "PAYMENT_EXECUTION"
	StepLedgerUpdate     SagaStep = "LEDGER_UPDATE"
	StepAll              SagaStep = "ALL"
)

var stepOrder = map[SagaStep]int{
	StepFraudCheck:       1,
	StepFundsReservation: 2,
	StepPaymentExecution: 3,
	StepLedgerUpdate:     4,
}

// CompensationApplies reports whether a participant owning step own must
// act on a compensation broadcast for failed. A participant undoes its
// effect when its stage ran at or before the failed stage, or on the ALL
// wildcard.
func CompensationApplies(own, failed SagaStep) bool {
	if failed == StepAll {
		return true
	}
	fo, ok := stepOrder[failed]
	if !ok {
		return false
	}
	return stepOrder[own] <= fo
}

// FailedStep maps a failure sub-state to the step label used in
// compensation broadcasts.
func (s PaymentState) FailedStep() SagaStep {
	switch s {
	case StateFraudCheckFailed:
		return StepFraudCheck
	case StateFundsReservationFailed:
		return StepFundsReservation
	case StateProcessorExecutionFailed:
		return StepPaymentExecution
	case StateLedgerUpdateFailed:
		return StepLedgerUpdate
	}
	return StepAll
}

// RetryEvent maps a failure sub-state to the command event that re-enters
// the matching PENDING state, for both manual and automatic retries.
func (s PaymentState) RetryEvent() (SagaEvent, bool) {
	if !s.IsFailedSubState() {
		return "", false
	}
	return EventManualRetry, true
}
