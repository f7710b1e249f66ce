package service

import (
	"context"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/event"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/pkg/apperror"

	"github.com/rs/zerolog"
)

// SagaConfig bounds automatic retries driven by the orchestrator.
type SagaConfig struct {
	MaxRetries       int
	RetryCooldown    time.Duration
	RetryBaseBackoff time.Duration
}

// OrchestrationServiceImpl owns the Payment aggregate and drives the saga:
// it consumes participant result events, applies the state machine, and
// publishes the next command or a compensation broadcast.
type OrchestrationServiceImpl struct {
	payments  ports.PaymentRepository
	retries   ports.RetryRepository
	publisher ports.EventPublisher
	cfg       SagaConfig
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewOrchestrationService creates a new OrchestrationServiceImpl.
func NewOrchestrationService(
	payments ports.PaymentRepository,
	retries ports.RetryRepository,
	publisher ports.EventPublisher,
	cfg SagaConfig,
	m *metrics.Metrics,
	log zerolog.Logger,
) *OrchestrationServiceImpl {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = 5 * time.Minute
	}
	if cfg.RetryBaseBackoff <= 0 {
		cfg.RetryBaseBackoff = 5 * time.Second
	}
	return &OrchestrationServiceImpl{
		payments:  payments,
		retries:   retries,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		log:       log,
	}
}

// Initiate starts the saga for a new payment. Re-submitting an existing
// payment identifier returns the current aggregate unchanged.
func (s *OrchestrationServiceImpl) Initiate(ctx context.Context, req ports.InitiateRequest) (*domain.Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, apperror.ErrInvalidAmount()
	}
	if len(req.Currency) != 3 {
		return nil, apperror.ErrInvalidCurrency(req.Currency)
	}
	if req.PaymentID == "" || req.MerchantID == "" || req.CustomerID == "" {
		return nil, apperror.Validation("payment_id, merchant_id and customer_id are required")
	}

	existing, err := s.payments.GetByPaymentID(ctx, req.PaymentID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("load payment: %w", err))
	}
	if existing != nil {
		return existing, nil
	}

	p := domain.NewPayment(req.PaymentID, req.Amount, req.Currency, req.MerchantID, req.CustomerID)
	p.Apply(domain.EventStartFraudCheck)
	p.MarkStep(domain.StepFraudCheck)
	if err := s.payments.Create(ctx, p); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create payment: %w", err))
	}

	s.metrics.PaymentsInitiated.Inc()
	s.metrics.SagaTransitions.WithLabelValues(string(p.State)).Inc()

	if err := s.publishCommand(ctx, p); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("payment_id", p.PaymentID).
		Str("merchant_id", p.MerchantID).
		Str("amount", p.Amount.String()).
		Msg("payment initiated")
	return p, nil
}

// GetStatus returns the current aggregate.
func (s *OrchestrationServiceImpl) GetStatus(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p, err := s.payments.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("load payment: %w", err))
	}
	if p == nil {
		return nil, apperror.ErrPaymentNotFound(paymentID)
	}
	return p, nil
}

// ListByMerchant returns recent payments for a merchant.
func (s *OrchestrationServiceImpl) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]domain.Payment, error) {
	list, err := s.payments.ListByMerchant(ctx, merchantID, normalizeLimit(limit))
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list payments: %w", err))
	}
	return list, nil
}

// ListByCustomer returns recent payments for a customer.
func (s *OrchestrationServiceImpl) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Payment, error) {
	list, err := s.payments.ListByCustomer(ctx, customerID, normalizeLimit(limit))
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list payments: %w", err))
	}
	return list, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

// ManualRetry moves a FAILED sub-state back to its PENDING sub-state and
// republishes the stage command.
func (s *OrchestrationServiceImpl) ManualRetry(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p, err := s.GetStatus(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.State.IsFailedSubState() {
		return nil, apperror.ErrNotRetryable(string(p.State))
	}
	if !p.Apply(domain.EventManualRetry) {
		return nil, apperror.ErrInvalidTransition(string(p.State), string(domain.EventManualRetry))
	}
	p.IncrementRetry()
	p.FailureReason = nil
	if err := s.payments.Update(ctx, p); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update payment: %w", err))
	}
	if err := s.publishCommand(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info().Str("payment_id", p.PaymentID).Str("state", string(p.State)).Msg("manual retry")
	return p, nil
}

// Cancel moves a FAILED sub-state to CANCELLED and voids queued retries.
func (s *OrchestrationServiceImpl) Cancel(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p, err := s.GetStatus(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.Apply(domain.EventManualCancel) {
		return nil, apperror.ErrInvalidTransition(string(p.State), string(domain.EventManualCancel))
	}
	if err := s.payments.Update(ctx, p); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update payment: %w", err))
	}
	if err := s.retries.CancelByPaymentID(ctx, paymentID); err != nil {
		s.log.Error().Err(err).Str("payment_id", paymentID).Msg("cancelling queued retries")
	}
	s.metrics.PaymentsFailed.Inc()
	s.log.Info().Str("payment_id", p.PaymentID).Msg("payment cancelled")
	return p, nil
}

// --- result event handlers ---

// loadForResult resolves the aggregate for a result event. A nil payment
// with nil error means the message must be dropped: unknown payment
// identifiers are protocol violations and terminal payments are frozen.
func (s *OrchestrationServiceImpl) loadForResult(ctx context.Context, env *event.Envelope) (*domain.Payment, error) {
	p, err := s.payments.GetByPaymentID(ctx, env.PaymentID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("load payment: %w", err))
	}
	if p == nil {
		s.log.Error().
			Str("payment_id", env.PaymentID).
			Str("event_type", env.EventType).
			Msg("result event for unknown payment, dropping")
		return nil, nil
	}
	if p.State.IsTerminal() {
		s.log.Debug().
			Str("payment_id", env.PaymentID).
			Str("event_type", env.EventType).
			Msg("result event for terminal payment, dropping")
		return nil, nil
	}
	return p, nil
}

// HandleFraudCheckCompleted advances FRAUD_CHECK_PENDING to the funds stage.
func (s *OrchestrationServiceImpl) HandleFraudCheckCompleted(ctx context.Context, env *event.Envelope) error {
	p, err := s.loadForResult(ctx, env)
	if p == nil || err != nil {
		return err
	}
	var payload event.FraudCheckCompleted
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if !p.Apply(domain.EventFraudCheckPassed) {
		s.logDiscard(p, env)
		return nil
	}
	p.FraudCheckID = &payload.FraudCheckID
	p.Apply(domain.EventStartFundsReservation)
	p.MarkStep(domain.StepFundsReservation)
	s.metrics.SagaTransitions.WithLabelValues(string(p.State)).Inc()
	if err := s.payments.Update(ctx, p); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update payment: %w", err))
	}
	return s.publishCommand(ctx, p)
}

// HandleFraudCheckFailed handles a decline from the fraud stage. Declines
// are terminal without compensation since nothing downstream has run.
func (s *OrchestrationServiceImpl) HandleFraudCheckFailed(ctx context.Context, env *event.Envelope) error {
	p, err := s.loadForResult(ctx, env)
	if p == nil || err != nil {
		return err
	}
	var payload event.FraudCheckFailed
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if !p.Apply(domain.EventFraudCheckDeclined) {
		s.logDiscard(p, env)
		return nil
	}
	p.MarkFailed(payload.Reason)
	return s.resolveStageFailure(ctx, p, payload.Reason, payload.CanRetry)
}

// HandleFundsReserved advances FUNDS_RESERVATION_PENDING to the processor
// stage.
func (s *OrchestrationServiceImpl) HandleFundsReserved(ctx context.Context, env *event.Envelope) error {
	p, err := s.loadForResult(ctx, env)
	if p == nil || err != nil {
		return err
	}
	var payload event.FundsReserved
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if !p.Apply(domain.EventFundsReserved) {
		s.logDiscard(p, env)
		return nil
	}
	p.ReservationID = &payload.ReservationID
	p.Apply(domain.EventStartProcessorExecution)
	p.MarkStep(domain.StepPaymentExecution)
	s.metrics.SagaTransitions.WithLabelValues(string(p.State)).Inc()
	if err := s.payments.Update(ctx, p); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update payment: %w", err))
	}
	return s.publishCommand(ctx, p)
}

// HandleFundsReservationFailed handles a funds decline.
func (s *OrchestrationServiceImpl) HandleFundsReservationFailed(ctx context.Context, env *event.Envelope) error {
	p, err := s.loadForResult(ctx, env)
	if p == nil || err != nil {
		return err
	}
	var payload event.FundsReservationFailed
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if !p.Apply(domain.EventFundsReservationDeclined) {
		s.logDiscard(p, env)
		return nil
	}
	p.MarkFailed(payload.Reason)
	return s.resolveStageFailure(ctx, p, payload.Reason, payload.CanRetry)
}

// HandlePaymentExecuted advances PROCESSOR_EXECUTION_PENDING to the ledger
// stage.
func (s *OrchestrationServiceImpl) HandlePaymentExecuted(ctx context.Context, env *event.Envelope) error {
	p, err := s.loadForResult(ctx, env)
	if p == nil || err != nil {
		return err
	}
	var payload event.PaymentExecuted
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if !p.Apply(domain.EventProcessorExecuted) {
		s.logDiscard(p, env)
		return nil
	}
	p.TransactionID = &payload.TransactionID
	p.Apply(domain.EventStartLedgerUpdate)
	p.MarkStep(domain.StepLedgerUpdate)
	s.metrics.SagaTransitions.WithLabelValues(string(p.State)).Inc()
	if err := s.payments.Update(ctx, p); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update payment: %w", err))
	}
	return s.publishCommand(ctx, p)
}

// HandlePaymentExecutionFailed handles a processor decline or exhausted
// timeout.
func (s *OrchestrationServiceImpl) HandlePaymentExecutionFailed(ctx context.Context, env *event.Envelope) error {
	p, err := s.loadForResult(ctx, env)
	if p == nil || err != nil {
		return err
	}
	var payload event.PaymentExecutionFailed
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if !p.Apply(domain.EventProcessorDeclined) {
		s.logDiscard(p, env)
		return nil
	}
	p.MarkFailed(payload.Reason)
	return s.resolveStageFailure(ctx, p, payload.Reason, payload.CanRetry)
}

// HandleLedgerUpdated completes the saga and asks the funds participant to
// commit its reservation.
func (s *OrchestrationServiceImpl) HandleLedgerUpdated(ctx context.Context, env *event.Envelope) error {
	p, err := s.loadForResult(ctx, env)
	if p == nil || err != nil {
		return err
	}
	var payload event.LedgerUpdated
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if !p.Apply(domain.EventLedgerUpdated) {
		s.logDiscard(p, env)
		return nil
	}
	p.LedgerEntryID = &payload.LedgerEntryID
	s.metrics.SagaTransitions.WithLabelValues(string(p.State)).Inc()
	s.metrics.PaymentsCompleted.Inc()
	if err := s.payments.Update(ctx, p); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update payment: %w", err))
	}

	reservationID := ""
	if p.ReservationID != nil {
		reservationID = *p.ReservationID
	}
	commit, err := event.NewEnvelope(event.TypeFundsCommitRequested, p.PaymentID, p.CorrelationID, event.FundsCommitRequested{
		PaymentID:     p.PaymentID,
		ReservationID: reservationID,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicFundsCommitRequests, commit); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish funds commit: %w", err))
	}

	s.log.Info().Str("payment_id", p.PaymentID).Msg("payment completed")
	return nil
}

// HandleLedgerUpdateFailed handles a ledger posting failure.
func (s *OrchestrationServiceImpl) HandleLedgerUpdateFailed(ctx context.Context, env *event.Envelope) error {
	p, err := s.loadForResult(ctx, env)
	if p == nil || err != nil {
		return err
	}
	var payload event.LedgerUpdateFailed
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if !p.Apply(domain.EventLedgerUpdateDeclined) {
		s.logDiscard(p, env)
		return nil
	}
	p.MarkFailed(payload.Reason)
	return s.resolveStageFailure(ctx, p, payload.Reason, payload.CanRetry)
}

// HandleCompensationCompleted marks the payment COMPENSATED on the first
// participant report; later reports find a terminal aggregate and drop.
func (s *OrchestrationServiceImpl) HandleCompensationCompleted(ctx context.Context, env *event.Envelope) error {
	p, err := s.loadForResult(ctx, env)
	if p == nil || err != nil {
		return err
	}
	if !p.Apply(domain.EventCompensationCompleted) {
		s.logDiscard(p, env)
		return nil
	}
	s.metrics.SagaTransitions.WithLabelValues(string(p.State)).Inc()
	s.metrics.PaymentsCompensated.Inc()
	if err := s.payments.Update(ctx, p); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update payment: %w", err))
	}
	s.log.Info().Str("payment_id", p.PaymentID).Msg("payment compensated")
	return nil
}

// resolveStageFailure decides between a durable retry, a terminal failure,
// and compensation for a payment sitting in a FAILED sub-state.
func (s *OrchestrationServiceImpl) resolveStageFailure(ctx context.Context, p *domain.Payment, reason string, canRetry bool) error {
	s.metrics.SagaTransitions.WithLabelValues(string(p.State)).Inc()

	if canRetry && p.CanRetry(s.cfg.MaxRetries, s.cfg.RetryCooldown) {
		p.IncrementRetry()
		if err := s.payments.Update(ctx, p); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("update payment: %w", err))
		}
		attempt := domain.NewRetryAttempt(p.PaymentID, p.State, p.RetryCount, reason, s.cfg.RetryBaseBackoff)
		if err := s.retries.Create(ctx, attempt); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("schedule retry: %w", err))
		}
		s.metrics.RetriesScheduled.Inc()
		s.log.Warn().
			Str("payment_id", p.PaymentID).
			Str("state", string(p.State)).
			Int("attempt", p.RetryCount).
			Str("reason", reason).
			Msg("retry scheduled")
		return nil
	}

	// Fraud declines end the saga outright; later stages may have external
	// effects to unwind.
	if p.State == domain.StateFraudCheckFailed {
		p.Apply(domain.EventPaymentFailed)
		s.metrics.SagaTransitions.WithLabelValues(string(p.State)).Inc()
		s.metrics.PaymentsFailed.Inc()
		if err := s.payments.Update(ctx, p); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("update payment: %w", err))
		}
		s.log.Info().Str("payment_id", p.PaymentID).Str("reason", reason).Msg("payment failed")
		return nil
	}

	return s.startCompensation(ctx, p, reason)
}

// startCompensation broadcasts one CompensationRequested for the failed
// step. Each participant self-selects and unconditionally reports back.
func (s *OrchestrationServiceImpl) startCompensation(ctx context.Context, p *domain.Payment, reason string) error {
	failedStep := p.State.FailedStep()
	if !p.Apply(domain.EventStartCompensation) {
		return apperror.ErrInvalidTransition(string(p.State), string(domain.EventStartCompensation))
	}
	p.MarkCompensating(reason)
	s.metrics.SagaTransitions.WithLabelValues(string(p.State)).Inc()
	if err := s.payments.Update(ctx, p); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update payment: %w", err))
	}

	env, err := event.NewEnvelope(event.TypeCompensationRequested, p.PaymentID, p.CorrelationID, event.CompensationRequested{
		PaymentID:  p.PaymentID,
		FailedStep: string(failedStep),
		Reason:     reason,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicCompensationRequests, env); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish compensation request: %w", err))
	}

	s.log.Warn().
		Str("payment_id", p.PaymentID).
		Str("failed_step", string(failedStep)).
		Str("reason", reason).
		Msg("compensation started")
	return nil
}

// publishCommand emits the request event matching the aggregate's PENDING
// state. Exactly one outbound command per forward transition.
func (s *OrchestrationServiceImpl) publishCommand(ctx context.Context, p *domain.Payment) error {
	var (
		topic     string
		eventType string
		payload   any
	)

	switch p.State {
	case domain.StateFraudCheckPending:
		topic = event.TopicFraudCheckRequests
		eventType = event.TypeFraudCheckRequested
		payload = event.FraudCheckRequested{
			PaymentID:  p.PaymentID,
			Amount:     p.Amount,
			Currency:   p.Currency,
			MerchantID: p.MerchantID,
			CustomerID: p.CustomerID,
		}
	case domain.StateFundsReservationPending:
		topic = event.TopicFundsReservationRequests
		eventType = event.TypeFundsReservationRequested
		payload = event.FundsReservationRequested{
			PaymentID:  p.PaymentID,
			Amount:     p.Amount,
			Currency:   p.Currency,
			CustomerID: p.CustomerID,
		}
	case domain.StateProcessorExecutionPending:
		topic = event.TopicPaymentExecutionRequests
		eventType = event.TypePaymentExecutionRequested
		payload = event.PaymentExecutionRequested{
			PaymentID:  p.PaymentID,
			Amount:     p.Amount,
			Currency:   p.Currency,
			MerchantID: p.MerchantID,
			CustomerID: p.CustomerID,
		}
	case domain.StateLedgerUpdatePending:
		transactionID := ""
		if p.TransactionID != nil {
			transactionID = *p.TransactionID
		}
		topic = event.TopicLedgerUpdateRequests
		eventType = event.TypeLedgerUpdateRequested
		payload = event.LedgerUpdateRequested{
			PaymentID:     p.PaymentID,
			TransactionID: transactionID,
			Amount:        p.Amount,
			Currency:      p.Currency,
		}
	default:
		return apperror.ErrInvalidTransition(string(p.State), "PUBLISH_COMMAND")
	}

	env, err := event.NewEnvelope(eventType, p.PaymentID, p.CorrelationID, payload)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, topic, env); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish %s: %w", eventType, err))
	}
	return nil
}

// Redrive republishes the command for a payment already back in a PENDING
// state, used by the durable retry sweep.
func (s *OrchestrationServiceImpl) Redrive(ctx context.Context, p *domain.Payment) error {
	return s.publishCommand(ctx, p)
}

// RedriveStuck republishes the stage command for payments sitting in a
// PENDING sub-state past cutoff. The participant side is idempotent, so a
// republished command for a result that was merely slow is a no-op there.
// Returns the number of payments redriven.
func (s *OrchestrationServiceImpl) RedriveStuck(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stuck, err := s.payments.ListStuck(ctx, cutoff, limit)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("list stuck payments: %w", err))
	}

	redriven := 0
	for i := range stuck {
		p := &stuck[i]
		if !p.State.IsPendingSubState() {
			continue
		}
		if err := s.publishCommand(ctx, p); err != nil {
			s.log.Error().Err(err).Str("payment_id", p.PaymentID).Msg("redriving stuck payment")
			continue
		}
		redriven++
		s.log.Warn().
			Str("payment_id", p.PaymentID).
			Str("state", string(p.State)).
			Msg("stuck payment redriven")
	}
	return redriven, nil
}

func (s *OrchestrationServiceImpl) logDiscard(p *domain.Payment, env *event.Envelope) {
	s.log.Debug().
		Str("payment_id", p.PaymentID).
		Str("state", string(p.State)).
		Str("event_type", env.EventType).
		Msg("event does not apply to current state, discarding")
}
