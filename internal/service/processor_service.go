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

// ProcessorServiceImpl is the processor participant. It executes charges
// through the external client and reverses them on compensation.
type ProcessorServiceImpl struct {
	transactions ports.TransactionRepository
	client       ports.ProcessorClient
	publisher    ports.EventPublisher
	policy       domain.RetryPolicy
	metrics      *metrics.Metrics
	log          zerolog.Logger
}

// NewProcessorService creates a new ProcessorServiceImpl.
func NewProcessorService(
	transactions ports.TransactionRepository,
	client ports.ProcessorClient,
	publisher ports.EventPublisher,
	policy domain.RetryPolicy,
	m *metrics.Metrics,
	log zerolog.Logger,
) *ProcessorServiceImpl {
	return &ProcessorServiceImpl{
		transactions: transactions,
		client:       client,
		publisher:    publisher,
		policy:       policy,
		metrics:      m,
		log:          log,
	}
}

// HandleRequest implements the idempotent participant protocol for
// PaymentExecutionRequested.
func (s *ProcessorServiceImpl) HandleRequest(ctx context.Context, env *event.Envelope) error {
	var req event.PaymentExecutionRequested
	if err := env.Decode(&req); err != nil {
		return err
	}

	tx, err := s.transactions.GetByPaymentID(ctx, req.PaymentID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("load transaction: %w", err))
	}

	switch {
	case tx == nil:
		tx = domain.NewPaymentTransaction(req.PaymentID, req.Amount, req.Currency, req.MerchantID, req.CustomerID)
		if err := s.transactions.Create(ctx, tx); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("create transaction: %w", err))
		}
		return s.evaluate(ctx, tx)

	case tx.Status == domain.TransactionStatusCompleted:
		s.log.Debug().Str("payment_id", req.PaymentID).Msg("transaction already completed, replaying result")
		return s.publishExecuted(ctx, tx)

	case tx.Status == domain.TransactionStatusPending:
		// Redelivery of an attempt that crashed before the charge was sent;
		// per-payment ordering means no other attempt can be racing this one.
		return s.evaluate(ctx, tx)

	case tx.Status == domain.TransactionStatusProcessing:
		s.log.Debug().Str("payment_id", req.PaymentID).Msg("transaction in flight, skipping")
		return nil

	case tx.Status == domain.TransactionStatusFailed &&
		s.policy.CanRetry(domain.RecordStatusFailed, tx.RetryCount, tx.LastRetryAt):
		tx.RetryCount++
		now := nowUTC()
		tx.LastRetryAt = &now
		return s.evaluate(ctx, tx)

	default:
		s.log.Warn().Str("payment_id", req.PaymentID).Str("status", string(tx.Status)).
			Msg("transaction not actionable, skipping")
		return nil
	}
}

func (s *ProcessorServiceImpl) evaluate(ctx context.Context, tx *domain.PaymentTransaction) error {
	tx.Status = domain.TransactionStatusProcessing
	tx.UpdatedAt = nowUTC()
	if err := s.transactions.Update(ctx, tx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("mark processing: %w", err))
	}

	result, err := s.client.Charge(ctx, tx.PaymentID, tx.Amount, tx.Currency, tx.MerchantID, tx.CustomerID)
	if err != nil {
		// Transport-level failure, treated like a timeout.
		s.metrics.ParticipantFailures.WithLabelValues("processor").Inc()
		return s.fail(ctx, tx, fmt.Sprintf("processor unavailable: %v", err), true)
	}
	if !result.Success {
		s.metrics.ParticipantFailures.WithLabelValues("processor").Inc()
		return s.fail(ctx, tx, result.DeclineReason, result.Retryable)
	}

	tx.MarkCompleted(result.ProcessorTxID)
	if err := s.transactions.Update(ctx, tx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("record completion: %w", err))
	}

	s.log.Info().
		Str("payment_id", tx.PaymentID).
		Str("processor_tx_id", result.ProcessorTxID).
		Str("amount", tx.Amount.String()).
		Msg("payment executed")
	return s.publishExecuted(ctx, tx)
}

func (s *ProcessorServiceImpl) fail(ctx context.Context, tx *domain.PaymentTransaction, reason string, canRetry bool) error {
	tx.MarkFailed(reason)
	if err := s.transactions.Update(ctx, tx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("mark failed: %w", err))
	}
	env, err := event.NewEnvelope(event.TypePaymentExecutionFailed, tx.PaymentID, "", event.PaymentExecutionFailed{
		PaymentID: tx.PaymentID,
		Reason:    reason,
		CanRetry:  canRetry,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicPaymentExecutionResults, env); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish execution failure: %w", err))
	}
	return nil
}

func (s *ProcessorServiceImpl) publishExecuted(ctx context.Context, tx *domain.PaymentTransaction) error {
	processorTxID := ""
	if tx.ProcessorTxID != nil {
		processorTxID = *tx.ProcessorTxID
	}
	env, err := event.NewEnvelope(event.TypePaymentExecuted, tx.PaymentID, "", event.PaymentExecuted{
		PaymentID:     tx.PaymentID,
		TransactionID: tx.ID.String(),
		ProcessorTxID: processorTxID,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicPaymentExecutionResults, env); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish execution result: %w", err))
	}
	return nil
}

// ResetStuck fails transactions left in an in-flight status past the
// staleness cutoff so the retry path can pick them up. Returns the number
// reset.
func (s *ProcessorServiceImpl) ResetStuck(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stuck, err := s.transactions.ListStuck(ctx, cutoff, limit)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("list stuck transactions: %w", err))
	}
	reset := 0
	for i := range stuck {
		tx := &stuck[i]
		tx.MarkFailed("stale in-flight attempt")
		if err := s.transactions.Update(ctx, tx); err != nil {
			s.log.Error().Err(err).Str("payment_id", tx.PaymentID).Msg("resetting stuck transaction")
			continue
		}
		reset++
		s.log.Warn().Str("payment_id", tx.PaymentID).Msg("stuck transaction reset")
	}
	return reset, nil
}

// Compensate refunds a COMPLETED charge and cancels one still in flight.
// Best effort; always reports back.
func (s *ProcessorServiceImpl) Compensate(ctx context.Context, env *event.Envelope) error {
	var req event.CompensationRequested
	if err := env.Decode(&req); err != nil {
		return err
	}

	detail := "no action required"
	if domain.CompensationApplies(domain.StepPaymentExecution, domain.SagaStep(req.FailedStep)) {
		var err error
		detail, err = s.refund(ctx, req.PaymentID)
		if err != nil {
			s.log.Error().Err(err).Str("payment_id", req.PaymentID).Msg("refunding during compensation")
			detail = "refund failed: " + err.Error()
		}
	}

	done, err := event.NewEnvelope(event.TypeCompensationCompleted, req.PaymentID, env.CorrelationID, event.CompensationCompleted{
		PaymentID: req.PaymentID,
		Service:   "processor",
		Detail:    detail,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicCompensationCompleted, done); err != nil {
		s.log.Error().Err(err).Str("payment_id", req.PaymentID).Msg("publishing compensation completed")
	}
	return nil
}

func (s *ProcessorServiceImpl) refund(ctx context.Context, paymentID string) (string, error) {
	tx, err := s.transactions.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("load transaction: %w", err)
	}
	if tx == nil {
		return "no action required", nil
	}
	if tx.Status == domain.TransactionStatusPending || tx.Status == domain.TransactionStatusProcessing {
		// The charge never produced a result; cancelling it locally keeps a
		// late redelivery from executing it after the saga has unwound.
		tx.MarkCancelled("")
		if err := s.transactions.Update(ctx, tx); err != nil {
			return "", fmt.Errorf("update transaction: %w", err)
		}
		s.log.Info().Str("payment_id", paymentID).Msg("in-flight charge cancelled")
		return "in-flight charge cancelled", nil
	}
	if !tx.IsRefundable() {
		return "no action required", nil
	}

	result, err := s.client.Refund(ctx, *tx.ProcessorTxID, tx.Amount, tx.Currency)
	if err != nil {
		return "", fmt.Errorf("processor refund: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("refund declined: %s", result.DeclineReason)
	}

	tx.MarkCancelled(result.RefundID)
	if err := s.transactions.Update(ctx, tx); err != nil {
		return "", fmt.Errorf("update transaction: %w", err)
	}
	s.log.Info().Str("payment_id", paymentID).Str("refund_id", result.RefundID).Msg("charge refunded")
	return "charge refunded " + result.RefundID, nil
}
