package service

import (
	"context"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"

	"github.com/rs/zerolog"
)

// RetryServiceImpl drains the durable retry queue: due attempts move their
// payment from a FAILED sub-state back to PENDING and republish the stage
// command. Attempts whose payment has since gone terminal are voided.
type RetryServiceImpl struct {
	payments     ports.PaymentRepository
	retries      ports.RetryRepository
	orchestrator *OrchestrationServiceImpl
	log          zerolog.Logger
}

// NewRetryService creates a new RetryServiceImpl.
func NewRetryService(
	payments ports.PaymentRepository,
	retries ports.RetryRepository,
	orchestrator *OrchestrationServiceImpl,
	log zerolog.Logger,
) *RetryServiceImpl {
	return &RetryServiceImpl{
		payments:     payments,
		retries:      retries,
		orchestrator: orchestrator,
		log:          log,
	}
}

// RedriveDue processes all due retry attempts and returns how many were
// dispatched.
func (s *RetryServiceImpl) RedriveDue(ctx context.Context, limit int) (int, error) {
	due, err := s.retries.ListDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("list due retries: %w", err))
	}

	dispatched := 0
	for i := range due {
		attempt := &due[i]
		if err := s.redriveOne(ctx, attempt); err != nil {
			s.log.Error().Err(err).
				Str("payment_id", attempt.PaymentID).
				Int("attempt", attempt.Attempt).
				Msg("redriving retry")
			continue
		}
		if attempt.Status == domain.RetryStatusDispatched {
			dispatched++
		}
	}
	return dispatched, nil
}

func (s *RetryServiceImpl) redriveOne(ctx context.Context, attempt *domain.RetryAttempt) error {
	p, err := s.payments.GetByPaymentID(ctx, attempt.PaymentID)
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	if p == nil || p.State.IsTerminal() || !p.State.IsFailedSubState() {
		attempt.MarkCancelled()
		return s.retries.Update(ctx, attempt)
	}

	if !p.Apply(domain.EventManualRetry) {
		attempt.MarkCancelled()
		return s.retries.Update(ctx, attempt)
	}
	p.FailureReason = nil
	if err := s.payments.Update(ctx, p); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if err := s.orchestrator.Redrive(ctx, p); err != nil {
		return err
	}

	attempt.MarkDispatched()
	if err := s.retries.Update(ctx, attempt); err != nil {
		return fmt.Errorf("update retry attempt: %w", err)
	}
	s.log.Info().
		Str("payment_id", p.PaymentID).
		Str("state", string(p.State)).
		Int("attempt", attempt.Attempt).
		Msg("retry redriven")
	return nil
}
