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

// FraudServiceImpl is the fraud participant. One FraudCheck record exists
// per payment identifier; a repeated request is resolved against the
// existing record, never by creating a duplicate.
type FraudServiceImpl struct {
	checks    ports.FraudCheckRepository
	engine    *FraudRuleEngine
	publisher ports.EventPublisher
	policy    domain.RetryPolicy
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewFraudService creates a new FraudServiceImpl.
func NewFraudService(
	checks ports.FraudCheckRepository,
	engine *FraudRuleEngine,
	publisher ports.EventPublisher,
	policy domain.RetryPolicy,
	m *metrics.Metrics,
	log zerolog.Logger,
) *FraudServiceImpl {
	return &FraudServiceImpl{
		checks:    checks,
		engine:    engine,
		publisher: publisher,
		policy:    policy,
		metrics:   m,
		log:       log,
	}
}

// HandleRequest implements the idempotent participant protocol for
// FraudCheckRequested.
func (s *FraudServiceImpl) HandleRequest(ctx context.Context, env *event.Envelope) error {
	var req event.FraudCheckRequested
	if err := env.Decode(&req); err != nil {
		return err
	}

	check, err := s.checks.GetByPaymentID(ctx, req.PaymentID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("load fraud check: %w", err))
	}

	switch {
	case check == nil:
		check = domain.NewFraudCheck(req.PaymentID, req.Amount, req.Currency, req.MerchantID, req.CustomerID)
		if err := s.checks.Create(ctx, check); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("create fraud check: %w", err))
		}
		return s.evaluate(ctx, check, req)

	case check.Status == domain.RecordStatusCompleted:
		s.log.Debug().Str("payment_id", req.PaymentID).Msg("fraud check already completed, replaying result")
		return s.publishOutcome(ctx, check)

	case check.Status == domain.RecordStatusPending:
		// Redelivery of an attempt that crashed before reaching PROCESSING;
		// per-payment ordering means nothing else is evaluating this check.
		return s.evaluate(ctx, check, req)

	case check.Status == domain.RecordStatusProcessing:
		s.log.Debug().Str("payment_id", req.PaymentID).Msg("fraud check in flight, skipping")
		return nil

	case s.policy.CanRetry(check.Status, check.RetryCount, check.LastRetryAt):
		check.RetryCount++
		now := nowUTC()
		check.LastRetryAt = &now
		return s.evaluate(ctx, check, req)

	default:
		s.log.Warn().Str("payment_id", req.PaymentID).Int("retry_count", check.RetryCount).
			Msg("fraud check failed and not retryable, leaving for sweep")
		return nil
	}
}

func (s *FraudServiceImpl) evaluate(ctx context.Context, check *domain.FraudCheck, req event.FraudCheckRequested) error {
	check.Status = domain.RecordStatusProcessing
	check.UpdatedAt = nowUTC()
	if err := s.checks.Update(ctx, check); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("mark processing: %w", err))
	}

	result, err := s.engine.Evaluate(ctx, req)
	if err != nil {
		s.metrics.ParticipantFailures.WithLabelValues("fraud").Inc()
		check.MarkFailed(err.Error())
		if updErr := s.checks.Update(ctx, check); updErr != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("mark failed: %w", updErr))
		}
		// Rule evaluation errors are transient; the orchestrator may retry.
		return s.publishFailure(ctx, check, err.Error(), true)
	}

	approved, manualReview := domain.ApprovalFor(result.TotalScore)
	check.RecordOutcome(result.TotalScore, result.MatchedRules, approved, manualReview)
	if err := s.checks.Update(ctx, check); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("record outcome: %w", err))
	}

	s.log.Info().
		Str("payment_id", check.PaymentID).
		Int("risk_score", check.RiskScore).
		Str("risk_level", string(check.RiskLevel)).
		Bool("approved", check.Approved).
		Bool("manual_review", check.ManualReview).
		Msg("fraud check evaluated")

	return s.publishOutcome(ctx, check)
}

// publishOutcome emits exactly one result event for a COMPLETED check,
// plus an advisory ManualReviewRequired when the check was flagged. The
// advisory never stalls the saga.
func (s *FraudServiceImpl) publishOutcome(ctx context.Context, check *domain.FraudCheck) error {
	if check.ManualReview {
		advisory, err := event.NewEnvelope(event.TypeManualReviewRequired, check.PaymentID, "", event.ManualReviewRequired{
			PaymentID: check.PaymentID,
			RiskScore: check.RiskScore,
			Reason:    fmt.Sprintf("risk score %d requires review", check.RiskScore),
		})
		if err != nil {
			return err
		}
		if err := s.publisher.Publish(ctx, event.TopicFraudCheckResults, advisory); err != nil {
			s.log.Error().Err(err).Str("payment_id", check.PaymentID).Msg("publishing manual review advisory")
		}
	}

	if !check.Approved {
		reason := fmt.Sprintf("declined with risk score %d (%s)", check.RiskScore, check.RiskLevel)
		return s.publishFailure(ctx, check, reason, false)
	}

	env, err := event.NewEnvelope(event.TypeFraudCheckCompleted, check.PaymentID, "", event.FraudCheckCompleted{
		PaymentID:    check.PaymentID,
		FraudCheckID: check.ID.String(),
		RiskScore:    check.RiskScore,
		RiskLevel:    string(check.RiskLevel),
		MatchedRules: check.MatchedRules,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicFraudCheckResults, env); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish fraud result: %w", err))
	}
	return nil
}

func (s *FraudServiceImpl) publishFailure(ctx context.Context, check *domain.FraudCheck, reason string, canRetry bool) error {
	env, err := event.NewEnvelope(event.TypeFraudCheckFailed, check.PaymentID, "", event.FraudCheckFailed{
		PaymentID: check.PaymentID,
		RiskScore: check.RiskScore,
		RiskLevel: string(check.RiskLevel),
		Reason:    reason,
		CanRetry:  canRetry,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicFraudCheckResults, env); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish fraud failure: %w", err))
	}
	return nil
}

// ResetStuck fails checks left in an in-flight status past the staleness
// cutoff so the retry path can pick them up. Returns the number reset.
func (s *FraudServiceImpl) ResetStuck(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stuck, err := s.checks.ListStuck(ctx, cutoff, limit)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("list stuck checks: %w", err))
	}
	reset := 0
	for i := range stuck {
		check := &stuck[i]
		check.MarkFailed("stale in-flight attempt")
		if err := s.checks.Update(ctx, check); err != nil {
			s.log.Error().Err(err).Str("payment_id", check.PaymentID).Msg("resetting stuck check")
			continue
		}
		reset++
		s.log.Warn().Str("payment_id", check.PaymentID).Msg("stuck fraud check reset")
	}
	return reset, nil
}

// Compensate is a no-op for fraud, which has no external effects, but it
// still reports back so the saga never waits on this participant.
func (s *FraudServiceImpl) Compensate(ctx context.Context, env *event.Envelope) error {
	var req event.CompensationRequested
	if err := env.Decode(&req); err != nil {
		return err
	}
	done, err := event.NewEnvelope(event.TypeCompensationCompleted, req.PaymentID, env.CorrelationID, event.CompensationCompleted{
		PaymentID: req.PaymentID,
		Service:   "fraud",
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicCompensationCompleted, done); err != nil {
		s.log.Error().Err(err).Str("payment_id", req.PaymentID).Msg("publishing compensation completed")
	}
	return nil
}
