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
	"github.com/shopspring/decimal"
)

// openingBalance is credited to accounts created on first reservation.
var openingBalance = decimal.NewFromInt(10000)

// FundsServiceImpl is the funds participant. Reservations hold money
// against an account's available balance under a row lock; a sweep
// auto-releases reservations past expiry that never reached COMMITTED.
type FundsServiceImpl struct {
	accounts     ports.AccountRepository
	reservations ports.ReservationRepository
	transactor   ports.DBTransactor
	publisher    ports.EventPublisher
	policy       domain.RetryPolicy
	ttl          time.Duration
	metrics      *metrics.Metrics
	log          zerolog.Logger
}

// NewFundsService creates a new FundsServiceImpl.
func NewFundsService(
	accounts ports.AccountRepository,
	reservations ports.ReservationRepository,
	transactor ports.DBTransactor,
	publisher ports.EventPublisher,
	policy domain.RetryPolicy,
	reservationTTL time.Duration,
	m *metrics.Metrics,
	log zerolog.Logger,
) *FundsServiceImpl {
	if reservationTTL <= 0 {
		reservationTTL = 30 * time.Minute
	}
	return &FundsServiceImpl{
		accounts:     accounts,
		reservations: reservations,
		transactor:   transactor,
		publisher:    publisher,
		policy:       policy,
		ttl:          reservationTTL,
		metrics:      m,
		log:          log,
	}
}

// HandleRequest implements the idempotent participant protocol for
// FundsReservationRequested.
func (s *FundsServiceImpl) HandleRequest(ctx context.Context, env *event.Envelope) error {
	var req event.FundsReservationRequested
	if err := env.Decode(&req); err != nil {
		return err
	}

	r, err := s.reservations.GetByPaymentID(ctx, req.PaymentID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("load reservation: %w", err))
	}

	switch {
	case r == nil:
		r = domain.NewFundReservation(req.PaymentID, req.CustomerID, req.Amount, req.Currency, s.ttl)
		if err := s.reservations.Create(ctx, r); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("create reservation: %w", err))
		}
		return s.evaluate(ctx, r)

	case r.Status == domain.ReservationStatusReserved || r.Status == domain.ReservationStatusCommitted:
		s.log.Debug().Str("payment_id", req.PaymentID).Msg("reservation already held, replaying result")
		return s.publishReserved(ctx, r)

	case r.Status == domain.ReservationStatusPending:
		// Redelivery of a crashed in-flight attempt; per-payment ordering
		// means no second attempt can be running concurrently.
		return s.evaluate(ctx, r)

	case r.Status == domain.ReservationStatusFailed && s.canRetry(r):
		r.RetryCount++
		now := nowUTC()
		r.LastRetryAt = &now
		return s.evaluate(ctx, r)

	default:
		s.log.Warn().Str("payment_id", req.PaymentID).Str("status", string(r.Status)).
			Msg("reservation not actionable, skipping")
		return nil
	}
}

func (s *FundsServiceImpl) canRetry(r *domain.FundReservation) bool {
	return s.policy.CanRetry(domain.RecordStatusFailed, r.RetryCount, r.LastRetryAt)
}

// evaluate reserves funds under a row lock. Insufficient funds and currency
// mismatches are non-retryable declines.
func (s *FundsServiceImpl) evaluate(ctx context.Context, r *domain.FundReservation) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	account, err := s.accounts.GetByCustomerIDForUpdate(ctx, dbTx, r.CustomerID, r.Currency)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("lock account: %w", err))
	}
	if account == nil {
		account = domain.NewAccount(r.CustomerID, r.Currency, openingBalance)
		if err := s.accounts.Create(ctx, account); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("create account: %w", err))
		}
		s.log.Info().Str("customer_id", r.CustomerID).Str("currency", r.Currency).
			Str("balance", openingBalance.String()).Msg("account auto-created")
	}

	if account.Currency != r.Currency {
		return s.fail(ctx, r, apperror.ErrCurrencyMismatch(account.Currency, r.Currency).Message, false)
	}
	if !account.HasSufficientFunds(r.Amount) {
		s.metrics.ParticipantFailures.WithLabelValues("funds").Inc()
		appErr := apperror.ErrInsufficientFunds(account.AvailableBalance.String(), r.Amount.String())
		return s.fail(ctx, r, appErr.Message, false)
	}

	account.Reserve(r.Amount)
	if err := s.accounts.Update(ctx, dbTx, account); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update account: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	r.MarkReserved(account.ID)
	if err := s.reservations.Update(ctx, r); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update reservation: %w", err))
	}

	s.log.Info().
		Str("payment_id", r.PaymentID).
		Str("amount", r.Amount.String()).
		Str("available", account.AvailableBalance.String()).
		Msg("funds reserved")
	return s.publishReserved(ctx, r)
}

func (s *FundsServiceImpl) fail(ctx context.Context, r *domain.FundReservation, reason string, canRetry bool) error {
	r.MarkFailed(reason)
	if err := s.reservations.Update(ctx, r); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update reservation: %w", err))
	}
	env, err := event.NewEnvelope(event.TypeFundsReservationFailed, r.PaymentID, "", event.FundsReservationFailed{
		PaymentID: r.PaymentID,
		Reason:    reason,
		CanRetry:  canRetry,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicFundsReservationResults, env); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish reservation failure: %w", err))
	}
	return nil
}

func (s *FundsServiceImpl) publishReserved(ctx context.Context, r *domain.FundReservation) error {
	env, err := event.NewEnvelope(event.TypeFundsReserved, r.PaymentID, "", event.FundsReserved{
		PaymentID:     r.PaymentID,
		ReservationID: r.ID.String(),
		Amount:        r.Amount,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicFundsReservationResults, env); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish reservation result: %w", err))
	}
	return nil
}

// HandleCommit settles a reservation after the saga completes. Replays for
// an already COMMITTED reservation are no-ops.
func (s *FundsServiceImpl) HandleCommit(ctx context.Context, env *event.Envelope) error {
	var req event.FundsCommitRequested
	if err := env.Decode(&req); err != nil {
		return err
	}
	r, err := s.reservations.GetByPaymentID(ctx, req.PaymentID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("load reservation: %w", err))
	}
	if r == nil {
		s.log.Error().Str("payment_id", req.PaymentID).Msg("commit for unknown reservation, dropping")
		return nil
	}
	if r.Status != domain.ReservationStatusReserved {
		s.log.Debug().Str("payment_id", req.PaymentID).Str("status", string(r.Status)).
			Msg("reservation not committable, skipping")
		return nil
	}

	if err := s.withLockedAccount(ctx, r, func(account *domain.Account) {
		account.Commit(r.Amount)
	}); err != nil {
		return err
	}

	r.MarkCommitted()
	if err := s.reservations.Update(ctx, r); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update reservation: %w", err))
	}
	s.log.Info().Str("payment_id", r.PaymentID).Str("amount", r.Amount.String()).Msg("reservation committed")
	return nil
}

// Compensate releases a held reservation. It is best effort and always
// reports back, even when the release fails, so the saga never blocks on
// this participant.
func (s *FundsServiceImpl) Compensate(ctx context.Context, env *event.Envelope) error {
	var req event.CompensationRequested
	if err := env.Decode(&req); err != nil {
		return err
	}

	detail := "no action required"
	if domain.CompensationApplies(domain.StepFundsReservation, domain.SagaStep(req.FailedStep)) {
		if err := s.release(ctx, req.PaymentID); err != nil {
			s.log.Error().Err(err).Str("payment_id", req.PaymentID).Msg("releasing reservation during compensation")
			detail = "release failed: " + err.Error()
		} else {
			detail = "reservation released"
		}
	}

	done, err := event.NewEnvelope(event.TypeCompensationCompleted, req.PaymentID, env.CorrelationID, event.CompensationCompleted{
		PaymentID: req.PaymentID,
		Service:   "funds",
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

func (s *FundsServiceImpl) release(ctx context.Context, paymentID string) error {
	r, err := s.reservations.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("load reservation: %w", err)
	}
	if r == nil || !r.HoldsFunds() {
		return nil
	}

	if err := s.withLockedAccount(ctx, r, func(account *domain.Account) {
		account.Release(r.Amount)
	}); err != nil {
		return err
	}

	r.MarkReleased()
	if err := s.reservations.Update(ctx, r); err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	s.log.Info().Str("payment_id", paymentID).Str("amount", r.Amount.String()).Msg("reservation released")
	return nil
}

// ReleaseExpired expires reservations past their expiry that never reached
// COMMITTED and notifies the orchestrator. A RESERVED hold gives its funds
// back to the account; a PENDING row that never held funds is expired as-is.
// Returns the number released.
func (s *FundsServiceImpl) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.reservations.ListExpired(ctx, nowUTC(), limit)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("list expired reservations: %w", err))
	}

	released := 0
	for i := range expired {
		r := &expired[i]
		if r.HoldsFunds() {
			if err := s.withLockedAccount(ctx, r, func(account *domain.Account) {
				account.Release(r.Amount)
			}); err != nil {
				s.log.Error().Err(err).Str("payment_id", r.PaymentID).Msg("releasing expired reservation")
				continue
			}
		}
		r.MarkExpired()
		if err := s.reservations.Update(ctx, r); err != nil {
			s.log.Error().Err(err).Str("payment_id", r.PaymentID).Msg("updating expired reservation")
			continue
		}
		released++

		env, err := event.NewEnvelope(event.TypeReservationExpired, r.PaymentID, "", event.ReservationExpired{
			PaymentID:     r.PaymentID,
			ReservationID: r.ID.String(),
		})
		if err == nil {
			err = s.publisher.Publish(ctx, event.TopicFundsReservationResults, env)
		}
		if err != nil {
			s.log.Error().Err(err).Str("payment_id", r.PaymentID).Msg("publishing reservation expired")
		}
	}
	return released, nil
}

// withLockedAccount runs mutate on the reservation's account inside a
// transaction holding the row lock.
func (s *FundsServiceImpl) withLockedAccount(ctx context.Context, r *domain.FundReservation, mutate func(*domain.Account)) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	account, err := s.accounts.GetByIDForUpdate(ctx, dbTx, r.AccountID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("lock account: %w", err))
	}
	if account == nil {
		return apperror.ErrNotFound("account")
	}

	mutate(account)
	if err := s.accounts.Update(ctx, dbTx, account); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update account: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// GetBalance returns the account for a customer and currency.
func (s *FundsServiceImpl) GetBalance(ctx context.Context, customerID, currency string) (*domain.Account, error) {
	account, err := s.accounts.GetByCustomerID(ctx, customerID, currency)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("load account: %w", err))
	}
	if account == nil {
		return nil, apperror.ErrNotFound("account")
	}
	return account, nil
}

// UpdateOverdraft sets the overdraft allowance for a customer account.
func (s *FundsServiceImpl) UpdateOverdraft(ctx context.Context, customerID, currency string, maxOverdraft decimal.Decimal) (*domain.Account, error) {
	if maxOverdraft.IsNegative() {
		return nil, apperror.Validation("max_overdraft must not be negative")
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	account, err := s.accounts.GetByCustomerIDForUpdate(ctx, dbTx, customerID, currency)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock account: %w", err))
	}
	if account == nil {
		return nil, apperror.ErrNotFound("account")
	}

	account.MaxOverdraft = maxOverdraft
	account.Version++
	account.UpdatedAt = nowUTC()
	if err := s.accounts.Update(ctx, dbTx, account); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update account: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	return account, nil
}
