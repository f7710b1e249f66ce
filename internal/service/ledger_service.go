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

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// LedgerServiceImpl is the ledger participant. A posting debits one account
// and credits another for the same period inside one transaction holding
// both balance row locks, so concurrent postings to the same account
// serialize and the books stay balanced.
type LedgerServiceImpl struct {
	entries    ports.LedgerEntryRepository
	balances   ports.BalanceRepository
	transactor ports.DBTransactor
	publisher  ports.EventPublisher
	policy     domain.RetryPolicy
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewLedgerService creates a new LedgerServiceImpl.
func NewLedgerService(
	entries ports.LedgerEntryRepository,
	balances ports.BalanceRepository,
	transactor ports.DBTransactor,
	publisher ports.EventPublisher,
	policy domain.RetryPolicy,
	m *metrics.Metrics,
	log zerolog.Logger,
) *LedgerServiceImpl {
	return &LedgerServiceImpl{
		entries:    entries,
		balances:   balances,
		transactor: transactor,
		publisher:  publisher,
		policy:     policy,
		metrics:    m,
		log:        log,
	}
}

// HandleRequest implements the idempotent participant protocol for
// LedgerUpdateRequested.
func (s *LedgerServiceImpl) HandleRequest(ctx context.Context, env *event.Envelope) error {
	var req event.LedgerUpdateRequested
	if err := env.Decode(&req); err != nil {
		return err
	}

	entry, err := s.entries.GetByPaymentID(ctx, req.PaymentID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("load ledger entry: %w", err))
	}

	switch {
	case entry == nil:
		entry = domain.NewPaymentEntry(req.PaymentID, req.TransactionID, req.Amount, req.Currency)
		if err := s.entries.Create(ctx, entry); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("create ledger entry: %w", err))
		}
		return s.evaluate(ctx, entry)

	case entry.Status == domain.EntryStatusPosted || entry.Status == domain.EntryStatusReversed:
		s.log.Debug().Str("payment_id", req.PaymentID).Msg("ledger entry already posted, replaying result")
		return s.publishPosted(ctx, entry)

	case entry.Status == domain.EntryStatusPending:
		// Redelivery of a crashed in-flight posting; per-payment ordering
		// means no second attempt can be running concurrently.
		return s.evaluate(ctx, entry)

	case entry.Status == domain.EntryStatusFailed &&
		s.policy.CanRetry(domain.RecordStatusFailed, entry.RetryCount, entry.LastRetryAt):
		entry.RetryCount++
		now := nowUTC()
		entry.LastRetryAt = &now
		return s.evaluate(ctx, entry)

	default:
		s.log.Warn().Str("payment_id", req.PaymentID).Str("status", string(entry.Status)).
			Msg("ledger entry not actionable, skipping")
		return nil
	}
}

func (s *LedgerServiceImpl) evaluate(ctx context.Context, entry *domain.LedgerEntry) error {
	entry.UpdatedAt = nowUTC()
	if err := s.entries.Update(ctx, entry); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("mark in flight: %w", err))
	}

	if err := entry.Validate(); err != nil {
		s.metrics.ParticipantFailures.WithLabelValues("ledger").Inc()
		return s.fail(ctx, entry, apperror.ErrInvalidAccountingEntry(err.Error()).Message, false)
	}

	if err := s.post(ctx, entry); err != nil {
		s.metrics.ParticipantFailures.WithLabelValues("ledger").Inc()
		return s.fail(ctx, entry, err.Error(), true)
	}

	s.log.Info().
		Str("payment_id", entry.PaymentID).
		Str("debit", entry.DebitAccount).
		Str("credit", entry.CreditAccount).
		Str("amount", entry.Amount.String()).
		Str("period", entry.Period).
		Msg("ledger entry posted")
	return s.publishPosted(ctx, entry)
}

// post applies the debit and credit and marks the entry POSTED in one
// transaction.
func (s *LedgerServiceImpl) post(ctx context.Context, entry *domain.LedgerEntry) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.applyToBalance(ctx, dbTx, entry.DebitAccount, entry.Period, func(b *domain.AccountBalance) {
		b.ApplyDebit(entry.Amount)
	}); err != nil {
		return err
	}
	if err := s.applyToBalance(ctx, dbTx, entry.CreditAccount, entry.Period, func(b *domain.AccountBalance) {
		b.ApplyCredit(entry.Amount)
	}); err != nil {
		return err
	}

	entry.MarkPosted()
	if err := s.entries.UpdateTx(ctx, dbTx, entry); err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return dbTx.Commit(ctx)
}

func (s *LedgerServiceImpl) applyToBalance(ctx context.Context, dbTx pgx.Tx, accountCode, period string, apply func(*domain.AccountBalance)) error {
	balance, err := s.balances.GetForUpdate(ctx, dbTx, accountCode, period)
	if err != nil {
		return fmt.Errorf("lock balance %s/%s: %w", accountCode, period, err)
	}
	if balance == nil {
		balance = domain.NewAccountBalance(accountCode, period)
	}
	apply(balance)
	if err := s.balances.Upsert(ctx, dbTx, balance); err != nil {
		return fmt.Errorf("upsert balance %s/%s: %w", accountCode, period, err)
	}
	return nil
}

func (s *LedgerServiceImpl) fail(ctx context.Context, entry *domain.LedgerEntry, reason string, canRetry bool) error {
	entry.MarkFailed(reason)
	if err := s.entries.Update(ctx, entry); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("mark failed: %w", err))
	}
	env, err := event.NewEnvelope(event.TypeLedgerUpdateFailed, entry.PaymentID, "", event.LedgerUpdateFailed{
		PaymentID: entry.PaymentID,
		Reason:    reason,
		CanRetry:  canRetry,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicLedgerUpdateResults, env); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish ledger failure: %w", err))
	}
	return nil
}

func (s *LedgerServiceImpl) publishPosted(ctx context.Context, entry *domain.LedgerEntry) error {
	env, err := event.NewEnvelope(event.TypeLedgerUpdated, entry.PaymentID, "", event.LedgerUpdated{
		PaymentID:     entry.PaymentID,
		LedgerEntryID: entry.ID.String(),
		Period:        entry.Period,
	})
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.TopicLedgerUpdateResults, env); err != nil {
		return apperror.ErrPublishFailure(fmt.Errorf("publish ledger result: %w", err))
	}
	return nil
}

// Compensate reverses a POSTED entry with a first-class reversal entry:
// accounts swap, inverse operations apply, and the original is marked
// REVERSED rather than deleted. Best effort; always reports back.
func (s *LedgerServiceImpl) Compensate(ctx context.Context, env *event.Envelope) error {
	var req event.CompensationRequested
	if err := env.Decode(&req); err != nil {
		return err
	}

	detail := "no action required"
	if domain.CompensationApplies(domain.StepLedgerUpdate, domain.SagaStep(req.FailedStep)) {
		var err error
		detail, err = s.reverse(ctx, req.PaymentID)
		if err != nil {
			s.log.Error().Err(err).Str("payment_id", req.PaymentID).Msg("reversing entry during compensation")
			detail = "reversal failed: " + err.Error()
		}
	}

	done, err := event.NewEnvelope(event.TypeCompensationCompleted, req.PaymentID, env.CorrelationID, event.CompensationCompleted{
		PaymentID: req.PaymentID,
		Service:   "ledger",
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

func (s *LedgerServiceImpl) reverse(ctx context.Context, paymentID string) (string, error) {
	entry, err := s.entries.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("load ledger entry: %w", err)
	}
	if entry == nil || !entry.IsReversible() {
		return "no action required", nil
	}

	reversal := entry.NewReversalEntry()

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.applyToBalance(ctx, dbTx, entry.DebitAccount, entry.Period, func(b *domain.AccountBalance) {
		b.ReverseDebit(entry.Amount)
	}); err != nil {
		return "", err
	}
	if err := s.applyToBalance(ctx, dbTx, entry.CreditAccount, entry.Period, func(b *domain.AccountBalance) {
		b.ReverseCredit(entry.Amount)
	}); err != nil {
		return "", err
	}

	reversal.MarkPosted()
	if err := s.entries.CreateTx(ctx, dbTx, reversal); err != nil {
		return "", fmt.Errorf("create reversal entry: %w", err)
	}
	entry.MarkReversed(reversal.ID)
	if err := s.entries.UpdateTx(ctx, dbTx, entry); err != nil {
		return "", fmt.Errorf("update original entry: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	reversed, err := event.NewEnvelope(event.TypeLedgerReversed, paymentID, "", event.LedgerReversed{
		PaymentID:       paymentID,
		LedgerEntryID:   entry.ID.String(),
		ReversalEntryID: reversal.ID.String(),
	})
	if err == nil {
		err = s.publisher.Publish(ctx, event.TopicLedgerUpdateResults, reversed)
	}
	if err != nil {
		s.log.Error().Err(err).Str("payment_id", paymentID).Msg("publishing ledger reversed")
	}

	s.log.Info().
		Str("payment_id", paymentID).
		Str("reversal_entry_id", reversal.ID.String()).
		Msg("ledger entry reversed")
	return "entry reversed " + reversal.ID.String(), nil
}

// ResetStuck fails entries left PENDING past the staleness cutoff so the
// retry path can pick them up. Returns the number reset.
func (s *LedgerServiceImpl) ResetStuck(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stuck, err := s.entries.ListStuck(ctx, cutoff, limit)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("list stuck entries: %w", err))
	}
	reset := 0
	for i := range stuck {
		entry := &stuck[i]
		entry.MarkFailed("stale in-flight posting")
		if err := s.entries.Update(ctx, entry); err != nil {
			s.log.Error().Err(err).Str("payment_id", entry.PaymentID).Msg("resetting stuck entry")
			continue
		}
		reset++
		s.log.Warn().Str("payment_id", entry.PaymentID).Msg("stuck ledger entry reset")
	}
	return reset, nil
}

// ListBalances returns all (account, period) balances for a period.
func (s *LedgerServiceImpl) ListBalances(ctx context.Context, period string) ([]domain.AccountBalance, error) {
	balances, err := s.balances.ListByPeriod(ctx, period)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list balances: %w", err))
	}
	return balances, nil
}
