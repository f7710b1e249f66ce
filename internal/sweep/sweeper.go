// Package sweep runs the periodic housekeeping the saga needs to make
// forward progress without human intervention: due retries are redriven,
// expired reservations are auto-released, and records stuck in an
// in-flight status are reset for retry.
package sweep

import (
	"context"
	"time"

	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/service"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const sweepBatchSize = 100

// Sweeper owns the periodic saga housekeeping loop.
type Sweeper struct {
	orchestrator *service.OrchestrationServiceImpl
	retries      *service.RetryServiceImpl
	funds        *service.FundsServiceImpl
	fraud        *service.FraudServiceImpl
	processor    *service.ProcessorServiceImpl
	ledger       *service.LedgerServiceImpl

	interval    time.Duration
	stuckCutoff time.Duration
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// New creates a sweeper.
func New(
	orchestrator *service.OrchestrationServiceImpl,
	retries *service.RetryServiceImpl,
	funds *service.FundsServiceImpl,
	fraud *service.FraudServiceImpl,
	processor *service.ProcessorServiceImpl,
	ledger *service.LedgerServiceImpl,
	interval, stuckCutoff time.Duration,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if stuckCutoff <= 0 {
		stuckCutoff = 10 * time.Minute
	}
	return &Sweeper{
		orchestrator: orchestrator,
		retries:      retries,
		funds:        funds,
		fraud:        fraud,
		processor:    processor,
		ledger:       ledger,
		interval:     interval,
		stuckCutoff:  stuckCutoff,
		metrics:      m,
		log:          log,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every sweep kind concurrently; each kind is independent
// and a failure in one never blocks the others.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.stuckCutoff)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.retries.RedriveDue(gctx, sweepBatchSize)
		s.report(gctx, "retries", n, err)
		return nil
	})
	g.Go(func() error {
		n, err := s.orchestrator.RedriveStuck(gctx, cutoff, sweepBatchSize)
		s.report(gctx, "stuck_payments", n, err)
		return nil
	})
	g.Go(func() error {
		n, err := s.funds.ReleaseExpired(gctx, sweepBatchSize)
		s.report(gctx, "expired_reservations", n, err)
		return nil
	})
	g.Go(func() error {
		n, err := s.fraud.ResetStuck(gctx, cutoff, sweepBatchSize)
		s.report(gctx, "stuck_fraud_checks", n, err)
		return nil
	})
	g.Go(func() error {
		n, err := s.processor.ResetStuck(gctx, cutoff, sweepBatchSize)
		s.report(gctx, "stuck_transactions", n, err)
		return nil
	})
	g.Go(func() error {
		n, err := s.ledger.ResetStuck(gctx, cutoff, sweepBatchSize)
		s.report(gctx, "stuck_ledger_entries", n, err)
		return nil
	})
	_ = g.Wait()
}

func (s *Sweeper) report(_ context.Context, kind string, n int, err error) {
	s.metrics.SweepRuns.WithLabelValues(kind).Inc()
	if err != nil {
		s.log.Error().Err(err).Str("kind", kind).Msg("sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Str("kind", kind).Int("count", n).Msg("sweep acted")
	}
}
