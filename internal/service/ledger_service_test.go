package service

import (
	"context"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports/mocks"
	"payment-orchestrator/internal/event"
	"payment-orchestrator/internal/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type ledgerTestDeps struct {
	svc        *LedgerServiceImpl
	entries    *mocks.MockLedgerEntryRepository
	balances   *mocks.MockBalanceRepository
	transactor *mocks.MockDBTransactor
	publisher  *mocks.MockEventPublisher
	ctrl       *gomock.Controller
}

func setupLedgerService(t *testing.T) *ledgerTestDeps {
	ctrl := gomock.NewController(t)
	d := &ledgerTestDeps{
		entries:    mocks.NewMockLedgerEntryRepository(ctrl),
		balances:   mocks.NewMockBalanceRepository(ctrl),
		transactor: mocks.NewMockDBTransactor(ctrl),
		publisher:  mocks.NewMockEventPublisher(ctrl),
		ctrl:       ctrl,
	}
	policy := domain.RetryPolicy{MaxAttempts: 3, Cooldown: time.Millisecond}
	d.svc = NewLedgerService(
		d.entries, d.balances, d.transactor, d.publisher, policy,
		metrics.New(prometheus.NewRegistry()), zerolog.Nop(),
	)
	return d
}

// mockTx implements pgx.Tx for testing
type mockTx struct{ pgx.Tx }

func (m *mockTx) Rollback(_ context.Context) error { return nil }
func (m *mockTx) Commit(_ context.Context) error   { return nil }

func ledgerRequestEnvelope(t *testing.T) *event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope(event.TypeLedgerUpdateRequested, "PAY_test_001", "corr-1", event.LedgerUpdateRequested{
		PaymentID:     "PAY_test_001",
		TransactionID: "TX_1",
		Amount:        decimal.RequireFromString("150.00"),
		Currency:      "USD",
	})
	require.NoError(t, err)
	return env
}

func TestLedgerService_HandleRequest_PostsEntry(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()
	tx := &mockTx{}

	d.entries.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(nil, nil)

	var created *domain.LedgerEntry
	d.entries.EXPECT().
		Create(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, e *domain.LedgerEntry) error {
			created = e
			return nil
		})
	d.entries.EXPECT().Update(ctx, gomock.Any()).Return(nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)

	// Both rows are new in the period; each side gets a fresh balance.
	d.balances.EXPECT().GetForUpdate(ctx, tx, domain.AccountMerchantReceivables, gomock.Any()).Return(nil, nil)
	d.balances.EXPECT().GetForUpdate(ctx, tx, domain.AccountRevenue, gomock.Any()).Return(nil, nil)

	upserted := map[string]*domain.AccountBalance{}
	d.balances.EXPECT().
		Upsert(ctx, tx, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, b *domain.AccountBalance) error {
			upserted[b.AccountCode] = b
			return nil
		}).Times(2)

	d.entries.EXPECT().UpdateTx(ctx, tx, gomock.Any()).Return(nil)

	var published *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicLedgerUpdateResults, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			published = env
			return nil
		})

	require.NoError(t, d.svc.HandleRequest(ctx, ledgerRequestEnvelope(t)))

	require.NotNil(t, created)
	assert.Equal(t, domain.EntryStatusPosted, created.Status)
	assert.Equal(t, domain.AccountMerchantReceivables, created.DebitAccount)
	assert.Equal(t, domain.AccountRevenue, created.CreditAccount)

	amount := decimal.RequireFromString("150.00")
	require.Contains(t, upserted, domain.AccountMerchantReceivables)
	assert.True(t, upserted[domain.AccountMerchantReceivables].DebitTotal.Equal(amount))
	require.Contains(t, upserted, domain.AccountRevenue)
	assert.True(t, upserted[domain.AccountRevenue].CreditTotal.Equal(amount))

	require.NotNil(t, published)
	assert.Equal(t, event.TypeLedgerUpdated, published.EventType)
}

func TestLedgerService_HandleRequest_PostedReplaysResult(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	entry := domain.NewPaymentEntry("PAY_test_001", "TX_1", decimal.RequireFromString("150.00"), "USD")
	entry.MarkPosted()
	d.entries.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(entry, nil)
	d.publisher.EXPECT().Publish(ctx, event.TopicLedgerUpdateResults, gomock.Any()).Return(nil)

	require.NoError(t, d.svc.HandleRequest(ctx, ledgerRequestEnvelope(t)))
}

func TestLedgerService_HandleRequest_InvalidEntryFailsHard(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	// A redelivered PENDING entry with the same account on both sides
	// fails validation and is not retryable.
	entry := domain.NewPaymentEntry("PAY_test_001", "TX_1", decimal.RequireFromString("150.00"), "USD")
	entry.CreditAccount = entry.DebitAccount
	d.entries.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(entry, nil)
	d.entries.EXPECT().Update(ctx, entry).Return(nil).Times(2)

	var published *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicLedgerUpdateResults, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			published = env
			return nil
		})

	require.NoError(t, d.svc.HandleRequest(ctx, ledgerRequestEnvelope(t)))

	assert.Equal(t, domain.EntryStatusFailed, entry.Status)
	require.NotNil(t, published)
	var payload event.LedgerUpdateFailed
	require.NoError(t, published.Decode(&payload))
	assert.False(t, payload.CanRetry)
}

func TestLedgerService_Compensate_ReversesPostedEntry(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()
	tx := &mockTx{}

	amount := decimal.RequireFromString("150.00")
	entry := domain.NewPaymentEntry("PAY_test_001", "TX_1", amount, "USD")
	entry.MarkPosted()

	debit := domain.NewAccountBalance(domain.AccountMerchantReceivables, entry.Period)
	debit.ApplyDebit(amount)
	credit := domain.NewAccountBalance(domain.AccountRevenue, entry.Period)
	credit.ApplyCredit(amount)

	d.entries.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(entry, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.balances.EXPECT().GetForUpdate(ctx, tx, domain.AccountMerchantReceivables, entry.Period).Return(debit, nil)
	d.balances.EXPECT().GetForUpdate(ctx, tx, domain.AccountRevenue, entry.Period).Return(credit, nil)
	d.balances.EXPECT().Upsert(ctx, tx, gomock.Any()).Return(nil).Times(2)

	var reversal *domain.LedgerEntry
	d.entries.EXPECT().
		CreateTx(ctx, tx, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, e *domain.LedgerEntry) error {
			reversal = e
			return nil
		})
	d.entries.EXPECT().UpdateTx(ctx, tx, entry).Return(nil)

	var types []string
	d.publisher.EXPECT().
		Publish(ctx, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			types = append(types, env.EventType)
			return nil
		}).Times(2)

	env, err := event.NewEnvelope(event.TypeCompensationRequested, "PAY_test_001", "corr-1", event.CompensationRequested{
		PaymentID:  "PAY_test_001",
		FailedStep: string(domain.StepAll),
		Reason:     "operator abort",
	})
	require.NoError(t, err)
	require.NoError(t, d.svc.Compensate(ctx, env))

	require.NotNil(t, reversal)
	assert.Equal(t, "REV_PAY_test_001", reversal.PaymentID)
	assert.Equal(t, "REV_TX_1", reversal.TransactionID)
	// Accounts swap on the reversal.
	assert.Equal(t, domain.AccountRevenue, reversal.DebitAccount)
	assert.Equal(t, domain.AccountMerchantReceivables, reversal.CreditAccount)
	assert.Equal(t, domain.EntryStatusPosted, reversal.Status)

	assert.Equal(t, domain.EntryStatusReversed, entry.Status)
	require.NotNil(t, entry.ReversalEntryID)
	assert.Equal(t, reversal.ID, *entry.ReversalEntryID)

	// The originals net back to zero.
	assert.True(t, debit.NetBalance.IsZero())
	assert.True(t, credit.NetBalance.IsZero())

	assert.Equal(t, []string{event.TypeLedgerReversed, event.TypeCompensationCompleted}, types)
}

func TestLedgerService_Compensate_NothingPosted(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	// The posting never happened, so there is nothing to reverse.
	d.entries.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(nil, nil)

	var done *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicCompensationCompleted, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			done = env
			return nil
		})

	env, err := event.NewEnvelope(event.TypeCompensationRequested, "PAY_test_001", "corr-1", event.CompensationRequested{
		PaymentID:  "PAY_test_001",
		FailedStep: string(domain.StepLedgerUpdate),
		Reason:     "posting failed",
	})
	require.NoError(t, err)
	require.NoError(t, d.svc.Compensate(ctx, env))

	require.NotNil(t, done)
	var payload event.CompensationCompleted
	require.NoError(t, done.Decode(&payload))
	assert.Equal(t, "ledger", payload.Service)
	assert.Equal(t, "no action required", payload.Detail)
}

func TestLedgerService_ResetStuck(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()
	cutoff := time.Now().Add(-10 * time.Minute)

	stuck := []domain.LedgerEntry{
		*domain.NewPaymentEntry("PAY_a", "TX_a", decimal.NewFromInt(10), "USD"),
	}
	d.entries.EXPECT().ListStuck(ctx, cutoff, 100).Return(stuck, nil)
	d.entries.EXPECT().Update(ctx, gomock.Any()).Return(nil)

	n, err := d.svc.ResetStuck(ctx, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLedgerService_ListBalances(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	want := []domain.AccountBalance{*domain.NewAccountBalance(domain.AccountRevenue, "2026-08")}
	d.balances.EXPECT().ListByPeriod(ctx, "2026-08").Return(want, nil)

	got, err := d.svc.ListBalances(ctx, "2026-08")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
