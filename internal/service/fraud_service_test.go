package service

import (
	"context"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports/mocks"
	"payment-orchestrator/internal/event"
	"payment-orchestrator/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fraudTestDeps struct {
	svc       *FraudServiceImpl
	checks    *mocks.MockFraudCheckRepository
	rules     *mocks.MockFraudRuleRepository
	publisher *mocks.MockEventPublisher
	ctrl      *gomock.Controller
}

func setupFraudService(t *testing.T) *fraudTestDeps {
	ctrl := gomock.NewController(t)
	d := &fraudTestDeps{
		checks:    mocks.NewMockFraudCheckRepository(ctrl),
		rules:     mocks.NewMockFraudRuleRepository(ctrl),
		publisher: mocks.NewMockEventPublisher(ctrl),
		ctrl:      ctrl,
	}
	d.rules.EXPECT().ListEnabled(gomock.Any()).Return(DefaultFraudRules(), nil).AnyTimes()
	engine := NewFraudRuleEngine(d.rules, zerolog.Nop())
	policy := domain.RetryPolicy{MaxAttempts: 3, Cooldown: time.Millisecond}
	d.svc = NewFraudService(
		d.checks, engine, d.publisher, policy,
		metrics.New(prometheus.NewRegistry()), zerolog.Nop(),
	)
	return d
}

func fraudRequestEnvelope(t *testing.T, amount, merchantID, customerID string) *event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope(event.TypeFraudCheckRequested, "PAY_test_001", "corr-1", event.FraudCheckRequested{
		PaymentID:  "PAY_test_001",
		Amount:     decimal.RequireFromString(amount),
		Currency:   "USD",
		MerchantID: merchantID,
		CustomerID: customerID,
	})
	require.NoError(t, err)
	return env
}

func TestFraudService_HandleRequest_NewCheckApproved(t *testing.T) {
	d := setupFraudService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	d.checks.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(nil, nil)

	var created *domain.FraudCheck
	d.checks.EXPECT().
		Create(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, c *domain.FraudCheck) error {
			created = c
			return nil
		})
	// Once to mark PROCESSING, once to record the outcome.
	d.checks.EXPECT().Update(ctx, gomock.Any()).Return(nil).Times(2)

	var published *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicFraudCheckResults, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			published = env
			return nil
		})

	require.NoError(t, d.svc.HandleRequest(ctx, fraudRequestEnvelope(t, "150.00", "MERCHANT_A", "CUSTOMER_A")))

	require.NotNil(t, created)
	assert.Equal(t, domain.RecordStatusCompleted, created.Status)
	assert.True(t, created.Approved)
	assert.Equal(t, domain.RiskLevelLow, created.RiskLevel)

	require.NotNil(t, published)
	assert.Equal(t, event.TypeFraudCheckCompleted, published.EventType)
}

func TestFraudService_HandleRequest_Declined(t *testing.T) {
	d := setupFraudService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	d.checks.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(nil, nil)
	d.checks.EXPECT().Create(ctx, gomock.Any()).Return(nil)
	d.checks.EXPECT().Update(ctx, gomock.Any()).Return(nil).Times(2)

	var published *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicFraudCheckResults, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			published = env
			return nil
		})

	require.NoError(t, d.svc.HandleRequest(ctx, fraudRequestEnvelope(t, "150.00", "SHOP_BLACKLISTED_MERCHANT_1", "CUSTOMER_A")))

	require.NotNil(t, published)
	assert.Equal(t, event.TypeFraudCheckFailed, published.EventType)
	var payload event.FraudCheckFailed
	require.NoError(t, published.Decode(&payload))
	assert.Equal(t, 80, payload.RiskScore)
	assert.Equal(t, string(domain.RiskLevelHigh), payload.RiskLevel)
	// A business decline is final; the orchestrator must not retry it.
	assert.False(t, payload.CanRetry)
}

func TestFraudService_HandleRequest_ManualReviewAdvisory(t *testing.T) {
	d := setupFraudService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	d.checks.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(nil, nil)
	d.checks.EXPECT().Create(ctx, gomock.Any()).Return(nil)
	d.checks.EXPECT().Update(ctx, gomock.Any()).Return(nil).Times(2)

	var types []string
	d.publisher.EXPECT().
		Publish(ctx, event.TopicFraudCheckResults, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			types = append(types, env.EventType)
			return nil
		}).Times(2)

	// Score 40: MEDIUM, approved, flagged for review.
	require.NoError(t, d.svc.HandleRequest(ctx, fraudRequestEnvelope(t, "6000.00", "MERCHANT_A", "CUSTOMER_A")))

	assert.Equal(t, []string{event.TypeManualReviewRequired, event.TypeFraudCheckCompleted}, types)
}

func TestFraudService_HandleRequest_CompletedReplaysResult(t *testing.T) {
	d := setupFraudService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	check := domain.NewFraudCheck("PAY_test_001", decimal.NewFromInt(150), "USD", "MERCHANT_A", "CUSTOMER_A")
	check.RecordOutcome(10, nil, true, false)
	d.checks.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(check, nil)

	// Replay publishes the stored verdict without touching the record.
	d.publisher.EXPECT().Publish(ctx, event.TopicFraudCheckResults, gomock.Any()).Return(nil)

	require.NoError(t, d.svc.HandleRequest(ctx, fraudRequestEnvelope(t, "150.00", "MERCHANT_A", "CUSTOMER_A")))
}

func TestFraudService_HandleRequest_PendingReEvaluates(t *testing.T) {
	d := setupFraudService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	// A check that crashed before reaching PROCESSING is picked up again on
	// redelivery rather than skipped.
	check := domain.NewFraudCheck("PAY_test_001", decimal.NewFromInt(150), "USD", "MERCHANT_A", "CUSTOMER_A")
	d.checks.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(check, nil)
	d.checks.EXPECT().Update(ctx, check).Return(nil).Times(2)

	var published *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicFraudCheckResults, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			published = env
			return nil
		})

	require.NoError(t, d.svc.HandleRequest(ctx, fraudRequestEnvelope(t, "150.00", "MERCHANT_A", "CUSTOMER_A")))

	assert.Equal(t, domain.RecordStatusCompleted, check.Status)
	require.NotNil(t, published)
	assert.Equal(t, event.TypeFraudCheckCompleted, published.EventType)
}

func TestFraudService_HandleRequest_InFlightSkips(t *testing.T) {
	d := setupFraudService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	check := domain.NewFraudCheck("PAY_test_001", decimal.NewFromInt(150), "USD", "MERCHANT_A", "CUSTOMER_A")
	check.Status = domain.RecordStatusProcessing
	d.checks.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(check, nil)

	require.NoError(t, d.svc.HandleRequest(ctx, fraudRequestEnvelope(t, "150.00", "MERCHANT_A", "CUSTOMER_A")))
}

func TestFraudService_HandleRequest_RetryExhaustedSkips(t *testing.T) {
	d := setupFraudService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	check := domain.NewFraudCheck("PAY_test_001", decimal.NewFromInt(150), "USD", "MERCHANT_A", "CUSTOMER_A")
	check.MarkFailed("engine unavailable")
	check.RetryCount = 3
	d.checks.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(check, nil)

	require.NoError(t, d.svc.HandleRequest(ctx, fraudRequestEnvelope(t, "150.00", "MERCHANT_A", "CUSTOMER_A")))
}

func TestFraudService_HandleRequest_FailedRetries(t *testing.T) {
	d := setupFraudService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	check := domain.NewFraudCheck("PAY_test_001", decimal.NewFromInt(150), "USD", "MERCHANT_A", "CUSTOMER_A")
	check.MarkFailed("engine unavailable")
	d.checks.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(check, nil)
	d.checks.EXPECT().Update(ctx, check).Return(nil).Times(2)
	d.publisher.EXPECT().Publish(ctx, event.TopicFraudCheckResults, gomock.Any()).Return(nil)

	require.NoError(t, d.svc.HandleRequest(ctx, fraudRequestEnvelope(t, "150.00", "MERCHANT_A", "CUSTOMER_A")))
	assert.Equal(t, 1, check.RetryCount)
	assert.Equal(t, domain.RecordStatusCompleted, check.Status)
}

func TestFraudService_ResetStuck(t *testing.T) {
	d := setupFraudService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()
	cutoff := time.Now().Add(-10 * time.Minute)

	stuck := []domain.FraudCheck{
		*domain.NewFraudCheck("PAY_a", decimal.NewFromInt(10), "USD", "M", "C"),
		*domain.NewFraudCheck("PAY_b", decimal.NewFromInt(20), "USD", "M", "C"),
	}
	d.checks.EXPECT().ListStuck(ctx, cutoff, 100).Return(stuck, nil)
	d.checks.EXPECT().Update(ctx, gomock.Any()).Return(nil).Times(2)

	n, err := d.svc.ResetStuck(ctx, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFraudService_Compensate_AlwaysReports(t *testing.T) {
	d := setupFraudService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	env, err := event.NewEnvelope(event.TypeCompensationRequested, "PAY_test_001", "corr-1", event.CompensationRequested{
		PaymentID:  "PAY_test_001",
		FailedStep: string(domain.StepPaymentExecution),
		Reason:     "card declined",
	})
	require.NoError(t, err)

	var done *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicCompensationCompleted, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, e *event.Envelope) error {
			done = e
			return nil
		})

	require.NoError(t, d.svc.Compensate(ctx, env))

	require.NotNil(t, done)
	var payload event.CompensationCompleted
	require.NoError(t, done.Decode(&payload))
	assert.Equal(t, "fraud", payload.Service)
}
