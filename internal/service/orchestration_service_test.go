package service

import (
	"context"
	"testing"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/core/ports/mocks"
	"payment-orchestrator/internal/event"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/pkg/apperror"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type orchestrationTestDeps struct {
	svc       *OrchestrationServiceImpl
	payments  *mocks.MockPaymentRepository
	retries   *mocks.MockRetryRepository
	publisher *mocks.MockEventPublisher
	ctrl      *gomock.Controller
}

func setupOrchestrationService(t *testing.T) *orchestrationTestDeps {
	ctrl := gomock.NewController(t)
	d := &orchestrationTestDeps{
		payments:  mocks.NewMockPaymentRepository(ctrl),
		retries:   mocks.NewMockRetryRepository(ctrl),
		publisher: mocks.NewMockEventPublisher(ctrl),
		ctrl:      ctrl,
	}
	cfg := SagaConfig{MaxRetries: 3, RetryCooldown: time.Minute, RetryBaseBackoff: time.Second}
	d.svc = NewOrchestrationService(
		d.payments, d.retries, d.publisher, cfg,
		metrics.New(prometheus.NewRegistry()), zerolog.Nop(),
	)
	return d
}

func paymentInState(state domain.PaymentState) *domain.Payment {
	p := domain.NewPayment("PAY_test_001", decimal.NewFromInt(100), "USD", "MERCHANT_A", "CUSTOMER_A")
	p.State = state
	return p
}

func resultEnvelope(t *testing.T, eventType string, payload any) *event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope(eventType, "PAY_test_001", "corr-1", payload)
	require.NoError(t, err)
	return env
}

func appErrorCode(t *testing.T, err error) string {
	t.Helper()
	appErr, ok := err.(*apperror.AppError)
	require.True(t, ok, "expected *apperror.AppError, got %T", err)
	return appErr.Code
}

// ==================== Initiate Tests ====================

func TestOrchestrationService_Initiate_Success(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	req := ports.InitiateRequest{
		PaymentID:  "PAY_test_001",
		Amount:     decimal.RequireFromString("150.00"),
		Currency:   "USD",
		MerchantID: "MERCHANT_A",
		CustomerID: "CUSTOMER_A",
	}

	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(nil, nil)
	d.payments.EXPECT().Create(ctx, gomock.Any()).Return(nil)

	var published *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicFraudCheckRequests, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			published = env
			return nil
		})

	p, err := d.svc.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFraudCheckPending, p.State)
	assert.Equal(t, domain.StepFraudCheck, p.CurrentStep)

	require.NotNil(t, published)
	assert.Equal(t, event.TypeFraudCheckRequested, published.EventType)
	var payload event.FraudCheckRequested
	require.NoError(t, published.Decode(&payload))
	assert.Equal(t, "PAY_test_001", payload.PaymentID)
	assert.True(t, payload.Amount.Equal(req.Amount))
}

func TestOrchestrationService_Initiate_Idempotent(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	existing := paymentInState(domain.StateProcessorExecutionPending)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(existing, nil)

	req := ports.InitiateRequest{
		PaymentID:  "PAY_test_001",
		Amount:     decimal.NewFromInt(100),
		Currency:   "USD",
		MerchantID: "MERCHANT_A",
		CustomerID: "CUSTOMER_A",
	}

	// No Create and no Publish: re-submission returns the live aggregate.
	p, err := d.svc.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Same(t, existing, p)
}

func TestOrchestrationService_Initiate_Validation(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	base := ports.InitiateRequest{
		PaymentID:  "PAY_test_001",
		Amount:     decimal.NewFromInt(100),
		Currency:   "USD",
		MerchantID: "MERCHANT_A",
		CustomerID: "CUSTOMER_A",
	}

	zero := base
	zero.Amount = decimal.Zero
	_, err := d.svc.Initiate(ctx, zero)
	assert.Equal(t, apperror.ErrInvalidAmount().Code, appErrorCode(t, err))

	badCurrency := base
	badCurrency.Currency = "DOLLARS"
	_, err = d.svc.Initiate(ctx, badCurrency)
	assert.Equal(t, apperror.ErrInvalidCurrency("DOLLARS").Code, appErrorCode(t, err))

	noMerchant := base
	noMerchant.MerchantID = ""
	_, err = d.svc.Initiate(ctx, noMerchant)
	assert.Equal(t, apperror.Validation("").Code, appErrorCode(t, err))
}

// ==================== Result Handler Tests ====================

func TestOrchestrationService_HandleFraudCheckCompleted_Advances(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := paymentInState(domain.StateFraudCheckPending)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)
	d.payments.EXPECT().Update(ctx, p).Return(nil)
	d.publisher.EXPECT().Publish(ctx, event.TopicFundsReservationRequests, gomock.Any()).Return(nil)

	env := resultEnvelope(t, event.TypeFraudCheckCompleted, event.FraudCheckCompleted{
		PaymentID:    "PAY_test_001",
		FraudCheckID: "fc-1",
		RiskScore:    10,
		RiskLevel:    string(domain.RiskLevelLow),
	})
	require.NoError(t, d.svc.HandleFraudCheckCompleted(ctx, env))

	assert.Equal(t, domain.StateFundsReservationPending, p.State)
	assert.Equal(t, domain.StepFundsReservation, p.CurrentStep)
	require.NotNil(t, p.FraudCheckID)
	assert.Equal(t, "fc-1", *p.FraudCheckID)
}

func TestOrchestrationService_HandleFraudCheckFailed_TerminalWithoutCompensation(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := paymentInState(domain.StateFraudCheckPending)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)
	d.payments.EXPECT().Update(ctx, p).Return(nil)

	// A fraud decline ends the saga; nothing downstream ran, so no
	// compensation broadcast and no retry row.
	env := resultEnvelope(t, event.TypeFraudCheckFailed, event.FraudCheckFailed{
		PaymentID: "PAY_test_001",
		RiskScore: 90,
		Reason:    "declined with risk score 90 (HIGH)",
		CanRetry:  false,
	})
	require.NoError(t, d.svc.HandleFraudCheckFailed(ctx, env))

	assert.Equal(t, domain.StateFailed, p.State)
	require.NotNil(t, p.FailureReason)
	assert.Contains(t, *p.FailureReason, "risk score 90")
}

func TestOrchestrationService_HandlePaymentExecutionFailed_SchedulesRetry(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := paymentInState(domain.StateProcessorExecutionPending)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)
	d.payments.EXPECT().Update(ctx, p).Return(nil)

	var attempt *domain.RetryAttempt
	d.retries.EXPECT().
		Create(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, a *domain.RetryAttempt) error {
			attempt = a
			return nil
		})

	env := resultEnvelope(t, event.TypePaymentExecutionFailed, event.PaymentExecutionFailed{
		PaymentID: "PAY_test_001",
		Reason:    "processor unavailable: timeout",
		CanRetry:  true,
	})
	require.NoError(t, d.svc.HandlePaymentExecutionFailed(ctx, env))

	assert.Equal(t, domain.StateProcessorExecutionFailed, p.State)
	assert.Equal(t, 1, p.RetryCount)
	require.NotNil(t, attempt)
	assert.Equal(t, "PAY_test_001", attempt.PaymentID)
	assert.Equal(t, domain.StateProcessorExecutionFailed, attempt.FromState)
}

func TestOrchestrationService_HandlePaymentExecutionFailed_CompensatesWhenExhausted(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := paymentInState(domain.StateProcessorExecutionPending)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)
	d.payments.EXPECT().Update(ctx, p).Return(nil)

	var published *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicCompensationRequests, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			published = env
			return nil
		})

	env := resultEnvelope(t, event.TypePaymentExecutionFailed, event.PaymentExecutionFailed{
		PaymentID: "PAY_test_001",
		Reason:    "card declined",
		CanRetry:  false,
	})
	require.NoError(t, d.svc.HandlePaymentExecutionFailed(ctx, env))

	assert.Equal(t, domain.StateCompensating, p.State)
	require.NotNil(t, p.CompensationReason)

	require.NotNil(t, published)
	var payload event.CompensationRequested
	require.NoError(t, published.Decode(&payload))
	assert.Equal(t, string(domain.StepPaymentExecution), payload.FailedStep)
	assert.Equal(t, "card declined", payload.Reason)
}

func TestOrchestrationService_HandleLedgerUpdated_CompletesAndCommitsFunds(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := paymentInState(domain.StateLedgerUpdatePending)
	reservationID := "rsv-1"
	p.ReservationID = &reservationID
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)
	d.payments.EXPECT().Update(ctx, p).Return(nil)

	var commit *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicFundsCommitRequests, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			commit = env
			return nil
		})

	env := resultEnvelope(t, event.TypeLedgerUpdated, event.LedgerUpdated{
		PaymentID:     "PAY_test_001",
		LedgerEntryID: "le-1",
	})
	require.NoError(t, d.svc.HandleLedgerUpdated(ctx, env))

	assert.Equal(t, domain.StateCompleted, p.State)
	require.NotNil(t, p.LedgerEntryID)
	assert.Equal(t, "le-1", *p.LedgerEntryID)
	require.NotNil(t, p.CompletedAt)

	require.NotNil(t, commit)
	var payload event.FundsCommitRequested
	require.NoError(t, commit.Decode(&payload))
	assert.Equal(t, "rsv-1", payload.ReservationID)
}

func TestOrchestrationService_HandleCompensationCompleted_FirstReportWins(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := paymentInState(domain.StateCompensating)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil).Times(2)
	d.payments.EXPECT().Update(ctx, p).Return(nil)

	env := resultEnvelope(t, event.TypeCompensationCompleted, event.CompensationCompleted{
		PaymentID: "PAY_test_001",
		Service:   "funds",
	})
	require.NoError(t, d.svc.HandleCompensationCompleted(ctx, env))
	assert.Equal(t, domain.StateCompensated, p.State)

	// The second participant's report finds a terminal aggregate and drops.
	require.NoError(t, d.svc.HandleCompensationCompleted(ctx, env))
	assert.Equal(t, domain.StateCompensated, p.State)
}

func TestOrchestrationService_ResultForUnknownPayment_Dropped(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(nil, nil)

	env := resultEnvelope(t, event.TypeFraudCheckCompleted, event.FraudCheckCompleted{PaymentID: "PAY_test_001"})
	require.NoError(t, d.svc.HandleFraudCheckCompleted(ctx, env))
}

func TestOrchestrationService_StaleResult_Discarded(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	// A fraud result arriving while the saga already sits at the processor
	// stage does not apply and must not move state.
	p := paymentInState(domain.StateProcessorExecutionPending)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)

	env := resultEnvelope(t, event.TypeFraudCheckCompleted, event.FraudCheckCompleted{PaymentID: "PAY_test_001"})
	require.NoError(t, d.svc.HandleFraudCheckCompleted(ctx, env))
	assert.Equal(t, domain.StateProcessorExecutionPending, p.State)
}

// ==================== Manual Operation Tests ====================

func TestOrchestrationService_ManualRetry(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := paymentInState(domain.StateFundsReservationFailed)
	reason := "insufficient funds"
	p.FailureReason = &reason
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)
	d.payments.EXPECT().Update(ctx, p).Return(nil)
	d.publisher.EXPECT().Publish(ctx, event.TopicFundsReservationRequests, gomock.Any()).Return(nil)

	got, err := d.svc.ManualRetry(ctx, "PAY_test_001")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFundsReservationPending, got.State)
	assert.Nil(t, got.FailureReason)
	assert.Equal(t, 1, got.RetryCount)
}

func TestOrchestrationService_ManualRetry_NotFailed(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := paymentInState(domain.StateFundsReservationPending)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)

	_, err := d.svc.ManualRetry(ctx, "PAY_test_001")
	assert.Equal(t, apperror.ErrNotRetryable("").Code, appErrorCode(t, err))
}

func TestOrchestrationService_Cancel(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := paymentInState(domain.StateProcessorExecutionFailed)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)
	d.payments.EXPECT().Update(ctx, p).Return(nil)
	d.retries.EXPECT().CancelByPaymentID(ctx, "PAY_test_001").Return(nil)

	got, err := d.svc.Cancel(ctx, "PAY_test_001")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
}

func TestOrchestrationService_Cancel_Completed(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := paymentInState(domain.StateCompleted)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)

	_, err := d.svc.Cancel(ctx, "PAY_test_001")
	assert.Equal(t, apperror.ErrInvalidTransition("", "").Code, appErrorCode(t, err))
}

func TestOrchestrationService_RedriveStuck_RepublishesPendingOnly(t *testing.T) {
	d := setupOrchestrationService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	pending := paymentInState(domain.StateFundsReservationPending)
	failed := paymentInState(domain.StateProcessorExecutionFailed)
	failed.PaymentID = "PAY_test_002"
	cutoff := time.Now().UTC().Add(-10 * time.Minute)

	d.payments.EXPECT().
		ListStuck(ctx, cutoff, 100).
		Return([]domain.Payment{*pending, *failed}, nil)

	var published *event.Envelope
	d.publisher.EXPECT().
		Publish(ctx, event.TopicFundsReservationRequests, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, env *event.Envelope) error {
			published = env
			return nil
		})

	n, err := d.svc.RedriveStuck(ctx, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NotNil(t, published)
	assert.Equal(t, event.TypeFundsReservationRequested, published.EventType)
	assert.Equal(t, "PAY_test_001", published.PaymentID)
}
