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

type retryTestDeps struct {
	svc       *RetryServiceImpl
	payments  *mocks.MockPaymentRepository
	retries   *mocks.MockRetryRepository
	publisher *mocks.MockEventPublisher
	ctrl      *gomock.Controller
}

func setupRetryService(t *testing.T) *retryTestDeps {
	ctrl := gomock.NewController(t)
	d := &retryTestDeps{
		payments:  mocks.NewMockPaymentRepository(ctrl),
		retries:   mocks.NewMockRetryRepository(ctrl),
		publisher: mocks.NewMockEventPublisher(ctrl),
		ctrl:      ctrl,
	}
	orchestrator := NewOrchestrationService(
		d.payments, d.retries, d.publisher, SagaConfig{},
		metrics.New(prometheus.NewRegistry()), zerolog.Nop(),
	)
	d.svc = NewRetryService(d.payments, d.retries, orchestrator, zerolog.Nop())
	return d
}

func TestRetryService_RedriveDue_Dispatches(t *testing.T) {
	d := setupRetryService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := domain.NewPayment("PAY_test_001", decimal.NewFromInt(100), "USD", "MERCHANT_A", "CUSTOMER_A")
	p.State = domain.StateFundsReservationFailed
	attempt := domain.NewRetryAttempt("PAY_test_001", p.State, 1, "timeout", time.Millisecond)
	attempt.NextAttemptAt = time.Now().Add(-time.Second)

	d.retries.EXPECT().ListDue(ctx, gomock.Any(), 50).Return([]domain.RetryAttempt{*attempt}, nil)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)
	d.payments.EXPECT().Update(ctx, p).Return(nil)
	d.publisher.EXPECT().Publish(ctx, event.TopicFundsReservationRequests, gomock.Any()).Return(nil)

	var updated *domain.RetryAttempt
	d.retries.EXPECT().
		Update(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, a *domain.RetryAttempt) error {
			updated = a
			return nil
		})

	n, err := d.svc.RedriveDue(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StateFundsReservationPending, p.State)
	require.NotNil(t, updated)
	assert.Equal(t, domain.RetryStatusDispatched, updated.Status)
}

func TestRetryService_RedriveDue_VoidsTerminalPayment(t *testing.T) {
	d := setupRetryService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	p := domain.NewPayment("PAY_test_001", decimal.NewFromInt(100), "USD", "MERCHANT_A", "CUSTOMER_A")
	p.State = domain.StateCompensated
	attempt := domain.NewRetryAttempt("PAY_test_001", domain.StateProcessorExecutionFailed, 1, "timeout", time.Millisecond)

	d.retries.EXPECT().ListDue(ctx, gomock.Any(), 50).Return([]domain.RetryAttempt{*attempt}, nil)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_test_001").Return(p, nil)

	var updated *domain.RetryAttempt
	d.retries.EXPECT().
		Update(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, a *domain.RetryAttempt) error {
			updated = a
			return nil
		})

	n, err := d.svc.RedriveDue(ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.StateCompensated, p.State)
	require.NotNil(t, updated)
	assert.Equal(t, domain.RetryStatusCancelled, updated.Status)
}

func TestRetryService_RedriveDue_VoidsUnknownPayment(t *testing.T) {
	d := setupRetryService(t)
	defer d.ctrl.Finish()
	ctx := context.Background()

	attempt := domain.NewRetryAttempt("PAY_gone", domain.StateProcessorExecutionFailed, 1, "timeout", time.Millisecond)
	d.retries.EXPECT().ListDue(ctx, gomock.Any(), 50).Return([]domain.RetryAttempt{*attempt}, nil)
	d.payments.EXPECT().GetByPaymentID(ctx, "PAY_gone").Return(nil, nil)
	d.retries.EXPECT().Update(ctx, gomock.Any()).Return(nil)

	n, err := d.svc.RedriveDue(ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, n)
}
