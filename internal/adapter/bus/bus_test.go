package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"payment-orchestrator/internal/event"
	"payment-orchestrator/pkg/apperror"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_DeliversInOrder(t *testing.T) {
	b := NewMemoryBus(zerolog.Nop())
	ctx := context.Background()

	var got []string
	err := b.Subscribe(ctx, "topic-a", func(_ context.Context, env *event.Envelope) error {
		got = append(got, env.EventType)
		return nil
	})
	require.NoError(t, err)

	for _, et := range []string{"first", "second", "third"} {
		env, err := event.NewEnvelope(et, "PAY-1", "corr", map[string]string{})
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, "topic-a", env))
	}

	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestMemoryBus_FanOut(t *testing.T) {
	b := NewMemoryBus(zerolog.Nop())
	ctx := context.Background()

	var calls int
	handler := func(_ context.Context, _ *event.Envelope) error {
		calls++
		return nil
	}
	require.NoError(t, b.Subscribe(ctx, "topic-b", handler))
	require.NoError(t, b.Subscribe(ctx, "topic-b", handler))

	env, err := event.NewEnvelope("ev", "PAY-2", "", map[string]string{})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "topic-b", env))

	assert.Equal(t, 2, calls)
}

func TestMemoryBus_HandlerErrorDoesNotStopOthers(t *testing.T) {
	b := NewMemoryBus(zerolog.Nop())
	ctx := context.Background()

	var second bool
	require.NoError(t, b.Subscribe(ctx, "topic-c", func(_ context.Context, _ *event.Envelope) error {
		return assert.AnError
	}))
	require.NoError(t, b.Subscribe(ctx, "topic-c", func(_ context.Context, _ *event.Envelope) error {
		second = true
		return nil
	}))

	env, err := event.NewEnvelope("ev", "PAY-3", "", map[string]string{})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "topic-c", env))
	assert.True(t, second)
}

func newTestRedisBus(t *testing.T, opts RedisBusOptions) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if opts.Group == "" {
		opts.Group = "test-group"
	}
	if opts.Consumer == "" {
		opts.Consumer = "test-consumer"
	}
	if opts.BlockTimeout == 0 {
		opts.BlockTimeout = 50 * time.Millisecond
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = 10 * time.Millisecond
	}
	b := NewRedisBus(client, opts, zerolog.Nop())
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	b, _ := newTestRedisBus(t, RedisBusOptions{})
	ctx := context.Background()

	var mu sync.Mutex
	var got []*event.Envelope
	done := make(chan struct{})

	err := b.Subscribe(ctx, "fraud-check-requests", func(_ context.Context, env *event.Envelope) error {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		close(done)
		return nil
	})
	require.NoError(t, err)

	env, err := event.NewEnvelope(event.TypeFraudCheckRequested, "PAY-10", "corr-1", event.FraudCheckRequested{PaymentID: "PAY-10"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "fraud-check-requests", env))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, event.TypeFraudCheckRequested, got[0].EventType)
	assert.Equal(t, "PAY-10", got[0].PaymentID)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
}

func TestRedisBus_ExhaustedHandlerDeadLetters(t *testing.T) {
	b, mr := newTestRedisBus(t, RedisBusOptions{HandlerRetries: 2})
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	err := b.Subscribe(ctx, "ledger-update-requests", func(_ context.Context, _ *event.Envelope) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return assert.AnError
	})
	require.NoError(t, err)

	env, err := event.NewEnvelope(event.TypeLedgerUpdateRequested, "PAY-11", "", event.LedgerUpdateRequested{PaymentID: "PAY-11"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "ledger-update-requests", env))

	require.Eventually(t, func() bool {
		return mr.Exists("ledger-update-requests-dlq")
	}, 5*time.Second, 20*time.Millisecond, "dead-letter stream never written")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestRedisBus_NonRetryableErrorSkipsRedelivery(t *testing.T) {
	b, mr := newTestRedisBus(t, RedisBusOptions{HandlerRetries: 5})
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	err := b.Subscribe(ctx, "funds-reservation-requests", func(_ context.Context, _ *event.Envelope) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return apperror.ErrInsufficientFunds("100", "150")
	})
	require.NoError(t, err)

	env, err := event.NewEnvelope(event.TypeFundsReservationRequested, "PAY-12", "", event.FundsReservationRequested{PaymentID: "PAY-12"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "funds-reservation-requests", env))

	require.Eventually(t, func() bool {
		return mr.Exists("funds-reservation-requests-dlq")
	}, 5*time.Second, 20*time.Millisecond, "dead-letter stream never written")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}
