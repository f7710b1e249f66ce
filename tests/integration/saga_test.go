package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"payment-orchestrator/internal/adapter/bus"
	"payment-orchestrator/internal/adapter/processor"
	"payment-orchestrator/internal/consumer"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness wires the full saga onto a synchronous in-process bus with
// in-memory repositories. A call to Initiate runs the whole saga before
// returning.
type harness struct {
	orchestrator *service.OrchestrationServiceImpl
	retrySvc     *service.RetryServiceImpl
	fundsSvc     *service.FundsServiceImpl

	payments     *inMemoryPaymentRepo
	checks       *inMemoryFraudCheckRepo
	accounts     *inMemoryAccountRepo
	reservations *inMemoryReservationRepo
	transactions *inMemoryTransactionRepo
	entries      *inMemoryLedgerEntryRepo
	balances     *inMemoryBalanceRepo
	retries      *inMemoryRetryRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zerolog.Nop()
	m := metrics.New(prometheus.NewRegistry())
	b := bus.NewMemoryBus(log)

	h := &harness{
		payments:     newInMemoryPaymentRepo(),
		checks:       newInMemoryFraudCheckRepo(),
		accounts:     newInMemoryAccountRepo(),
		reservations: newInMemoryReservationRepo(),
		transactions: newInMemoryTransactionRepo(),
		entries:      newInMemoryLedgerEntryRepo(),
		balances:     newInMemoryBalanceRepo(),
		retries:      newInMemoryRetryRepo(),
	}

	policy := domain.RetryPolicy{MaxAttempts: 3, Cooldown: time.Millisecond}
	transactor := newInMemoryTransactor()
	ruleRepo := newInMemoryFraudRuleRepo(service.DefaultFraudRules())

	h.orchestrator = service.NewOrchestrationService(h.payments, h.retries, b, service.SagaConfig{
		MaxRetries:       3,
		RetryCooldown:    time.Millisecond,
		RetryBaseBackoff: time.Millisecond,
	}, m, log)

	engine := service.NewFraudRuleEngine(ruleRepo, log)
	fraudSvc := service.NewFraudService(h.checks, engine, b, policy, m, log)
	h.fundsSvc = service.NewFundsService(h.accounts, h.reservations, transactor, b, policy, 30*time.Minute, m, log)
	client := processor.NewSimulatedClient(0, 0, 0, log)
	processorSvc := service.NewProcessorService(h.transactions, client, b, policy, m, log)
	ledgerSvc := service.NewLedgerService(h.entries, h.balances, transactor, b, policy, m, log)
	h.retrySvc = service.NewRetryService(h.payments, h.retries, h.orchestrator, log)

	require.NoError(t, consumer.RegisterAll(context.Background(), b, h.orchestrator, fraudSvc, h.fundsSvc, processorSvc, ledgerSvc, log))
	return h
}

func initiate(t *testing.T, h *harness, paymentID, amount, merchantID, customerID string) *domain.Payment {
	t.Helper()
	_, err := h.orchestrator.Initiate(context.Background(), ports.InitiateRequest{
		PaymentID:  paymentID,
		Amount:     decimal.RequireFromString(amount),
		Currency:   "USD",
		MerchantID: merchantID,
		CustomerID: customerID,
	})
	require.NoError(t, err)

	final, err := h.payments.GetByPaymentID(context.Background(), paymentID)
	require.NoError(t, err)
	require.NotNil(t, final)
	return final
}

func TestSaga_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := initiate(t, h, "PAY_happy_1", "100.00", "MERCHANT_A", "CUSTOMER_A")

	assert.Equal(t, domain.StateCompleted, p.State)
	assert.NotNil(t, p.FraudCheckID)
	assert.NotNil(t, p.ReservationID)
	assert.NotNil(t, p.TransactionID)
	assert.NotNil(t, p.LedgerEntryID)
	assert.NotNil(t, p.CompletedAt)

	// Funds were committed: the hold was converted into a debit.
	account, err := h.accounts.GetByCustomerID(ctx, "CUSTOMER_A", "USD")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.True(t, account.Balance.Equal(decimal.RequireFromString("9900")), "balance %s", account.Balance)
	assert.True(t, account.AvailableBalance.Equal(decimal.RequireFromString("9900")))

	res, err := h.reservations.GetByPaymentID(ctx, p.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, domain.ReservationStatusCommitted, res.Status)

	// The posting is balanced: total debits equal total credits.
	entry, err := h.entries.GetByPaymentID(ctx, p.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.EntryStatusPosted, entry.Status)

	balances, err := h.balances.ListByPeriod(ctx, entry.Period)
	require.NoError(t, err)
	debits, credits := decimal.Zero, decimal.Zero
	for _, b := range balances {
		debits = debits.Add(b.DebitTotal)
		credits = credits.Add(b.CreditTotal)
		assert.Equal(t, 1, b.EntryCount, "entry count for %s", b.AccountCode)
	}
	assert.True(t, debits.Equal(credits), "debits %s credits %s", debits, credits)
	assert.True(t, debits.Equal(decimal.RequireFromString("100")))
}

func TestSaga_Initiate_Idempotent(t *testing.T) {
	h := newHarness(t)

	first := initiate(t, h, "PAY_dup_1", "75.00", "MERCHANT_A", "CUSTOMER_B")
	assert.Equal(t, domain.StateCompleted, first.State)

	// Re-submitting the same payment identifier returns the finished saga
	// without running anything again.
	again, err := h.orchestrator.Initiate(context.Background(), ports.InitiateRequest{
		PaymentID:  "PAY_dup_1",
		Amount:     decimal.RequireFromString("75.00"),
		Currency:   "USD",
		MerchantID: "MERCHANT_A",
		CustomerID: "CUSTOMER_B",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, again.State)

	account, err := h.accounts.GetByCustomerID(context.Background(), "CUSTOMER_B", "USD")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.RequireFromString("9925")), "balance %s", account.Balance)
}

func TestSaga_FraudDecline_NoCompensation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A blacklisted merchant scores 80, HIGH risk, always declined.
	p := initiate(t, h, "PAY_fraud_1", "100.00", "SHOP_BLACKLISTED_MERCHANT_1", "CUSTOMER_C")

	assert.Equal(t, domain.StateFailed, p.State)
	require.NotNil(t, p.FailureReason)

	// Nothing downstream of the fraud check ran.
	res, err := h.reservations.GetByPaymentID(ctx, p.PaymentID)
	require.NoError(t, err)
	assert.Nil(t, res)
	account, err := h.accounts.GetByCustomerID(ctx, "CUSTOMER_C", "USD")
	require.NoError(t, err)
	assert.Nil(t, account)
}

func TestSaga_ProcessorLimit_Compensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Funded well past the opening balance so the reservation succeeds.
	require.NoError(t, h.accounts.Create(ctx, domain.NewAccount("CUSTOMER_RICH", "USD", decimal.RequireFromString("100000"))))

	// 60000 scores 40 on the high-amount rule, which flags manual review but
	// still approves; the processor then declines it over its 50000 limit.
	p := initiate(t, h, "PAY_limit_1", "60000.00", "MERCHANT_A", "CUSTOMER_RICH")

	assert.Equal(t, domain.StateCompensated, p.State)
	require.NotNil(t, p.CompensationReason)

	res, err := h.reservations.GetByPaymentID(ctx, p.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, domain.ReservationStatusReleased, res.Status)

	account, err := h.accounts.GetByCustomerID(ctx, "CUSTOMER_RICH", "USD")
	require.NoError(t, err)
	assert.True(t, account.AvailableBalance.Equal(decimal.RequireFromString("100000")), "available %s", account.AvailableBalance)
	assert.True(t, account.Balance.Equal(decimal.RequireFromString("100000")))
}

func TestSaga_ProcessorDecline_Compensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The merchant passes the fraud rules but is refused by the processor,
	// so the saga unwinds the reservation.
	p := initiate(t, h, "PAY_comp_1", "200.00", "BLACKLIST_SHOP", "CUSTOMER_D")

	assert.Equal(t, domain.StateCompensated, p.State)
	require.NotNil(t, p.CompensationReason)

	res, err := h.reservations.GetByPaymentID(ctx, p.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, domain.ReservationStatusReleased, res.Status)

	account, err := h.accounts.GetByCustomerID(ctx, "CUSTOMER_D", "USD")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.True(t, account.Balance.Equal(decimal.RequireFromString("10000")), "balance %s", account.Balance)
	assert.True(t, account.AvailableBalance.Equal(decimal.RequireFromString("10000")))

	// No posting happened, so there is nothing on the ledger to reverse.
	entry, err := h.entries.GetByPaymentID(ctx, p.PaymentID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSaga_InsufficientFunds_Compensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The opening balance is 10000, so a 20000 charge cannot be reserved.
	// The amount stays under the fraud velocity threshold.
	p := initiate(t, h, "PAY_nsf_1", "20000.00", "MERCHANT_A", "CUSTOMER_E")

	assert.Equal(t, domain.StateCompensated, p.State)

	res, err := h.reservations.GetByPaymentID(ctx, p.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, domain.ReservationStatusFailed, res.Status)

	account, err := h.accounts.GetByCustomerID(ctx, "CUSTOMER_E", "USD")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.True(t, account.AvailableBalance.Equal(decimal.RequireFromString("10000")))
}

func TestSaga_ConcurrentInitiates(t *testing.T) {
	h := newHarness(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct customers keep account versioning out of contention.
			initiate(t, h, fmt.Sprintf("PAY_conc_%d", i), "10.00", "MERCHANT_A", fmt.Sprintf("CUSTOMER_conc_%d", i))
		}(i)
	}
	wg.Wait()

	ctx := context.Background()
	for i := 0; i < n; i++ {
		p, err := h.payments.GetByPaymentID(ctx, fmt.Sprintf("PAY_conc_%d", i))
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, domain.StateCompleted, p.State)
	}
}

func TestSaga_ConcurrentReservations_SameAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// One shared account with no overdraft. Only three 3000.00 holds fit in
	// the 10000 balance, so the rest must decline for insufficient funds.
	require.NoError(t, h.accounts.Create(ctx, domain.NewAccount("CUSTOMER_SHARED", "USD", decimal.RequireFromString("10000"))))

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			initiate(t, h, fmt.Sprintf("PAY_shared_%d", i), "3000.00", "MERCHANT_A", "CUSTOMER_SHARED")
		}(i)
	}
	wg.Wait()

	completed, compensated := 0, 0
	for i := 0; i < n; i++ {
		p, err := h.payments.GetByPaymentID(ctx, fmt.Sprintf("PAY_shared_%d", i))
		require.NoError(t, err)
		require.NotNil(t, p)
		switch p.State {
		case domain.StateCompleted:
			completed++
		case domain.StateCompensated:
			compensated++
		default:
			t.Fatalf("payment %s finished in state %s", p.PaymentID, p.State)
		}
	}
	assert.Equal(t, 3, completed)
	assert.Equal(t, n-3, compensated)

	// The reservations never overdrew the account: exactly the affordable
	// subset settled and the available balance stayed at or above the floor.
	account, err := h.accounts.GetByCustomerID(ctx, "CUSTOMER_SHARED", "USD")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.True(t, account.AvailableBalance.GreaterThanOrEqual(account.MaxOverdraft.Neg()),
		"available %s overdraft %s", account.AvailableBalance, account.MaxOverdraft)
	assert.True(t, account.Balance.Equal(decimal.RequireFromString("1000")), "balance %s", account.Balance)
	assert.True(t, account.AvailableBalance.Equal(decimal.RequireFromString("1000")))
}
