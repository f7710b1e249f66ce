package integration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// --- In-Memory Payment Repo ---

type inMemoryPaymentRepo struct {
	mu       sync.RWMutex
	payments map[string]*domain.Payment // keyed by business payment_id
}

func newInMemoryPaymentRepo() *inMemoryPaymentRepo {
	return &inMemoryPaymentRepo{payments: make(map[string]*domain.Payment)}
}

func (r *inMemoryPaymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.PaymentID]; ok {
		return fmt.Errorf("payment %s already exists", p.PaymentID)
	}
	cp := *p
	r.payments[p.PaymentID] = &cp
	return nil
}

func (r *inMemoryPaymentRepo) GetByPaymentID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *inMemoryPaymentRepo) Update(ctx context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.PaymentID]; !ok {
		return fmt.Errorf("payment %s not found", p.PaymentID)
	}
	cp := *p
	r.payments[p.PaymentID] = &cp
	return nil
}

func (r *inMemoryPaymentRepo) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.MerchantID == merchantID && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *inMemoryPaymentRepo) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.CustomerID == customerID && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *inMemoryPaymentRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if !p.State.IsTerminal() && p.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

// --- In-Memory Fraud Check Repo ---

type inMemoryFraudCheckRepo struct {
	mu     sync.RWMutex
	checks map[string]*domain.FraudCheck
}

func newInMemoryFraudCheckRepo() *inMemoryFraudCheckRepo {
	return &inMemoryFraudCheckRepo{checks: make(map[string]*domain.FraudCheck)}
}

func (r *inMemoryFraudCheckRepo) Create(ctx context.Context, c *domain.FraudCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[c.PaymentID]; ok {
		return fmt.Errorf("fraud check for %s already exists", c.PaymentID)
	}
	cp := *c
	r.checks[c.PaymentID] = &cp
	return nil
}

func (r *inMemoryFraudCheckRepo) GetByPaymentID(ctx context.Context, paymentID string) (*domain.FraudCheck, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checks[paymentID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *inMemoryFraudCheckRepo) Update(ctx context.Context, c *domain.FraudCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[c.PaymentID]; !ok {
		return fmt.Errorf("fraud check for %s not found", c.PaymentID)
	}
	cp := *c
	r.checks[c.PaymentID] = &cp
	return nil
}

func (r *inMemoryFraudCheckRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.FraudCheck, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.FraudCheck
	for _, c := range r.checks {
		inFlight := c.Status == domain.RecordStatusPending || c.Status == domain.RecordStatusProcessing
		if inFlight && c.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *c)
		}
	}
	return out, nil
}

// --- In-Memory Fraud Rule Repo ---

type inMemoryFraudRuleRepo struct {
	mu    sync.RWMutex
	rules map[domain.FraudRuleType]*domain.FraudRule
}

func newInMemoryFraudRuleRepo(rules []domain.FraudRule) *inMemoryFraudRuleRepo {
	r := &inMemoryFraudRuleRepo{rules: make(map[domain.FraudRuleType]*domain.FraudRule)}
	for i := range rules {
		r.rules[rules[i].RuleType] = &rules[i]
	}
	return r
}

func (r *inMemoryFraudRuleRepo) ListEnabled(ctx context.Context) ([]domain.FraudRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.FraudRule
	for _, rule := range r.rules {
		if rule.Enabled {
			out = append(out, *rule)
		}
	}
	return out, nil
}

func (r *inMemoryFraudRuleRepo) Upsert(ctx context.Context, rule *domain.FraudRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rule
	r.rules[rule.RuleType] = &cp
	return nil
}

// --- In-Memory Account Repo ---

type inMemoryAccountRepo struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*domain.Account
}

func newInMemoryAccountRepo() *inMemoryAccountRepo {
	return &inMemoryAccountRepo{accounts: make(map[uuid.UUID]*domain.Account)}
}

func (r *inMemoryAccountRepo) Create(ctx context.Context, a *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.accounts[a.ID] = &cp
	return nil
}

func (r *inMemoryAccountRepo) GetByCustomerID(ctx context.Context, customerID, currency string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findByCustomer(customerID, currency), nil
}

func (r *inMemoryAccountRepo) GetByCustomerIDForUpdate(ctx context.Context, tx pgx.Tx, customerID, currency string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findByCustomer(customerID, currency), nil
}

func (r *inMemoryAccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *inMemoryAccountRepo) Update(ctx context.Context, tx pgx.Tx, a *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.accounts[a.ID]
	if !ok {
		return fmt.Errorf("account %s not found", a.ID)
	}
	if stored.Version != a.Version-1 {
		return fmt.Errorf("account %s: version conflict", a.ID)
	}
	cp := *a
	r.accounts[a.ID] = &cp
	return nil
}

func (r *inMemoryAccountRepo) findByCustomer(customerID, currency string) *domain.Account {
	for _, a := range r.accounts {
		if a.CustomerID == customerID && a.Currency == currency {
			cp := *a
			return &cp
		}
	}
	return nil
}

// --- In-Memory Reservation Repo ---

type inMemoryReservationRepo struct {
	mu           sync.RWMutex
	reservations map[string]*domain.FundReservation
}

func newInMemoryReservationRepo() *inMemoryReservationRepo {
	return &inMemoryReservationRepo{reservations: make(map[string]*domain.FundReservation)}
}

func (r *inMemoryReservationRepo) Create(ctx context.Context, res *domain.FundReservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reservations[res.PaymentID]; ok {
		return fmt.Errorf("reservation for %s already exists", res.PaymentID)
	}
	cp := *res
	r.reservations[res.PaymentID] = &cp
	return nil
}

func (r *inMemoryReservationRepo) GetByPaymentID(ctx context.Context, paymentID string) (*domain.FundReservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.reservations[paymentID]
	if !ok {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

func (r *inMemoryReservationRepo) Update(ctx context.Context, res *domain.FundReservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reservations[res.PaymentID]; !ok {
		return fmt.Errorf("reservation for %s not found", res.PaymentID)
	}
	cp := *res
	r.reservations[res.PaymentID] = &cp
	return nil
}

func (r *inMemoryReservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.FundReservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.FundReservation
	for _, res := range r.reservations {
		expirable := res.Status == domain.ReservationStatusPending || res.Status == domain.ReservationStatusReserved
		if expirable && res.ExpiresAt.Before(now) && len(out) < limit {
			out = append(out, *res)
		}
	}
	return out, nil
}

// --- In-Memory Transaction Repo ---

type inMemoryTransactionRepo struct {
	mu           sync.RWMutex
	transactions map[string]*domain.PaymentTransaction
}

func newInMemoryTransactionRepo() *inMemoryTransactionRepo {
	return &inMemoryTransactionRepo{transactions: make(map[string]*domain.PaymentTransaction)}
}

func (r *inMemoryTransactionRepo) Create(ctx context.Context, t *domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transactions[t.PaymentID]; ok {
		return fmt.Errorf("transaction for %s already exists", t.PaymentID)
	}
	cp := *t
	r.transactions[t.PaymentID] = &cp
	return nil
}

func (r *inMemoryTransactionRepo) GetByPaymentID(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transactions[paymentID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *inMemoryTransactionRepo) Update(ctx context.Context, t *domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transactions[t.PaymentID]; !ok {
		return fmt.Errorf("transaction for %s not found", t.PaymentID)
	}
	cp := *t
	r.transactions[t.PaymentID] = &cp
	return nil
}

func (r *inMemoryTransactionRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PaymentTransaction
	for _, t := range r.transactions {
		inFlight := t.Status == domain.TransactionStatusPending || t.Status == domain.TransactionStatusProcessing
		if inFlight && t.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *t)
		}
	}
	return out, nil
}

// --- In-Memory Ledger Entry Repo ---

type inMemoryLedgerEntryRepo struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*domain.LedgerEntry
}

func newInMemoryLedgerEntryRepo() *inMemoryLedgerEntryRepo {
	return &inMemoryLedgerEntryRepo{entries: make(map[uuid.UUID]*domain.LedgerEntry)}
}

func (r *inMemoryLedgerEntryRepo) Create(ctx context.Context, e *domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *inMemoryLedgerEntryRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	return r.Create(ctx, e)
}

func (r *inMemoryLedgerEntryRepo) GetByPaymentID(ctx context.Context, paymentID string) (*domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.PaymentID == paymentID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *inMemoryLedgerEntryRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *inMemoryLedgerEntryRepo) Update(ctx context.Context, e *domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; !ok {
		return fmt.Errorf("ledger entry %s not found", e.ID)
	}
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *inMemoryLedgerEntryRepo) UpdateTx(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) error {
	return r.Update(ctx, e)
}

func (r *inMemoryLedgerEntryRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.LedgerEntry
	for _, e := range r.entries {
		if e.Status == domain.EntryStatusPending && e.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *e)
		}
	}
	return out, nil
}

// --- In-Memory Balance Repo ---

type balanceKey struct {
	accountCode string
	period      string
}

type inMemoryBalanceRepo struct {
	mu       sync.RWMutex
	balances map[balanceKey]*domain.AccountBalance
}

func newInMemoryBalanceRepo() *inMemoryBalanceRepo {
	return &inMemoryBalanceRepo{balances: make(map[balanceKey]*domain.AccountBalance)}
}

func (r *inMemoryBalanceRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, accountCode, period string) (*domain.AccountBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[balanceKey{accountCode, period}]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *inMemoryBalanceRepo) Upsert(ctx context.Context, tx pgx.Tx, b *domain.AccountBalance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *b
	r.balances[balanceKey{b.AccountCode, b.Period}] = &cp
	return nil
}

func (r *inMemoryBalanceRepo) ListByPeriod(ctx context.Context, period string) ([]domain.AccountBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.AccountBalance
	for key, b := range r.balances {
		if key.period == period {
			out = append(out, *b)
		}
	}
	return out, nil
}

// --- In-Memory Retry Repo ---

type inMemoryRetryRepo struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID]*domain.RetryAttempt
}

func newInMemoryRetryRepo() *inMemoryRetryRepo {
	return &inMemoryRetryRepo{attempts: make(map[uuid.UUID]*domain.RetryAttempt)}
}

func (r *inMemoryRetryRepo) Create(ctx context.Context, a *domain.RetryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.attempts[a.ID] = &cp
	return nil
}

func (r *inMemoryRetryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.RetryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.RetryAttempt
	for _, a := range r.attempts {
		if a.Status == domain.RetryStatusScheduled && !a.NextAttemptAt.After(now) && len(out) < limit {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *inMemoryRetryRepo) Update(ctx context.Context, a *domain.RetryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attempts[a.ID]; !ok {
		return fmt.Errorf("retry attempt %s not found", a.ID)
	}
	cp := *a
	r.attempts[a.ID] = &cp
	return nil
}

func (r *inMemoryRetryRepo) CancelByPaymentID(ctx context.Context, paymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.attempts {
		if a.PaymentID == paymentID && a.Status == domain.RetryStatusScheduled {
			a.Status = domain.RetryStatusCancelled
		}
	}
	return nil
}

// --- In-Memory Transactor ---

// inMemoryTransactor stands in for row-level locking with one big lock:
// Begin blocks until the previous transaction commits or rolls back, so
// read-modify-write sequences on shared accounts serialize the way FOR
// UPDATE serializes them against Postgres.
type inMemoryTransactor struct {
	mu sync.Mutex
}

func newInMemoryTransactor() *inMemoryTransactor {
	return &inMemoryTransactor{}
}

func (t *inMemoryTransactor) Begin(ctx context.Context) (pgx.Tx, error) {
	t.mu.Lock()
	return &noopTx{release: t.mu.Unlock}, nil
}

// noopTx is a pgx.Tx implementation for in-memory testing. Commit and
// Rollback only release the transactor lock; repositories apply their
// writes directly.
type noopTx struct {
	once    sync.Once
	release func()
}

func (t *noopTx) end() {
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

func (t *noopTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *noopTx) Commit(ctx context.Context) error          { t.end(); return nil }
func (t *noopTx) Rollback(ctx context.Context) error        { t.end(); return nil }
func (t *noopTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *noopTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *noopTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *noopTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *noopTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *noopTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *noopTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}
func (t *noopTx) Conn() *pgx.Conn { return nil }
