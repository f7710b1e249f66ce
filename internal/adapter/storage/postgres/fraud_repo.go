package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-orchestrator/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// FraudCheckRepo implements ports.FraudCheckRepository.
type FraudCheckRepo struct {
	pool Pool
}

// NewFraudCheckRepo creates a new FraudCheckRepo.
func NewFraudCheckRepo(pool Pool) *FraudCheckRepo {
	return &FraudCheckRepo{pool: pool}
}

const fraudCheckColumns = `id, payment_id, amount, currency, merchant_id, customer_id,
	status, risk_score, risk_level, approved, manual_review, matched_rules,
	failure_reason, retry_count, last_retry_at, created_at, updated_at`

// Create inserts a new fraud check record.
func (r *FraudCheckRepo) Create(ctx context.Context, c *domain.FraudCheck) error {
	query := `INSERT INTO fraud_checks (` + fraudCheckColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.pool.Exec(ctx, query,
		c.ID, c.PaymentID, c.Amount, c.Currency, c.MerchantID, c.CustomerID,
		c.Status, c.RiskScore, c.RiskLevel, c.Approved, c.ManualReview, c.MatchedRules,
		c.FailureReason, c.RetryCount, c.LastRetryAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fraud check: %w", err)
	}
	return nil
}

// GetByPaymentID fetches a fraud check by payment business key.
func (r *FraudCheckRepo) GetByPaymentID(ctx context.Context, paymentID string) (*domain.FraudCheck, error) {
	query := `SELECT ` + fraudCheckColumns + ` FROM fraud_checks WHERE payment_id = $1`

	c := &domain.FraudCheck{}
	err := r.pool.QueryRow(ctx, query, paymentID).Scan(
		&c.ID, &c.PaymentID, &c.Amount, &c.Currency, &c.MerchantID, &c.CustomerID,
		&c.Status, &c.RiskScore, &c.RiskLevel, &c.Approved, &c.ManualReview, &c.MatchedRules,
		&c.FailureReason, &c.RetryCount, &c.LastRetryAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fraud check by payment id: %w", err)
	}
	return c, nil
}

// Update persists the fraud check's current state.
func (r *FraudCheckRepo) Update(ctx context.Context, c *domain.FraudCheck) error {
	query := `UPDATE fraud_checks SET
		status = $1, risk_score = $2, risk_level = $3, approved = $4, manual_review = $5,
		matched_rules = $6, failure_reason = $7, retry_count = $8, last_retry_at = $9, updated_at = $10
		WHERE id = $11`

	tag, err := r.pool.Exec(ctx, query,
		c.Status, c.RiskScore, c.RiskLevel, c.Approved, c.ManualReview,
		c.MatchedRules, c.FailureReason, c.RetryCount, c.LastRetryAt, c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update fraud check: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update fraud check: no rows affected for %s", c.PaymentID)
	}
	return nil
}

// ListStuck finds checks left PENDING or PROCESSING past the cutoff.
func (r *FraudCheckRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.FraudCheck, error) {
	query := `SELECT ` + fraudCheckColumns + ` FROM fraud_checks
		WHERE status IN ('PENDING', 'PROCESSING') AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck fraud checks: %w", err)
	}
	defer rows.Close()

	var checks []domain.FraudCheck
	for rows.Next() {
		var c domain.FraudCheck
		err := rows.Scan(
			&c.ID, &c.PaymentID, &c.Amount, &c.Currency, &c.MerchantID, &c.CustomerID,
			&c.Status, &c.RiskScore, &c.RiskLevel, &c.Approved, &c.ManualReview, &c.MatchedRules,
			&c.FailureReason, &c.RetryCount, &c.LastRetryAt, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fraud check: %w", err)
		}
		checks = append(checks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fraud checks: %w", err)
	}
	return checks, nil
}

// FraudRuleRepo implements ports.FraudRuleRepository.
type FraudRuleRepo struct {
	pool Pool
}

// NewFraudRuleRepo creates a new FraudRuleRepo.
func NewFraudRuleRepo(pool Pool) *FraudRuleRepo {
	return &FraudRuleRepo{pool: pool}
}

// ListEnabled fetches all enabled rule definitions.
func (r *FraudRuleRepo) ListEnabled(ctx context.Context) ([]domain.FraudRule, error) {
	query := `SELECT id, rule_type, score, enabled, parameters, created_at, updated_at
		FROM fraud_rules WHERE enabled = true ORDER BY rule_type`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list enabled fraud rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.FraudRule
	for rows.Next() {
		var rule domain.FraudRule
		err := rows.Scan(
			&rule.ID, &rule.RuleType, &rule.Score, &rule.Enabled,
			&rule.Parameters, &rule.CreatedAt, &rule.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fraud rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fraud rules: %w", err)
	}
	return rules, nil
}

// Upsert inserts a rule definition or updates it by rule type.
func (r *FraudRuleRepo) Upsert(ctx context.Context, rule *domain.FraudRule) error {
	query := `INSERT INTO fraud_rules (id, rule_type, score, enabled, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_type) DO UPDATE SET
			score = EXCLUDED.score,
			enabled = EXCLUDED.enabled,
			parameters = EXCLUDED.parameters,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		rule.ID, rule.RuleType, rule.Score, rule.Enabled,
		rule.Parameters, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert fraud rule: %w", err)
	}
	return nil
}
