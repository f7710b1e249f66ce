package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskLevel buckets a summed fraud score.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "LOW"
	RiskLevelMedium RiskLevel = "MEDIUM"
	RiskLevelHigh   RiskLevel = "HIGH"
)

// RiskLevelFor maps a risk score to its level. Cut-offs: 0-30 LOW,
// 31-70 MEDIUM, 71+ HIGH.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score <= 30:
		return RiskLevelLow
	case score <= 70:
		return RiskLevelMedium
	default:
		return RiskLevelHigh
	}
}

// FraudRuleType identifies one of the built-in rule evaluators.
type FraudRuleType string

const (
	RuleHighAmount           FraudRuleType = "HIGH_AMOUNT"
	RuleBlacklistedMerchant  FraudRuleType = "BLACKLISTED_MERCHANT"
	RuleSuspiciousCustomer   FraudRuleType = "SUSPICIOUS_CUSTOMER"
	RuleTransactionVelocity  FraudRuleType = "TRANSACTION_VELOCITY"
	RuleGeographicalMismatch FraudRuleType = "GEOGRAPHICAL_MISMATCH"
)

// FraudRule is a persisted, cacheable rule definition. Parameters holds
// rule-specific settings (threshold, blacklist, prefixes) as loose JSON.
type FraudRule struct {
	ID         uuid.UUID         `json:"id"`
	RuleType   FraudRuleType     `json:"rule_type"`
	Score      int               `json:"score"`
	Enabled    bool              `json:"enabled"`
	Parameters map[string]string `json:"parameters,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// FraudCheck is the fraud participant's record for one payment.
type FraudCheck struct {
	ID            uuid.UUID       `json:"id"`
	PaymentID     string          `json:"payment_id"` // unique, the idempotency key
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	MerchantID    string          `json:"merchant_id"`
	CustomerID    string          `json:"customer_id"`
	Status        RecordStatus    `json:"status"`
	RiskScore     int             `json:"risk_score"`
	RiskLevel     RiskLevel       `json:"risk_level"`
	Approved      bool            `json:"approved"`
	ManualReview  bool            `json:"manual_review"`
	MatchedRules  []string        `json:"matched_rules,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastRetryAt   *time.Time      `json:"last_retry_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewFraudCheck creates a PENDING check for a payment.
func NewFraudCheck(paymentID string, amount decimal.Decimal, currency, merchantID, customerID string) *FraudCheck {
	now := time.Now().UTC()
	return &FraudCheck{
		ID:         uuid.New(),
		PaymentID:  paymentID,
		Amount:     amount,
		Currency:   currency,
		MerchantID: merchantID,
		CustomerID: customerID,
		Status:     RecordStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// RecordOutcome stores the rule-engine verdict on the check.
func (fc *FraudCheck) RecordOutcome(score int, matched []string, approved, manualReview bool) {
	fc.RiskScore = score
	fc.RiskLevel = RiskLevelFor(score)
	fc.MatchedRules = matched
	fc.Approved = approved
	fc.ManualReview = manualReview
	fc.Status = RecordStatusCompleted
	fc.UpdatedAt = time.Now().UTC()
}

// MarkFailed records an evaluation failure.
func (fc *FraudCheck) MarkFailed(reason string) {
	fc.Status = RecordStatusFailed
	fc.FailureReason = &reason
	fc.UpdatedAt = time.Now().UTC()
}

// ApprovalFor applies the approval policy to a score: LOW is always
// approved, MEDIUM only below 50, HIGH never. MEDIUM checks scoring 40 or
// above are additionally flagged for manual review.
func ApprovalFor(score int) (approved, manualReview bool) {
	switch RiskLevelFor(score) {
	case RiskLevelLow:
		return true, false
	case RiskLevelMedium:
		return score < 50, score >= 40
	default:
		return false, false
	}
}
