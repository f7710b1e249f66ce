package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/event"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const rulesCacheTTL = 5 * time.Minute

// RuleEvaluationResult is the summed verdict of all matched rules.
type RuleEvaluationResult struct {
	MatchedRules []string
	TotalScore   int
}

// FraudRuleEngine evaluates cached active rules against a check request.
// Velocity counters are process-local and advisory; they are cleared only
// by restart.
type FraudRuleEngine struct {
	rules ports.FraudRuleRepository
	log   zerolog.Logger

	mu          sync.Mutex
	cached      []domain.FraudRule
	cacheExpiry time.Time

	velocityMu      sync.Mutex
	customerCounts  map[string]int
	customerAmounts map[string]decimal.Decimal
}

// NewFraudRuleEngine creates an engine with an empty cache.
func NewFraudRuleEngine(rules ports.FraudRuleRepository, log zerolog.Logger) *FraudRuleEngine {
	return &FraudRuleEngine{
		rules:           rules,
		log:             log,
		customerCounts:  make(map[string]int),
		customerAmounts: make(map[string]decimal.Decimal),
	}
}

// Evaluate runs every enabled rule against the request and sums the scores
// of those that match. Velocity data is recorded after evaluation so the
// current request does not count against itself.
func (e *FraudRuleEngine) Evaluate(ctx context.Context, req event.FraudCheckRequested) (*RuleEvaluationResult, error) {
	rules, err := e.activeRules(ctx)
	if err != nil {
		return nil, err
	}

	result := &RuleEvaluationResult{}
	for i := range rules {
		rule := &rules[i]
		matched, err := e.evaluateRule(rule, req)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.RuleType, err)
		}
		if matched {
			result.MatchedRules = append(result.MatchedRules, string(rule.RuleType))
			result.TotalScore += rule.Score
			e.log.Debug().
				Str("payment_id", req.PaymentID).
				Str("rule", string(rule.RuleType)).
				Int("score", rule.Score).
				Msg("fraud rule matched")
		}
	}

	e.recordVelocity(req.CustomerID, req.Amount)
	return result, nil
}

// RefreshCache drops the cached rule set so the next evaluation reloads it.
func (e *FraudRuleEngine) RefreshCache() {
	e.mu.Lock()
	e.cached = nil
	e.cacheExpiry = time.Time{}
	e.mu.Unlock()
	e.log.Info().Msg("fraud rules cache refreshed")
}

func (e *FraudRuleEngine) activeRules(ctx context.Context) ([]domain.FraudRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached != nil && time.Now().Before(e.cacheExpiry) {
		return e.cached, nil
	}
	rules, err := e.rules.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active rules: %w", err)
	}
	e.cached = rules
	e.cacheExpiry = time.Now().Add(rulesCacheTTL)
	e.log.Debug().Int("count", len(rules)).Msg("loaded active fraud rules")
	return rules, nil
}

func (e *FraudRuleEngine) evaluateRule(rule *domain.FraudRule, req event.FraudCheckRequested) (bool, error) {
	switch rule.RuleType {
	case domain.RuleHighAmount:
		threshold, err := paramDecimal(rule, "threshold", decimal.NewFromInt(5000))
		if err != nil {
			return false, err
		}
		return req.Amount.GreaterThan(threshold), nil

	case domain.RuleBlacklistedMerchant:
		blacklist := paramList(rule, "blacklisted_merchants", []string{"BLACKLISTED_MERCHANT_1", "BLACKLISTED_MERCHANT_2"})
		return anyContains(req.MerchantID, blacklist), nil

	case domain.RuleSuspiciousCustomer:
		prefixes := paramList(rule, "suspicious_prefixes", []string{"SUSPECT_", "RISKY_", "FRAUD_"})
		for _, prefix := range prefixes {
			if strings.HasPrefix(strings.ToUpper(req.CustomerID), strings.ToUpper(prefix)) {
				return true, nil
			}
		}
		return false, nil

	case domain.RuleTransactionVelocity:
		maxTransactions, err := paramDecimal(rule, "max_transactions", decimal.NewFromInt(10))
		if err != nil {
			return false, err
		}
		maxAmount, err := paramDecimal(rule, "max_amount", decimal.NewFromInt(50000))
		if err != nil {
			return false, err
		}
		count, amount := e.velocityFor(req.CustomerID)
		return decimal.NewFromInt(int64(count)).GreaterThanOrEqual(maxTransactions) ||
			amount.GreaterThanOrEqual(maxAmount), nil

	case domain.RuleGeographicalMismatch:
		locations := paramList(rule, "suspicious_locations", []string{"HIGH_RISK_COUNTRY"})
		return anyContains(req.MerchantID, locations), nil

	default:
		e.log.Warn().Str("rule", string(rule.RuleType)).Msg("unknown rule type")
		return false, nil
	}
}

func (e *FraudRuleEngine) velocityFor(customerID string) (int, decimal.Decimal) {
	e.velocityMu.Lock()
	defer e.velocityMu.Unlock()
	amount, ok := e.customerAmounts[customerID]
	if !ok {
		amount = decimal.Zero
	}
	return e.customerCounts[customerID], amount
}

func (e *FraudRuleEngine) recordVelocity(customerID string, amount decimal.Decimal) {
	e.velocityMu.Lock()
	defer e.velocityMu.Unlock()
	e.customerCounts[customerID]++
	prev, ok := e.customerAmounts[customerID]
	if !ok {
		prev = decimal.Zero
	}
	e.customerAmounts[customerID] = prev.Add(amount)
}

func paramDecimal(rule *domain.FraudRule, key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw, ok := rule.Parameters[key]
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing parameter %s=%q: %w", key, raw, err)
	}
	return v, nil
}

func paramList(rule *domain.FraudRule, key string, fallback []string) []string {
	raw, ok := rule.Parameters[key]
	if !ok || raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func anyContains(haystack string, needles []string) bool {
	upper := strings.ToUpper(haystack)
	for _, n := range needles {
		if strings.Contains(upper, strings.ToUpper(n)) {
			return true
		}
	}
	return false
}

// DefaultFraudRules is the built-in rule set seeded when the rule table is
// empty.
func DefaultFraudRules() []domain.FraudRule {
	now := time.Now().UTC()
	mk := func(ruleType domain.FraudRuleType, score int) domain.FraudRule {
		return domain.FraudRule{
			ID:        uuid.New(),
			RuleType:  ruleType,
			Score:     score,
			Enabled:   true,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return []domain.FraudRule{
		mk(domain.RuleHighAmount, 40),
		mk(domain.RuleBlacklistedMerchant, 80),
		mk(domain.RuleSuspiciousCustomer, 60),
		mk(domain.RuleTransactionVelocity, 50),
		mk(domain.RuleGeographicalMismatch, 30),
	}
}
