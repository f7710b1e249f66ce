// Package processor provides the external payment processor client. The
// simulated implementation stands in for a real acquirer integration and
// reproduces its failure taxonomy: explicit declines are permanent,
// timeouts and system errors are transient.
package processor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"payment-orchestrator/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var amountLimit = decimal.NewFromInt(50000)

// SimulatedClient implements ports.ProcessorClient.
type SimulatedClient struct {
	timeoutRate     float64
	systemErrorRate float64
	latency         time.Duration
	log             zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedClient creates a client with the given failure injection
// rates (0..1) and per-call latency.
func NewSimulatedClient(timeoutRate, systemErrorRate float64, latency time.Duration, log zerolog.Logger) *SimulatedClient {
	return &SimulatedClient{
		timeoutRate:     timeoutRate,
		systemErrorRate: systemErrorRate,
		latency:         latency,
		log:             log,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Charge runs one external charge attempt.
func (c *SimulatedClient) Charge(ctx context.Context, paymentID string, amount decimal.Decimal, currency, merchantID, customerID string) (*ports.ProcessorResult, error) {
	if err := c.simulateLatency(ctx); err != nil {
		return nil, err
	}

	switch {
	case amount.GreaterThan(amountLimit):
		return &ports.ProcessorResult{
			DeclineReason: fmt.Sprintf("amount %s exceeds processor limit %s", amount, amountLimit),
			Retryable:     false,
		}, nil
	case strings.Contains(strings.ToUpper(merchantID), "BLACKLIST"):
		return &ports.ProcessorResult{
			DeclineReason: "merchant not authorized",
			Retryable:     false,
		}, nil
	case strings.HasPrefix(strings.ToUpper(customerID), "RISKY"):
		return &ports.ProcessorResult{
			DeclineReason: "customer risk decline",
			Retryable:     false,
		}, nil
	}

	if c.roll(c.timeoutRate) {
		return &ports.ProcessorResult{
			DeclineReason: "processor timeout",
			Retryable:     true,
		}, nil
	}
	if c.roll(c.systemErrorRate) {
		return &ports.ProcessorResult{
			DeclineReason: "processor system error",
			Retryable:     true,
		}, nil
	}

	txID := "PTX_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	c.log.Debug().Str("payment_id", paymentID).Str("processor_tx_id", txID).Msg("charge approved")
	return &ports.ProcessorResult{
		Success:       true,
		ProcessorTxID: txID,
	}, nil
}

// Refund reverses a completed charge. Refunds always succeed in the
// simulation.
func (c *SimulatedClient) Refund(ctx context.Context, processorTxID string, amount decimal.Decimal, currency string) (*ports.ProcessorResult, error) {
	if err := c.simulateLatency(ctx); err != nil {
		return nil, err
	}
	refundID := "REF_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	c.log.Debug().Str("processor_tx_id", processorTxID).Str("refund_id", refundID).Msg("refund issued")
	return &ports.ProcessorResult{
		Success:  true,
		RefundID: refundID,
	}, nil
}

func (c *SimulatedClient) simulateLatency(ctx context.Context) error {
	if c.latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.latency):
		return nil
	}
}

func (c *SimulatedClient) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < rate
}
