package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/event"
	"payment-orchestrator/pkg/apperror"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const envelopeField = "envelope"

// RedisBus is a Redis Streams event bus. Each topic is a stream consumed
// through a consumer group, so messages are delivered at-least-once and
// per-stream order is preserved. A message is acknowledged only after its
// handler succeeds; handlers that keep failing send the message to the
// topic's dead-letter stream.
type RedisBus struct {
	client         *redis.Client
	group          string
	consumer       string
	blockTimeout   time.Duration
	handlerRetries int
	retryBackoff   time.Duration
	log            zerolog.Logger

	g      *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
}

// RedisBusOptions configures consumer-group behavior.
type RedisBusOptions struct {
	Group          string
	Consumer       string
	BlockTimeout   time.Duration
	HandlerRetries int
	RetryBackoff   time.Duration
}

// NewRedisBus creates a bus over an existing Redis client. The returned bus
// owns the consumer goroutines started by Subscribe; call Close to stop them.
func NewRedisBus(client *redis.Client, opts RedisBusOptions, log zerolog.Logger) *RedisBus {
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	if opts.HandlerRetries <= 0 {
		opts.HandlerRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	return &RedisBus{
		client:         client,
		group:          opts.Group,
		consumer:       opts.Consumer,
		blockTimeout:   opts.BlockTimeout,
		handlerRetries: opts.HandlerRetries,
		retryBackoff:   opts.RetryBackoff,
		log:            log,
		g:              g,
		gctx:           gctx,
		cancel:         cancel,
	}
}

// Publish appends the envelope to the topic stream.
func (b *RedisBus) Publish(ctx context.Context, topic string, env *event.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{envelopeField: raw},
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates the consumer group for the topic if needed and starts a
// consumer goroutine that runs until Close.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group for %s: %w", topic, err)
	}

	b.g.Go(func() error {
		b.consume(b.gctx, topic, handler)
		return nil
	})
	return nil
}

// Close stops the consumer goroutines and waits for them to drain.
func (b *RedisBus) Close() error {
	b.cancel()
	return b.g.Wait()
}

func (b *RedisBus) consume(ctx context.Context, topic string, handler ports.EventHandler) {
	log := b.log.With().Str("topic", topic).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{topic, ">"},
			Count:    16,
			Block:    b.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Error().Err(err).Msg("reading stream")
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retryBackoff):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, log, topic, msg, handler)
			}
		}
	}
}

// handleMessage runs the handler with bounded exponential backoff, then
// acknowledges. Exhausted or undecodable messages go to the dead-letter
// stream so they can never poison the group.
func (b *RedisBus) handleMessage(ctx context.Context, log zerolog.Logger, topic string, msg redis.XMessage, handler ports.EventHandler) {
	env, err := decodeMessage(msg)
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("undecodable message, dead-lettering")
		b.deadLetter(ctx, topic, msg)
		b.ack(ctx, topic, msg.ID)
		return
	}

	backoff := b.retryBackoff
	for attempt := 0; attempt < b.handlerRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = handler(ctx, env); err == nil {
			b.ack(ctx, topic, msg.ID)
			return
		}
		// Redelivery cannot fix a non-retryable error.
		if apperror.IsNonRetryable(err) {
			break
		}
		log.Warn().Err(err).
			Str("event_type", env.EventType).
			Str("payment_id", env.PaymentID).
			Int("attempt", attempt+1).
			Msg("handler failed")
	}

	log.Error().Err(err).
		Str("event_type", env.EventType).
		Str("payment_id", env.PaymentID).
		Msg("handler retries exhausted, dead-lettering")
	b.deadLetter(ctx, topic, msg)
	b.ack(ctx, topic, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, topic, id string) {
	if err := b.client.XAck(ctx, topic, b.group, id).Err(); err != nil {
		b.log.Error().Err(err).Str("topic", topic).Str("message_id", id).Msg("ack failed")
	}
}

func (b *RedisBus) deadLetter(ctx context.Context, topic string, msg redis.XMessage) {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: event.DLQTopic(topic),
		Values: msg.Values,
	}).Err()
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Str("message_id", msg.ID).Msg("dead-letter publish failed")
	}
}

func decodeMessage(msg redis.XMessage) (*event.Envelope, error) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		return nil, fmt.Errorf("message %s missing %s field", msg.ID, envelopeField)
	}
	var env event.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	return &env, nil
}
