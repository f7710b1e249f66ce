package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/adapter/bus"
	httpHandler "payment-orchestrator/internal/adapter/http/handler"
	"payment-orchestrator/internal/adapter/processor"
	pgStorage "payment-orchestrator/internal/adapter/storage/postgres"
	"payment-orchestrator/internal/consumer"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/service"
	"payment-orchestrator/internal/sweep"
	"payment-orchestrator/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting Payment Saga Orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// Redis client, shared by all consumer groups
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis connected")

	// Repositories
	paymentRepo := pgStorage.NewPaymentRepo(pool)
	fraudCheckRepo := pgStorage.NewFraudCheckRepo(pool)
	fraudRuleRepo := pgStorage.NewFraudRuleRepo(pool)
	accountRepo := pgStorage.NewAccountRepo(pool)
	reservationRepo := pgStorage.NewReservationRepo(pool)
	transactionRepo := pgStorage.NewTransactionRepo(pool)
	ledgerEntryRepo := pgStorage.NewLedgerEntryRepo(pool)
	balanceRepo := pgStorage.NewBalanceRepo(pool)
	retryRepo := pgStorage.NewRetryRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	if err := seedFraudRules(ctx, fraudRuleRepo, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed fraud rules")
	}

	// Participant retry policy, shared across services
	policy := domain.RetryPolicy{
		MaxAttempts: cfg.Saga.MaxRetries,
		Cooldown:    cfg.Saga.RetryCooldown,
	}

	// The orchestrator publishes through its own bus; which bus instance
	// carries a publish does not matter, only the consumer group does.
	newBus := func(group string) *bus.RedisBus {
		return bus.NewRedisBus(rdb, bus.RedisBusOptions{
			Group:          group,
			Consumer:       cfg.Bus.Consumer,
			BlockTimeout:   cfg.Bus.BlockTimeout,
			HandlerRetries: cfg.Bus.HandlerRetries,
			RetryBackoff:   cfg.Bus.RetryBackoff,
		}, log)
	}
	orchestratorBus := newBus(cfg.Bus.Group + "-orchestrator")
	fraudBus := newBus(cfg.Bus.Group + "-fraud")
	fundsBus := newBus(cfg.Bus.Group + "-funds")
	processorBus := newBus(cfg.Bus.Group + "-processor")
	ledgerBus := newBus(cfg.Bus.Group + "-ledger")

	// Services
	orchestrationSvc := service.NewOrchestrationService(paymentRepo, retryRepo, orchestratorBus, service.SagaConfig{
		MaxRetries:       cfg.Saga.MaxRetries,
		RetryCooldown:    cfg.Saga.RetryCooldown,
		RetryBaseBackoff: cfg.Saga.RetryBaseBackoff,
	}, m, log)

	ruleEngine := service.NewFraudRuleEngine(fraudRuleRepo, log)
	fraudSvc := service.NewFraudService(fraudCheckRepo, ruleEngine, fraudBus, policy, m, log)
	fundsSvc := service.NewFundsService(accountRepo, reservationRepo, transactor, fundsBus, policy, cfg.Saga.ReservationTimeout, m, log)

	processorClient := processor.NewSimulatedClient(cfg.Processor.TimeoutRate, cfg.Processor.SystemErrorRate, cfg.Processor.Latency, log)
	processorSvc := service.NewProcessorService(transactionRepo, processorClient, processorBus, policy, m, log)
	ledgerSvc := service.NewLedgerService(ledgerEntryRepo, balanceRepo, transactor, ledgerBus, policy, m, log)
	retrySvc := service.NewRetryService(paymentRepo, retryRepo, orchestrationSvc, log)

	// Consumer registration, one consumer group per logical service
	if err := consumer.RegisterOrchestrator(ctx, orchestratorBus, orchestrationSvc, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register orchestrator consumers")
	}
	if err := consumer.RegisterFraud(ctx, fraudBus, fraudSvc, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register fraud consumers")
	}
	if err := consumer.RegisterFunds(ctx, fundsBus, fundsSvc, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register funds consumers")
	}
	if err := consumer.RegisterProcessor(ctx, processorBus, processorSvc, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register processor consumers")
	}
	if err := consumer.RegisterLedger(ctx, ledgerBus, ledgerSvc, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register ledger consumers")
	}

	// Background sweeper for retries, expired holds and stuck records
	sweeper := sweep.New(orchestrationSvc, retrySvc, fundsSvc, fraudSvc, processorSvc, ledgerSvc,
		cfg.Saga.SweepInterval, cfg.Saga.StuckCutoff, m, log)
	go sweeper.Run(ctx)

	// Health checkers
	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := bus.NewRedisHealthCheck(rdb)

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		Orchestrator:   orchestrationSvc,
		Accounts:       fundsSvc,
		Ledger:         ledgerSvc,
		RuleRefresher:  ruleEngine,
		HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth},
		Registry:       registry,
		Mode:           ginMode(cfg.Server.Mode),
		Logger:         log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	for _, b := range []*bus.RedisBus{orchestratorBus, fraudBus, fundsBus, processorBus, ledgerBus} {
		if err := b.Close(); err != nil {
			log.Error().Err(err).Msg("Closing event bus")
		}
	}

	log.Info().Msg("Server exited")
}

// seedFraudRules installs the default rule set on first boot. Existing
// rules are left untouched so operator edits survive restarts.
func seedFraudRules(ctx context.Context, repo ports.FraudRuleRepository, log zerolog.Logger) error {
	existing, err := repo.ListEnabled(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, rule := range service.DefaultFraudRules() {
		r := rule
		if err := repo.Upsert(ctx, &r); err != nil {
			return err
		}
	}
	log.Info().Msg("Default fraud rules seeded")
	return nil
}

func ginMode(mode string) string {
	switch mode {
	case "release", "test", "debug":
		return mode
	default:
		return "release"
	}
}
