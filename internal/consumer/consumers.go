// Package consumer binds the services to their bus topics. Each Register
// function subscribes one logical service; the envelope's EventType header
// selects the handler, and unrecognized types are dropped so they cannot
// poison a consumer group.
package consumer

import (
	"context"

	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/internal/event"
	"payment-orchestrator/internal/service"

	"github.com/rs/zerolog"
)

func dispatch(log zerolog.Logger, routes map[string]ports.EventHandler) ports.EventHandler {
	return func(ctx context.Context, env *event.Envelope) error {
		handler, ok := routes[env.EventType]
		if !ok {
			log.Debug().Str("event_type", env.EventType).Str("payment_id", env.PaymentID).
				Msg("no handler for event type, dropping")
			return nil
		}
		return handler(ctx, env)
	}
}

// RegisterOrchestrator subscribes the orchestrator to every result topic.
func RegisterOrchestrator(ctx context.Context, bus ports.EventBus, orch *service.OrchestrationServiceImpl, log zerolog.Logger) error {
	subs := map[string]ports.EventHandler{
		event.TopicFraudCheckResults: dispatch(log, map[string]ports.EventHandler{
			event.TypeFraudCheckCompleted: orch.HandleFraudCheckCompleted,
			event.TypeFraudCheckFailed:    orch.HandleFraudCheckFailed,
		}),
		event.TopicFundsReservationResults: dispatch(log, map[string]ports.EventHandler{
			event.TypeFundsReserved:          orch.HandleFundsReserved,
			event.TypeFundsReservationFailed: orch.HandleFundsReservationFailed,
		}),
		event.TopicPaymentExecutionResults: dispatch(log, map[string]ports.EventHandler{
			event.TypePaymentExecuted:        orch.HandlePaymentExecuted,
			event.TypePaymentExecutionFailed: orch.HandlePaymentExecutionFailed,
		}),
		event.TopicLedgerUpdateResults: dispatch(log, map[string]ports.EventHandler{
			event.TypeLedgerUpdated:      orch.HandleLedgerUpdated,
			event.TypeLedgerUpdateFailed: orch.HandleLedgerUpdateFailed,
		}),
		event.TopicCompensationCompleted: dispatch(log, map[string]ports.EventHandler{
			event.TypeCompensationCompleted: orch.HandleCompensationCompleted,
		}),
	}
	for topic, handler := range subs {
		if err := bus.Subscribe(ctx, topic, handler); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFraud subscribes the fraud participant.
func RegisterFraud(ctx context.Context, bus ports.EventBus, svc *service.FraudServiceImpl, log zerolog.Logger) error {
	if err := bus.Subscribe(ctx, event.TopicFraudCheckRequests, dispatch(log, map[string]ports.EventHandler{
		event.TypeFraudCheckRequested: svc.HandleRequest,
	})); err != nil {
		return err
	}
	return bus.Subscribe(ctx, event.TopicCompensationRequests, dispatch(log, map[string]ports.EventHandler{
		event.TypeCompensationRequested: svc.Compensate,
	}))
}

// RegisterFunds subscribes the funds participant.
func RegisterFunds(ctx context.Context, bus ports.EventBus, svc *service.FundsServiceImpl, log zerolog.Logger) error {
	if err := bus.Subscribe(ctx, event.TopicFundsReservationRequests, dispatch(log, map[string]ports.EventHandler{
		event.TypeFundsReservationRequested: svc.HandleRequest,
	})); err != nil {
		return err
	}
	if err := bus.Subscribe(ctx, event.TopicFundsCommitRequests, dispatch(log, map[string]ports.EventHandler{
		event.TypeFundsCommitRequested: svc.HandleCommit,
	})); err != nil {
		return err
	}
	return bus.Subscribe(ctx, event.TopicCompensationRequests, dispatch(log, map[string]ports.EventHandler{
		event.TypeCompensationRequested: svc.Compensate,
	}))
}

// RegisterProcessor subscribes the processor participant.
func RegisterProcessor(ctx context.Context, bus ports.EventBus, svc *service.ProcessorServiceImpl, log zerolog.Logger) error {
	if err := bus.Subscribe(ctx, event.TopicPaymentExecutionRequests, dispatch(log, map[string]ports.EventHandler{
		event.TypePaymentExecutionRequested: svc.HandleRequest,
	})); err != nil {
		return err
	}
	return bus.Subscribe(ctx, event.TopicCompensationRequests, dispatch(log, map[string]ports.EventHandler{
		event.TypeCompensationRequested: svc.Compensate,
	}))
}

// RegisterLedger subscribes the ledger participant.
func RegisterLedger(ctx context.Context, bus ports.EventBus, svc *service.LedgerServiceImpl, log zerolog.Logger) error {
	if err := bus.Subscribe(ctx, event.TopicLedgerUpdateRequests, dispatch(log, map[string]ports.EventHandler{
		event.TypeLedgerUpdateRequested: svc.HandleRequest,
	})); err != nil {
		return err
	}
	return bus.Subscribe(ctx, event.TopicCompensationRequests, dispatch(log, map[string]ports.EventHandler{
		event.TypeCompensationRequested: svc.Compensate,
	}))
}

// RegisterAll wires every service onto the bus.
func RegisterAll(
	ctx context.Context,
	bus ports.EventBus,
	orch *service.OrchestrationServiceImpl,
	fraud *service.FraudServiceImpl,
	funds *service.FundsServiceImpl,
	processor *service.ProcessorServiceImpl,
	ledger *service.LedgerServiceImpl,
	log zerolog.Logger,
) error {
	if err := RegisterOrchestrator(ctx, bus, orch, log); err != nil {
		return err
	}
	if err := RegisterFraud(ctx, bus, fraud, log); err != nil {
		return err
	}
	if err := RegisterFunds(ctx, bus, funds, log); err != nil {
		return err
	}
	if err := RegisterProcessor(ctx, bus, processor, log); err != nil {
		return err
	}
	return RegisterLedger(ctx, bus, ledger, log)
}
