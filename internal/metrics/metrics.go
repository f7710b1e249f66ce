package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the saga-level Prometheus collectors.
type Metrics struct {
	PaymentsInitiated   prometheus.Counter
	PaymentsCompleted   prometheus.Counter
	PaymentsFailed      prometheus.Counter
	PaymentsCompensated prometheus.Counter
	SagaTransitions     *prometheus.CounterVec
	ParticipantFailures *prometheus.CounterVec
	RetriesScheduled    prometheus.Counter
	SweepRuns           *prometheus.CounterVec
}

// New registers the collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PaymentsInitiated: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_payments_initiated_total",
			Help: "Payments that entered the saga.",
		}),
		PaymentsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_payments_completed_total",
			Help: "Payments that reached COMPLETED.",
		}),
		PaymentsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_payments_failed_total",
			Help: "Payments that reached FAILED or CANCELLED.",
		}),
		PaymentsCompensated: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_payments_compensated_total",
			Help: "Payments that reached COMPENSATED.",
		}),
		SagaTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "State machine transitions by target state.",
		}, []string{"state"}),
		ParticipantFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_participant_failures_total",
			Help: "Participant evaluation failures by service.",
		}, []string{"service"}),
		RetriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_retries_scheduled_total",
			Help: "Durable retry attempts scheduled.",
		}),
		SweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_sweep_runs_total",
			Help: "Sweep executions by kind.",
		}, []string{"kind"}),
	}
}
