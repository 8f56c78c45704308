// Copyright 2025 OTC Protocol
//
// Prometheus collectors for the broker engine

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus collectors
type Metrics struct {
	DealsByStage       *prometheus.GaugeVec
	DealsClosed        prometheus.Counter
	DealsReverted      prometheus.Counter
	QueueSubmissions   *prometheus.CounterVec
	QueueConfirmations prometheus.Counter
	QueueFailures      prometheus.Counter
	GasBumps           prometheus.Counter
	RecoveryActions    *prometheus.CounterVec
	OracleFailures     *prometheus.CounterVec
	PendingQueueDepth  prometheus.Gauge
}

// New registers all collectors on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DealsByStage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_deals_by_stage",
			Help: "Number of deals currently in each stage",
		}, []string{"stage"}),
		DealsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_deals_closed_total",
			Help: "Deals settled and closed",
		}),
		DealsReverted: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_deals_reverted_total",
			Help: "Deals cancelled or timed out",
		}),
		QueueSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_queue_submissions_total",
			Help: "Queue item submissions by chain and purpose",
		}, []string{"chain", "purpose"}),
		QueueConfirmations: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_queue_confirmations_total",
			Help: "Queue items confirmed on-chain",
		}),
		QueueFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_queue_failures_total",
			Help: "Queue items terminally failed",
		}),
		GasBumps: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_gas_bumps_total",
			Help: "Gas-bump re-submissions of stalled transactions",
		}),
		RecoveryActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_recovery_actions_total",
			Help: "Recovery manager actions by phase and outcome",
		}, []string{"phase", "outcome"}),
		OracleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_oracle_failures_total",
			Help: "Price / gas oracle failures by chain",
		}, []string{"chain"}),
		PendingQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_pending_queue_depth",
			Help: "Queue items awaiting submission",
		}),
	}
}

// NewDefault registers on the default Prometheus registerer
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
