// Package metrics holds the prometheus collectors for the metering core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metering"

var (
	// RequestsTotal counts lifecycle runs by terminal state.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Lifecycle runs by terminal state",
		},
		[]string{"state"},
	)

	// SettlementFailuresTotal is the alerting signal for cost that was
	// incurred upstream but not written to the ledger.
	SettlementFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_failures_total",
			Help:      "Settlements that failed after the provider call was made",
		},
		[]string{"reason"},
	)

	ProviderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider calls that ended in a degraded response",
		},
		[]string{"provider"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Provider call latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	UnitsSettledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_settled_total",
			Help:      "Usage units debited by committed settlements",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Side-channel notifications by kind and result",
		},
		[]string{"kind", "result"},
	)

	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Settlement replay attempts by result",
		},
		[]string{"result"},
	)
)
