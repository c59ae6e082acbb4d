// Package metrics exposes the Prometheus collectors of the accounting
// engine on a dedicated registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	transferStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accounting",
			Subsystem: "transfers",
			Name:      "state_changes_total",
			Help:      "Total number of transfer state changes.",
		},
		[]string{"currency", "state"},
	)

	settlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "accounting",
			Subsystem: "transfers",
			Name:      "settlement_duration_seconds",
			Help:      "Duration of ledger settlement per committed transfer.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"currency"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accounting",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total number of pending-transfer sweep runs.",
		},
		[]string{"currency", "outcome"},
	)

	sweepAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accounting",
			Subsystem: "sweep",
			Name:      "accepted_total",
			Help:      "Total number of pending transfers accepted by the sweep.",
		},
		[]string{"currency"},
	)

	accountsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "accounting",
			Subsystem: "accounts",
			Name:      "created_total",
			Help:      "Total number of accounts created.",
		},
		[]string{"currency"},
	)
)

func init() {
	Registry.MustRegister(
		transferStates,
		settlementDuration,
		sweepRuns,
		sweepAccepted,
		accountsCreated,
	)
}

// ObserveTransferState records a transfer state change.
func ObserveTransferState(currency, state string) {
	transferStates.WithLabelValues(currency, state).Inc()
}

// ObserveSettlement records the duration of a ledger settlement.
func ObserveSettlement(currency string, d time.Duration) {
	settlementDuration.WithLabelValues(currency).Observe(d.Seconds())
}

// ObserveSweep records the outcome of a sweep run.
func ObserveSweep(currency string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sweepRuns.WithLabelValues(currency, outcome).Inc()
}

// ObserveSweepAccepted records transfers auto-accepted by a sweep run.
func ObserveSweepAccepted(currency string, n int) {
	sweepAccepted.WithLabelValues(currency).Add(float64(n))
}

// ObserveAccountCreated records a new account.
func ObserveAccountCreated(currency string) {
	accountsCreated.WithLabelValues(currency).Inc()
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
