// Package metrics registers the prometheus instruments shared by the
// monitoring loops and the notifier.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters incremented by the monitoring core.
type Metrics struct {
	PollCycles    *prometheus.CounterVec
	FetchFailures *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// New registers the instruments with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PollCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitra",
			Name:      "poll_cycles_total",
			Help:      "Completed polling cycles per loop.",
		}, []string{"loop"}),
		FetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitra",
			Name:      "fetch_failures_total",
			Help:      "Failed fetch attempts per loop.",
		}, []string{"loop"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitra",
			Name:      "notifications_total",
			Help:      "Operator notifications sent, by signal.",
		}, []string{"signal"}),
	}
}

// NewNop returns metrics backed by a throwaway registry, for tests and for
// callers that do not expose an endpoint.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
