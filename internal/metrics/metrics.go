package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instrumentation for a single replica. Collectors are
// registered on a private registry so that embedding the runtime in a larger
// process never collides with the default registry.
type Metrics struct {
	registry *prometheus.Registry

	// RPCs counts inbound RPCs by method and outcome.
	RPCs *prometheus.CounterVec

	// EntriesApplied counts log entries applied to the state machine.
	EntriesApplied prometheus.Counter

	// Compactions counts log compactions.
	Compactions prometheus.Counter

	// LockGrants counts lock acquisitions granted by the lock service.
	LockGrants prometheus.Counter

	// LockFailures counts lock acquisitions that failed or timed out.
	LockFailures prometheus.Counter
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftlock",
			Name:      "rpcs_total",
			Help:      "Inbound RPCs handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		EntriesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftlock",
			Name:      "entries_applied_total",
			Help:      "Log entries applied to the state machine.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftlock",
			Name:      "log_compactions_total",
			Help:      "Log compactions performed.",
		}),
		LockGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftlock",
			Name:      "lock_grants_total",
			Help:      "Lock acquisitions granted.",
		}),
		LockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftlock",
			Name:      "lock_failures_total",
			Help:      "Lock acquisitions that failed or timed out.",
		}),
	}
	m.registry.MustRegister(m.RPCs, m.EntriesApplied, m.Compactions, m.LockGrants, m.LockFailures)
	return m
}

// Registry exposes the private registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
