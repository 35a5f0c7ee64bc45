// Package metrics exposes Prometheus instrumentation for lock activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-latch/v1/latch"
)

var (
	// AcquireCounter tracks immediate grants on idle locks.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_acquire_total",
		Help: "Total number of immediate lock grants",
	})
	// QueuedCounter tracks acquisitions that had to wait behind a holder.
	QueuedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_queued_total",
		Help: "Total number of contended acquisitions that queued",
	})
	// HandoffCounter tracks grants handed to a queued waiter on release.
	HandoffCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_handoff_total",
		Help: "Total number of hand-offs to queued waiters",
	})
	// ExpiredCounter tracks releases forced by hold timeouts.
	ExpiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_expired_total",
		Help: "Total number of hold timeouts that forced a release",
	})
	// ActiveGauge reports the number of locks currently tracked.
	ActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_active_locks",
		Help: "Current number of non-idle locks",
	})
	// WaiterGauge reports the number of queued waiters across all locks.
	WaiterGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_waiters",
		Help: "Current number of queued waiters",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLatchMetrics registers lock metrics on the provided registry.
func RegisterLatchMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, QueuedCounter, HandoffCounter,
		ExpiredCounter, ActiveGauge, WaiterGauge)
}

// Collector feeds lock transitions into the package counters. Install it on
// a registry with latch.WithObserver.
type Collector struct{}

// ObserveLock implements latch.Observer.
func (Collector) ObserveLock(e latch.Event) {
	switch e.Kind {
	case latch.EventAcquired:
		AcquireCounter.Inc()
		ActiveGauge.Inc()
	case latch.EventQueued:
		QueuedCounter.Inc()
		WaiterGauge.Inc()
	case latch.EventHandoff:
		HandoffCounter.Inc()
		WaiterGauge.Dec()
	case latch.EventAbandoned:
		WaiterGauge.Dec()
	case latch.EventExpired:
		ExpiredCounter.Inc()
	case latch.EventIdle:
		ActiveGauge.Dec()
	}
}
