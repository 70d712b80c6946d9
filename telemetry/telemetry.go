// Package telemetry exposes the buffer pool and lock manager counters as prometheus collectors.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pagedb"

// Metrics is shared by every component of a database instance. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	Evictions      prometheus.Counter
	CacheFull      prometheus.Counter
	PagesFlushed   prometheus.Counter
	PagesReloaded  prometheus.Counter
	ResidentPages  prometheus.Gauge
	LockGrants     *prometheus.CounterVec
	LockWaits      prometheus.Counter
	Deadlocks      prometheus.Counter
	LockTimeouts   prometheus.Counter
	TxnsCompleted  *prometheus.CounterVec
	ActiveTxnGauge prometheus.Gauge
}

// New creates the collectors and registers them on reg. reg may be nil in which case nothing is registered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "hits_total",
			Help: "Page requests served from the cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "misses_total",
			Help: "Page requests that read the heap file.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "evictions_total",
			Help: "Clean pages evicted to make room.",
		}),
		CacheFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "cache_full_total",
			Help: "Page loads rejected because every cached page was dirty.",
		}),
		PagesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "pages_flushed_total",
			Help: "Pages written back to heap files.",
		}),
		PagesReloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "pages_reloaded_total",
			Help: "Pages re-read from disk on abort.",
		}),
		ResidentPages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "buffer", Name: "resident_pages",
			Help: "Pages currently held by the cache.",
		}),
		LockGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lock", Name: "grants_total",
			Help: "Granted page lock requests by mode.",
		}, []string{"mode"}),
		LockWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lock", Name: "waits_total",
			Help: "Page lock requests that had to wait.",
		}),
		Deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lock", Name: "deadlocks_total",
			Help: "Lock requests aborted because of a deadlock.",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lock", Name: "timeouts_total",
			Help: "Lock requests aborted after exhausting their attempts.",
		}),
		TxnsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txn", Name: "completed_total",
			Help: "Completed transactions by outcome.",
		}, []string{"outcome"}),
		ActiveTxnGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "txn", Name: "active",
			Help: "Running transactions.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CacheHits, m.CacheMisses, m.Evictions, m.CacheFull, m.PagesFlushed, m.PagesReloaded, m.ResidentPages,
		m.LockGrants, m.LockWaits, m.Deadlocks, m.LockTimeouts, m.TxnsCompleted, m.ActiveTxnGauge,
	}
}

func (m *Metrics) Hit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) Miss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) Evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) RejectedFull() {
	if m != nil {
		m.CacheFull.Inc()
	}
}

func (m *Metrics) Flushed() {
	if m != nil {
		m.PagesFlushed.Inc()
	}
}

func (m *Metrics) Reloaded() {
	if m != nil {
		m.PagesReloaded.Inc()
	}
}

func (m *Metrics) Resident(n int) {
	if m != nil {
		m.ResidentPages.Set(float64(n))
	}
}

func (m *Metrics) LockGranted(mode string) {
	if m != nil {
		m.LockGrants.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) LockWaited() {
	if m != nil {
		m.LockWaits.Inc()
	}
}

func (m *Metrics) DeadlockDetected() {
	if m != nil {
		m.Deadlocks.Inc()
	}
}

func (m *Metrics) LockTimedOut() {
	if m != nil {
		m.LockTimeouts.Inc()
	}
}

func (m *Metrics) TxnCompleted(commit bool, active int) {
	if m == nil {
		return
	}

	outcome := "abort"
	if commit {
		outcome = "commit"
	}
	m.TxnsCompleted.WithLabelValues(outcome).Inc()
	m.ActiveTxnGauge.Set(float64(active))
}

func (m *Metrics) TxnStarted(active int) {
	if m != nil {
		m.ActiveTxnGauge.Set(float64(active))
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
