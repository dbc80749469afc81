package retailsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics are optional Prometheus collectors for the offline layer. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	CacheReads       *prometheus.CounterVec
	MutationsQueued  *prometheus.CounterVec
	ReplaySucceeded  prometheus.Counter
	ReplayFailed     *prometheus.CounterVec
	CacheWriteErrors prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retailsync",
			Name:      "cache_reads_total",
			Help:      "Reads answered from the local cache, by collection and reason.",
		}, []string{"collection", "reason"}),
		MutationsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retailsync",
			Name:      "mutations_queued_total",
			Help:      "Writes queued for later replay, by kind.",
		}, []string{"kind"}),
		ReplaySucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "retailsync",
			Name:      "replay_succeeded_total",
			Help:      "Queued mutations replayed successfully.",
		}),
		ReplayFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retailsync",
			Name:      "replay_failed_total",
			Help:      "Queued mutations whose replay failed, by cause.",
		}, []string{"cause"}),
		CacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "retailsync",
			Name:      "cache_write_errors_total",
			Help:      "Best-effort cache writes that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheReads, m.MutationsQueued, m.ReplaySucceeded, m.ReplayFailed, m.CacheWriteErrors)
	}
	return m
}

func (m *Metrics) cacheRead(collection, reason string) {
	if m != nil {
		m.CacheReads.WithLabelValues(collection, reason).Inc()
	}
}

func (m *Metrics) queued(kind MutationKind) {
	if m != nil {
		m.MutationsQueued.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) replayed() {
	if m != nil {
		m.ReplaySucceeded.Inc()
	}
}

func (m *Metrics) replayFailed(cause string) {
	if m != nil {
		m.ReplayFailed.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) cacheWriteFailed() {
	if m != nil {
		m.CacheWriteErrors.Inc()
	}
}
