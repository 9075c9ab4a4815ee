// Package metrics provides Prometheus instrumentation for the explanation
// engine. All Manager methods are safe to call on a nil receiver, so
// components can take an optional *Manager without guarding every call.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Manager owns the metric instruments for one evaluation process.
type Manager struct {
	registry prometheus.Registerer

	oracleCalls    prometheus.Counter
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	searchSteps    prometheus.Counter
	rollouts       prometheus.Counter
	targetsDone    prometheus.Counter
	targetsFailed  prometheus.Counter
	targetsSkipped prometheus.Counter
	searchLatency  prometheus.Histogram
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry sets the Prometheus registerer. Defaults to the global
// default registerer.
func WithRegistry(r prometheus.Registerer) Option {
	return func(m *Manager) { m.registry = r }
}

// New creates a Manager and registers its instruments.
func New(opts ...Option) *Manager {
	m := &Manager{registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(m)
	}

	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "counterfact",
			Name:      name,
			Help:      help,
		})
		m.registry.MustRegister(c)
		return c
	}

	m.oracleCalls = factory("oracle_calls_total", "Uncached predictor inference calls.")
	m.cacheHits = factory("oracle_cache_hits_total", "Score cache hits.")
	m.cacheMisses = factory("oracle_cache_misses_total", "Score cache misses.")
	m.searchSteps = factory("search_steps_total", "Atomic search steps across all strategies.")
	m.rollouts = factory("mcts_rollouts_total", "Completed MCTS rollouts.")
	m.targetsDone = factory("targets_completed_total", "Targets with a persisted explanation.")
	m.targetsFailed = factory("targets_failed_total", "Targets aborted by per-target errors.")
	m.targetsSkipped = factory("targets_skipped_total", "Targets skipped as inexplicable or already done.")

	m.searchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "counterfact",
		Name:      "search_duration_seconds",
		Help:      "Wall time of one target's counterfactual search.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	m.registry.MustRegister(m.searchLatency)

	return m
}

// OracleCall counts one real inference call.
func (m *Manager) OracleCall() {
	if m != nil {
		m.oracleCalls.Inc()
	}
}

// CacheHit counts one score cache hit.
func (m *Manager) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

// CacheMiss counts one score cache miss.
func (m *Manager) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

// SearchStep counts one atomic search step.
func (m *Manager) SearchStep() {
	if m != nil {
		m.searchSteps.Inc()
	}
}

// Rollout counts one completed MCTS rollout.
func (m *Manager) Rollout() {
	if m != nil {
		m.rollouts.Inc()
	}
}

// TargetCompleted counts one persisted explanation.
func (m *Manager) TargetCompleted() {
	if m != nil {
		m.targetsDone.Inc()
	}
}

// TargetFailed counts one target aborted by a per-target error.
func (m *Manager) TargetFailed() {
	if m != nil {
		m.targetsFailed.Inc()
	}
}

// TargetSkipped counts one target that was not searched.
func (m *Manager) TargetSkipped() {
	if m != nil {
		m.targetsSkipped.Inc()
	}
}

// ObserveSearch records the wall time of one target's search.
func (m *Manager) ObserveSearch(d time.Duration) {
	if m != nil {
		m.searchLatency.Observe(d.Seconds())
	}
}
