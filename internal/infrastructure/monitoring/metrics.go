package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Bus metrics
	BusMessages      *prometheus.CounterVec
	BusDropped       *prometheus.CounterVec
	BusTimeouts      prometheus.Counter
	BusHandlerPanics prometheus.Counter
	ProxySubs        prometheus.Gauge

	// Rule orchestrator metrics
	RulesActive   prometheus.Gauge
	RuleInstalls  *prometheus.CounterVec
	RuleRemovals  *prometheus.CounterVec
	RuleSkips     *prometheus.CounterVec
	ObservedCalls *prometheus.CounterVec

	// Recovery metrics
	RestartsDetected prometheus.Counter
	RecoveryRuns     *prometheus.CounterVec
	ReplayedMessages prometheus.Counter
	FailedRequests   prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector on its own registry, so multiple
// instances (one per test, one per process) never fight over registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		BusMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extmesh_bus_messages_total",
				Help: "Bus messages handled, by locus, event and direction",
			},
			[]string{"locus", "event", "direction"},
		),
		BusDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extmesh_bus_dropped_envelopes_total",
				Help: "Envelopes dropped at the bus boundary, by reason",
			},
			[]string{"reason"},
		),
		BusTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "extmesh_bus_timeouts_total",
				Help: "Correlated requests that expired without a reply",
			},
		),
		BusHandlerPanics: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "extmesh_bus_handler_panics_total",
				Help: "Handler failures caught during dispatch",
			},
		),
		ProxySubs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "extmesh_bus_proxy_subscriptions",
				Help: "Event subscriptions currently proxied upstream",
			},
		),

		RulesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "extmesh_rules_active_sets",
				Help: "Currently installed (tab, provider) rule sets",
			},
		),
		RuleInstalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extmesh_rules_installs_total",
				Help: "Rule set installs, by provider",
			},
			[]string{"provider"},
		),
		RuleRemovals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extmesh_rules_removals_total",
				Help: "Rule set removals, by reason (ttl, tab_closed, explicit, startup)",
			},
			[]string{"reason"},
		),
		RuleSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extmesh_rules_skips_total",
				Help: "Rule installs skipped, by reason (no_credential, expired, engine_error)",
			},
			[]string{"reason"},
		),
		ObservedCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extmesh_rules_observed_calls_total",
				Help: "Provider API calls seen by the observer, by provider",
			},
			[]string{"provider"},
		),

		RestartsDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "extmesh_recovery_restarts_total",
				Help: "Orchestrator restarts detected at boot",
			},
		),
		RecoveryRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extmesh_recovery_runs_total",
				Help: "Recovery sequences executed, by trigger (boot, health)",
			},
			[]string{"trigger"},
		),
		ReplayedMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "extmesh_recovery_replayed_messages_total",
				Help: "Queued messages replayed after a restart",
			},
		),
		FailedRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "extmesh_recovery_failed_requests_total",
				Help: "In-flight requests marked failed-due-to-restart",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "extmesh_uptime_seconds",
				Help: "Seconds since process start",
			},
		),
	}

	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
