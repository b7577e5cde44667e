package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the guard pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsTotal         *prometheus.CounterVec
	ObserverErrorsTotal *prometheus.CounterVec
	ObserverRestarts    *prometheus.CounterVec
	RuleMatchesTotal    *prometheus.CounterVec
	ThreatIntelHits     prometheus.Counter
	VerdictsTotal       *prometheus.CounterVec
	ActionsTotal        *prometheus.CounterVec
	AIFailuresTotal     prometheus.Counter
	AnalysisDuration    prometheus.Histogram
	PendingConfirms     prometheus.Gauge
	RulesLoaded         prometheus.Gauge
	EngineState         *prometheus.GaugeVec
	BusPublishErrors    prometheus.Counter
	AdapterAlertsTotal  *prometheus.CounterVec
}

// NewMetrics registers all metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "panguard_events_total",
			Help: "Total number of security events processed",
		}, []string{"source"}),
		ObserverErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "panguard_observer_errors_total",
			Help: "Total number of observer errors",
		}, []string{"observer"}),
		ObserverRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "panguard_observer_restarts_total",
			Help: "Total number of observer restarts",
		}, []string{"observer"}),
		RuleMatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "panguard_rule_matches_total",
			Help: "Total number of rule matches",
		}, []string{"severity"}),
		ThreatIntelHits: f.NewCounter(prometheus.CounterOpts{
			Name: "panguard_threat_intel_hits_total",
			Help: "Total number of threat intel hits",
		}),
		VerdictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "panguard_verdicts_total",
			Help: "Total number of verdicts by conclusion",
		}, []string{"conclusion"}),
		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "panguard_actions_total",
			Help: "Total number of policy decisions by tier and action",
		}, []string{"tier", "action"}),
		AIFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "panguard_ai_failures_total",
			Help: "Total number of AI provider failures",
		}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "panguard_analysis_duration_seconds",
			Help:    "Time spent producing a verdict",
			Buckets: prometheus.DefBuckets,
		}),
		PendingConfirms: f.NewGauge(prometheus.GaugeOpts{
			Name: "panguard_pending_confirmations",
			Help: "Number of confirmation requests awaiting a decision",
		}),
		RulesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "panguard_rules_loaded",
			Help: "Number of active detection rules",
		}),
		EngineState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "panguard_engine_state",
			Help: "1 for the current guard engine state, 0 otherwise",
		}, []string{"state"}),
		BusPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "panguard_bus_publish_errors_total",
			Help: "Total number of NATS publish errors",
		}),
		AdapterAlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "panguard_adapter_alerts_total",
			Help: "Total number of adapter alerts by outcome",
		}, []string{"outcome"}),
	}
}

// IncEvent counts a processed event
func (m *Metrics) IncEvent(source string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(source).Inc()
}

// IncObserverError counts an observer error
func (m *Metrics) IncObserverError(observer string) {
	if m == nil {
		return
	}
	m.ObserverErrorsTotal.WithLabelValues(observer).Inc()
}

// IncObserverRestart counts an observer restart
func (m *Metrics) IncObserverRestart(observer string) {
	if m == nil {
		return
	}
	m.ObserverRestarts.WithLabelValues(observer).Inc()
}

// IncRuleMatch counts a rule match
func (m *Metrics) IncRuleMatch(severity string) {
	if m == nil {
		return
	}
	m.RuleMatchesTotal.WithLabelValues(severity).Inc()
}

// IncThreatIntelHit counts a threat intel hit
func (m *Metrics) IncThreatIntelHit() {
	if m == nil {
		return
	}
	m.ThreatIntelHits.Inc()
}

// IncVerdict counts a verdict
func (m *Metrics) IncVerdict(conclusion string) {
	if m == nil {
		return
	}
	m.VerdictsTotal.WithLabelValues(conclusion).Inc()
}

// IncAction counts a policy decision
func (m *Metrics) IncAction(tier, action string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(tier, action).Inc()
}

// IncAIFailure counts an AI provider failure
func (m *Metrics) IncAIFailure() {
	if m == nil {
		return
	}
	m.AIFailuresTotal.Inc()
}

// ObserveAnalysis records analysis latency in seconds
func (m *Metrics) ObserveAnalysis(seconds float64) {
	if m == nil {
		return
	}
	m.AnalysisDuration.Observe(seconds)
}

// SetPendingConfirmations sets the pending confirmation gauge
func (m *Metrics) SetPendingConfirmations(n int) {
	if m == nil {
		return
	}
	m.PendingConfirms.Set(float64(n))
}

// SetRulesLoaded sets the active rule gauge
func (m *Metrics) SetRulesLoaded(n int) {
	if m == nil {
		return
	}
	m.RulesLoaded.Set(float64(n))
}

// SetEngineState marks state as current and clears the others
func (m *Metrics) SetEngineState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.EngineState.WithLabelValues(s).Set(v)
	}
}

// IncBusPublishError counts a NATS publish error
func (m *Metrics) IncBusPublishError() {
	if m == nil {
		return
	}
	m.BusPublishErrors.Inc()
}

// IncAdapterAlert counts an adapter alert by outcome (accepted, invalid, dropped)
func (m *Metrics) IncAdapterAlert(outcome string) {
	if m == nil {
		return
	}
	m.AdapterAlertsTotal.WithLabelValues(outcome).Inc()
}
