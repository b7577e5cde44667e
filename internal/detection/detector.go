package detection

import (
	"time"

	"github.com/panguard-ai/panguard-guard/internal/metrics"
	"github.com/panguard-ai/panguard-guard/internal/model"
	"github.com/panguard-ai/panguard-guard/internal/rules"
	"github.com/panguard-ai/panguard-guard/internal/threatintel"
)

// indicatorKeys are the metadata keys checked against threat intel, in order
var indicatorKeys = []string{"remoteAddr", "sourceIP", "domain"}

// Detector pairs an event with rule matches, a threat intel hit and any
// sensor finding it carries
type Detector struct {
	rules   *rules.Engine
	intel   *threatintel.Table
	metrics *metrics.Metrics
}

// NewDetector creates a detector over a rule engine and threat intel table
func NewDetector(r *rules.Engine, intel *threatintel.Table, m *metrics.Metrics) *Detector {
	return &Detector{rules: r, intel: intel, metrics: m}
}

// Detect runs every detector against the event
func (d *Detector) Detect(event model.SecurityEvent) model.DetectionResult {
	result := model.DetectionResult{
		Event:     event,
		Timestamp: time.Now().UTC(),
	}

	if d.rules != nil {
		result.RuleMatches = d.rules.Match(event)
		for _, rm := range result.RuleMatches {
			d.metrics.IncRuleMatch(string(rm.Severity))
		}
	}

	if d.intel != nil {
		for _, key := range indicatorKeys {
			indicator, ok := event.MetaString(key)
			if !ok || indicator == "" {
				continue
			}
			if entry, hit := d.intel.Lookup(indicator); hit {
				result.ThreatIntelMatch = &model.ThreatIntelMatch{
					Indicator: indicator,
					Threat:    entry.Threat,
					Feed:      entry.Feed,
				}
				break
			}
		}
	}

	if event.Source.IsSensor() {
		signature, _ := event.MetaString("signature")
		if signature == "" {
			signature = event.Description
		}
		result.SensorFinding = &model.SensorFinding{
			Sensor:    event.Source,
			Severity:  event.Severity,
			Signature: signature,
		}
	}

	return result
}
