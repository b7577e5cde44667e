package model

import "time"

// RuleMatch records a single rule that matched an event
type RuleMatch struct {
	RuleID        string   `json:"rule_id"`
	RuleName      string   `json:"rule_name"`
	Severity      Severity `json:"severity"`
	MatchedFields []string `json:"matched_fields"`
	Tags          []string `json:"tags,omitempty"`
}

// ThreatIntelMatch records a threat-intel hit for an indicator carried by an event
type ThreatIntelMatch struct {
	Indicator string `json:"indicator"`
	Threat    string `json:"threat"`
	Feed      string `json:"feed,omitempty"`
}

// SensorFinding is an alert raised by a kernel or packet sensor adapter
type SensorFinding struct {
	Sensor    Source   `json:"sensor"`
	Severity  Severity `json:"severity"`
	Signature string   `json:"signature"`
}

// DetectionResult is the output of the detection stage for one event
type DetectionResult struct {
	Event            SecurityEvent     `json:"event"`
	RuleMatches      []RuleMatch       `json:"rule_matches"`
	ThreatIntelMatch *ThreatIntelMatch `json:"threat_intel_match,omitempty"`
	SensorFinding    *SensorFinding    `json:"sensor_finding,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// HasFindings reports whether any detector produced something for the event
func (r DetectionResult) HasFindings() bool {
	return len(r.RuleMatches) > 0 || r.ThreatIntelMatch != nil || r.SensorFinding != nil
}

// Conclusion is the verdict class
type Conclusion string

const (
	ConclusionBenign     Conclusion = "benign"
	ConclusionSuspicious Conclusion = "suspicious"
	ConclusionMalicious  Conclusion = "malicious"
)

// Action is a response the guard engine may take
type Action string

const (
	ActionLogOnly     Action = "log_only"
	ActionNotify      Action = "notify"
	ActionBlockIP     Action = "block_ip"
	ActionKillProcess Action = "kill_process"
)

// ThreatVerdict is the analysis result for one event
type ThreatVerdict struct {
	ID                string     `json:"id"`
	EventID           string     `json:"event_id"`
	Conclusion        Conclusion `json:"conclusion"`
	Confidence        int        `json:"confidence"`
	Reasoning         string     `json:"reasoning"`
	Evidence          []Evidence `json:"evidence"`
	RecommendedAction Action     `json:"recommended_action"`
	MitreTechnique    string     `json:"mitre_technique,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
