package model

// EvidenceSource tags the kind of evidence
type EvidenceSource string

const (
	EvidenceRuleMatch   EvidenceSource = "rule_match"
	EvidenceThreatIntel EvidenceSource = "threat_intel"
	EvidenceBaseline    EvidenceSource = "baseline_deviation"
	EvidenceAI          EvidenceSource = "ai_analysis"
	EvidenceFalco       EvidenceSource = "falco"
	EvidenceSuricata    EvidenceSource = "suricata"
)

// Evidence is one piece of support for a verdict. Data holds the
// source-specific payload and is one of the *Data types below.
type Evidence struct {
	Source      EvidenceSource `json:"source"`
	Description string         `json:"description"`
	Confidence  int            `json:"confidence"`
	Data        EvidenceData   `json:"data,omitempty"`
}

// EvidenceData is implemented only by the payload types in this package
type EvidenceData interface {
	evidenceData()
}

// RuleMatchData is the payload of rule_match evidence
type RuleMatchData struct {
	RuleID        string   `json:"rule_id"`
	Severity      Severity `json:"severity"`
	MatchedFields []string `json:"matched_fields"`
}

// ThreatIntelData is the payload of threat_intel evidence
type ThreatIntelData struct {
	Indicator string `json:"indicator"`
	Threat    string `json:"threat"`
}

// BaselineData is the payload of baseline_deviation evidence
type BaselineData struct {
	DeviationType string `json:"deviation_type"`
	Value         string `json:"value"`
}

// AIData is the payload of ai_analysis evidence
type AIData struct {
	Summary         string   `json:"summary"`
	Severity        string   `json:"severity,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// SensorData is the payload of falco and suricata evidence
type SensorData struct {
	Signature string   `json:"signature"`
	Severity  Severity `json:"severity"`
}

func (RuleMatchData) evidenceData()   {}
func (ThreatIntelData) evidenceData() {}
func (BaselineData) evidenceData()    {}
func (AIData) evidenceData()          {}
func (SensorData) evidenceData()      {}
