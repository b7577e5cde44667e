package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/panguard-ai/panguard-guard/internal/baseline"
	"github.com/panguard-ai/panguard-guard/internal/metrics"
	"github.com/panguard-ai/panguard-guard/internal/model"
)

const (
	threatIntelConfidence = 85

	maliciousThreshold  = 75
	suspiciousThreshold = 40

	strongActionThreshold   = 85
	criticalActionThreshold = 70
	notifyThreshold         = 50

	defaultAITimeout = 10 * time.Second
)

// severityConfidence is the base confidence of rule and sensor evidence
var severityConfidence = map[model.Severity]int{
	model.SeverityCritical: 90,
	model.SeverityHigh:     75,
	model.SeverityMedium:   55,
	model.SeverityLow:      35,
	model.SeverityInfo:     15,
}

var attackTagPattern = regexp.MustCompile(`^attack\.(t\d{4}(?:\.\d{3})?)$`)

// Options configures an Analyzer
type Options struct {
	AI        AIProvider
	AITimeout time.Duration
}

// Analyzer turns detection results into verdicts
type Analyzer struct {
	ai        AIProvider
	aiTimeout time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewAnalyzer creates an analyzer. opts.AI may be nil.
func NewAnalyzer(opts Options, m *metrics.Metrics, logger *slog.Logger) *Analyzer {
	timeout := opts.AITimeout
	if timeout <= 0 {
		timeout = defaultAITimeout
	}
	return &Analyzer{
		ai:        opts.AI,
		aiTimeout: timeout,
		metrics:   m,
		logger:    logger,
	}
}

// Analyze weighs the evidence for one detection result. b may be nil, in
// which case no baseline evidence is produced.
func (a *Analyzer) Analyze(ctx context.Context, result model.DetectionResult, b *baseline.Baseline) model.ThreatVerdict {
	started := time.Now()
	defer func() { a.metrics.ObserveAnalysis(time.Since(started).Seconds()) }()

	var evidence []model.Evidence

	for _, rm := range result.RuleMatches {
		evidence = append(evidence, model.Evidence{
			Source:      model.EvidenceRuleMatch,
			Description: fmt.Sprintf("Rule %q (%s) matched on %s", rm.RuleName, rm.Severity, strings.Join(rm.MatchedFields, ", ")),
			Confidence:  severityConfidence[rm.Severity],
			Data: model.RuleMatchData{
				RuleID:        rm.RuleID,
				Severity:      rm.Severity,
				MatchedFields: rm.MatchedFields,
			},
		})
	}

	if ti := result.ThreatIntelMatch; ti != nil {
		evidence = append(evidence, model.Evidence{
			Source:      model.EvidenceThreatIntel,
			Description: fmt.Sprintf("Indicator %s is known: %s", ti.Indicator, ti.Threat),
			Confidence:  threatIntelConfidence,
			Data:        model.ThreatIntelData{Indicator: ti.Indicator, Threat: ti.Threat},
		})
	}

	if dev := baseline.CheckDeviation(b, result.Event); dev.IsDeviation {
		evidence = append(evidence, model.Evidence{
			Source:      model.EvidenceBaseline,
			Description: dev.Description,
			Confidence:  dev.Confidence,
			Data:        model.BaselineData{DeviationType: dev.DeviationType, Value: dev.Value},
		})
	}

	if sf := result.SensorFinding; sf != nil {
		source := model.EvidenceFalco
		if sf.Sensor == model.SourceSuricata {
			source = model.EvidenceSuricata
		}
		evidence = append(evidence, model.Evidence{
			Source:      source,
			Description: fmt.Sprintf("%s alert: %s", sf.Sensor, sf.Signature),
			Confidence:  severityConfidence[sf.Severity],
			Data:        model.SensorData{Signature: sf.Signature, Severity: sf.Severity},
		})
	}

	var (
		aiResult  *AIAnalysis
		technique string
	)
	if a.ai != nil && len(evidence) > 0 {
		aiResult, technique = a.consultAI(ctx, result, evidence)
		if aiResult != nil {
			evidence = append(evidence, model.Evidence{
				Source:      model.EvidenceAI,
				Description: aiResult.Summary,
				Confidence:  scaleAIConfidence(aiResult.Confidence),
				Data: model.AIData{
					Summary:         aiResult.Summary,
					Severity:        aiResult.Severity,
					Recommendations: aiResult.Recommendations,
				},
			})
		}
	}
	if technique == "" {
		technique = techniqueFromTags(result.RuleMatches)
	}

	confidence := Aggregate(evidence)
	verdict := model.ThreatVerdict{
		ID:                uuid.New().String(),
		EventID:           result.Event.ID,
		Conclusion:        Conclude(confidence),
		Confidence:        confidence,
		Reasoning:         reasoning(evidence, aiResult),
		Evidence:          evidence,
		RecommendedAction: RecommendAction(confidence, result.RuleMatches, result.Event.Source),
		MitreTechnique:    technique,
		CreatedAt:         time.Now().UTC(),
	}

	a.metrics.IncVerdict(string(verdict.Conclusion))
	return verdict
}

// consultAI asks the provider for an analysis and a classification within
// the configured timeout. Failures are logged and yield nil.
func (a *Analyzer) consultAI(ctx context.Context, result model.DetectionResult, evidence []model.Evidence) (*AIAnalysis, string) {
	ctx, cancel := context.WithTimeout(ctx, a.aiTimeout)
	defer cancel()

	if !a.ai.IsAvailable(ctx) {
		return nil, ""
	}

	analysis, err := a.ai.Analyze(ctx, buildPrompt(result, evidence))
	if err != nil {
		a.metrics.IncAIFailure()
		a.logger.Warn("AI analysis failed", "event_id", result.Event.ID, "error", err)
		return nil, ""
	}
	if analysis == nil {
		return nil, ""
	}

	var technique string
	class, err := a.ai.Classify(ctx, result.Event)
	if err != nil {
		a.metrics.IncAIFailure()
		a.logger.Warn("AI classification failed", "event_id", result.Event.ID, "error", err)
	} else if class != nil {
		technique = class.Technique
	}

	return analysis, technique
}

// Aggregate combines evidence into a single 0..100 confidence. Evidence is
// grouped, the maximum taken per group, and the groups weighted depending
// on whether sensor and AI evidence are present.
func Aggregate(evidence []model.Evidence) int {
	var (
		rule, base, ai, sensor int
		hasAI, hasSensor       bool
	)
	for _, e := range evidence {
		switch e.Source {
		case model.EvidenceRuleMatch, model.EvidenceThreatIntel:
			rule = max(rule, e.Confidence)
		case model.EvidenceBaseline:
			base = max(base, e.Confidence)
		case model.EvidenceAI:
			ai = max(ai, e.Confidence)
			hasAI = true
		case model.EvidenceFalco, model.EvidenceSuricata:
			sensor = max(sensor, e.Confidence)
			hasSensor = true
		}
	}

	var score float64
	switch {
	case hasSensor && hasAI:
		score = 0.2*float64(sensor) + 0.3*float64(rule) + 0.2*float64(base) + 0.3*float64(ai)
	case hasSensor:
		score = 0.25*float64(sensor) + 0.4*float64(rule) + 0.35*float64(base)
	case hasAI:
		score = 0.4*float64(rule) + 0.3*float64(base) + 0.3*float64(ai)
	default:
		score = 0.6*float64(rule) + 0.4*float64(base)
	}

	return clamp(int(math.Round(score)))
}

// Conclude maps a confidence to a conclusion
func Conclude(confidence int) model.Conclusion {
	switch {
	case confidence >= maliciousThreshold:
		return model.ConclusionMalicious
	case confidence >= suspiciousThreshold:
		return model.ConclusionSuspicious
	default:
		return model.ConclusionBenign
	}
}

// RecommendAction picks the response for a verdict
func RecommendAction(confidence int, matches []model.RuleMatch, source model.Source) model.Action {
	critical := false
	for _, rm := range matches {
		if rm.Severity == model.SeverityCritical {
			critical = true
			break
		}
	}

	if confidence >= strongActionThreshold || (critical && confidence >= criticalActionThreshold) {
		switch {
		case source.IsNetworkLike():
			return model.ActionBlockIP
		case source.IsProcessLike():
			return model.ActionKillProcess
		default:
			return model.ActionNotify
		}
	}
	if confidence >= notifyThreshold {
		return model.ActionNotify
	}
	return model.ActionLogOnly
}

func scaleAIConfidence(c float64) int {
	return clamp(int(math.Round(c * 100)))
}

func clamp(v int) int {
	return min(max(v, 0), 100)
}

func reasoning(evidence []model.Evidence, ai *AIAnalysis) string {
	lines := make([]string, 0, len(evidence)+2)
	for _, e := range evidence {
		lines = append(lines, fmt.Sprintf("[%s] %s (confidence %d)", e.Source, e.Description, e.Confidence))
	}
	if ai != nil {
		if ai.Summary != "" {
			lines = append(lines, "AI summary: "+ai.Summary)
		}
		if len(ai.Recommendations) > 0 {
			lines = append(lines, "AI recommendations: "+strings.Join(ai.Recommendations, "; "))
		}
	}
	if len(lines) == 0 {
		return "No evidence"
	}
	return strings.Join(lines, "\n")
}

func techniqueFromTags(matches []model.RuleMatch) string {
	for _, rm := range matches {
		for _, tag := range rm.Tags {
			if m := attackTagPattern.FindStringSubmatch(strings.ToLower(tag)); m != nil {
				return strings.ToUpper(m[1])
			}
		}
	}
	return ""
}

func buildPrompt(result model.DetectionResult, evidence []model.Evidence) string {
	var sb strings.Builder
	ev := result.Event

	sb.WriteString("Assess whether the following host security event is malicious.\n")
	fmt.Fprintf(&sb, "Source: %s\nSeverity: %s\nCategory: %s\nDescription: %s\nHost: %s\n",
		ev.Source, ev.Severity, ev.Category, ev.Description, ev.Host)
	for _, key := range []string{"processName", "remoteAddr", "sourceIP", "user", "path"} {
		if v, ok := ev.MetaString(key); ok && v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", key, v)
		}
	}
	sb.WriteString("Evidence so far:\n")
	for _, e := range evidence {
		fmt.Fprintf(&sb, "- [%s] %s (confidence %d)\n", e.Source, e.Description, e.Confidence)
	}
	sb.WriteString(`Respond with JSON: {"summary": string, "confidence": number between 0 and 1, "severity": string, "recommendations": [string]}`)
	return sb.String()
}
