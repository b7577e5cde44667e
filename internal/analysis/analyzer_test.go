package analysis

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panguard-ai/panguard-guard/internal/baseline"
	"github.com/panguard-ai/panguard-guard/internal/model"
	"github.com/panguard-ai/panguard-guard/internal/rules"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAI struct {
	available   bool
	analysis    *AIAnalysis
	analyzeErr  error
	class       *Classification
	classifyErr error
	delay       time.Duration
	prompts     []string
}

func (f *fakeAI) IsAvailable(ctx context.Context) bool { return f.available }

func (f *fakeAI) Analyze(ctx context.Context, prompt string) (*AIAnalysis, error) {
	f.prompts = append(f.prompts, prompt)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.analysis, f.analyzeErr
}

func (f *fakeAI) Classify(ctx context.Context, event model.SecurityEvent) (*Classification, error) {
	return f.class, f.classifyErr
}

func ruleMatch(sev model.Severity) model.RuleMatch {
	return model.RuleMatch{
		RuleID:        "r-" + string(sev),
		RuleName:      "Rule " + string(sev),
		Severity:      sev,
		MatchedFields: []string{"description"},
	}
}

func ev(source model.Source, conf int) model.Evidence {
	return model.Evidence{Source: model.EvidenceSource(source), Confidence: conf}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		evidence []model.Evidence
		want     int
	}{
		{"no evidence", nil, 0},
		{"rule only high", []model.Evidence{ev("rule_match", 75)}, 45},
		{"rule only critical", []model.Evidence{ev("rule_match", 90)}, 54},
		{"max within rule group", []model.Evidence{ev("rule_match", 35), ev("threat_intel", 85), ev("rule_match", 55)}, 51},
		{"rule and baseline", []model.Evidence{ev("rule_match", 75), ev("baseline_deviation", 60)}, 69},
		{"ai without sensor", []model.Evidence{ev("rule_match", 90), ev("baseline_deviation", 60), ev("ai_analysis", 80)}, 78},
		{"sensor without ai", []model.Evidence{ev("rule_match", 90), ev("baseline_deviation", 60), ev("falco", 75)}, 76},
		{"sensor and ai", []model.Evidence{ev("rule_match", 90), ev("baseline_deviation", 60), ev("suricata", 55), ev("falco", 75), ev("ai_analysis", 80)}, 78},
		{"threat intel only", []model.Evidence{ev("threat_intel", 85)}, 51},
		{"all maxed", []model.Evidence{ev("rule_match", 100), ev("baseline_deviation", 100), ev("falco", 100), ev("ai_analysis", 100)}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.evidence))
		})
	}
}

func TestAggregate_MonotonicInRuleSeverity(t *testing.T) {
	others := [][]model.Evidence{
		nil,
		{ev("baseline_deviation", 60)},
		{ev("ai_analysis", 40)},
		{ev("falco", 55), ev("baseline_deviation", 70)},
		{ev("falco", 55), ev("ai_analysis", 90)},
	}
	order := []model.Severity{model.SeverityInfo, model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical}

	for _, extra := range others {
		prev := -1
		for _, sev := range order {
			evidence := append([]model.Evidence{ev("rule_match", severityConfidence[sev])}, extra...)
			got := Aggregate(evidence)
			assert.GreaterOrEqual(t, got, prev, "severity %s with %v", sev, extra)
			prev = got
		}
	}
}

func TestConclude(t *testing.T) {
	assert.Equal(t, model.ConclusionBenign, Conclude(0))
	assert.Equal(t, model.ConclusionBenign, Conclude(39))
	assert.Equal(t, model.ConclusionSuspicious, Conclude(40))
	assert.Equal(t, model.ConclusionSuspicious, Conclude(74))
	assert.Equal(t, model.ConclusionMalicious, Conclude(75))
	assert.Equal(t, model.ConclusionMalicious, Conclude(100))
}

func TestRecommendAction(t *testing.T) {
	high := []model.RuleMatch{ruleMatch(model.SeverityHigh)}
	critical := []model.RuleMatch{ruleMatch(model.SeverityLow), ruleMatch(model.SeverityCritical)}

	tests := []struct {
		name       string
		confidence int
		matches    []model.RuleMatch
		source     model.Source
		want       model.Action
	}{
		{"network strong", 85, high, model.SourceNetwork, model.ActionBlockIP},
		{"suricata strong", 90, nil, model.SourceSuricata, model.ActionBlockIP},
		{"process strong", 85, high, model.SourceProcess, model.ActionKillProcess},
		{"falco strong", 99, nil, model.SourceFalco, model.ActionKillProcess},
		{"log strong", 95, high, model.SourceLog, model.ActionNotify},
		{"critical at 70", 70, critical, model.SourceNetwork, model.ActionBlockIP},
		{"critical at 69", 69, critical, model.SourceNetwork, model.ActionNotify},
		{"high at 84", 84, high, model.SourceProcess, model.ActionNotify},
		{"notify at 50", 50, high, model.SourceLog, model.ActionNotify},
		{"log only at 49", 49, high, model.SourceNetwork, model.ActionLogOnly},
		{"nothing", 0, nil, model.SourceFile, model.ActionLogOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RecommendAction(tt.confidence, tt.matches, tt.source))
		})
	}
}

func bruteForceResult(t *testing.T, level string) model.DetectionResult {
	t.Helper()
	rule, err := rules.Parse([]byte(`
id: auth-brute-force
title: Brute Force
level: ` + level + `
tags: [attack.t1110]
detection:
  selection:
    category: authentication
    description|contains: failed login
  condition: selection
`))
	require.NoError(t, err)

	event := model.NewEvent(model.SourceLog, model.SeverityMedium, "authentication", "Failed login attempt for user admin", nil)
	match, ok := rules.Match(rule, event)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"category", "description"}, match.MatchedFields)

	return model.DetectionResult{Event: event, RuleMatches: []model.RuleMatch{match}, Timestamp: time.Now()}
}

func TestAnalyze_BruteForceEndToEnd(t *testing.T) {
	tests := []struct {
		level      string
		confidence int
		conclusion model.Conclusion
		action     model.Action
	}{
		// 45 comes from the severity table; a lone high match is log_only, not 54/notify
		{"high", 45, model.ConclusionSuspicious, model.ActionLogOnly},
		{"critical", 54, model.ConclusionSuspicious, model.ActionNotify},
	}

	a := NewAnalyzer(Options{}, nil, testLogger())
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			result := bruteForceResult(t, tt.level)
			v := a.Analyze(context.Background(), result, nil)

			assert.Equal(t, tt.confidence, v.Confidence)
			assert.Equal(t, tt.conclusion, v.Conclusion)
			assert.Equal(t, tt.action, v.RecommendedAction)
			assert.Equal(t, result.Event.ID, v.EventID)
			assert.Equal(t, "T1110", v.MitreTechnique)
			assert.NotEmpty(t, v.ID)
			require.Len(t, v.Evidence, 1)
			assert.Equal(t, model.EvidenceRuleMatch, v.Evidence[0].Source)
		})
	}
}

func TestAnalyze_EvidenceOrderAndReasoning(t *testing.T) {
	b := baseline.New()
	for i := 0; i < 100; i++ {
		b.Observe(model.NewEvent(model.SourceNetwork, model.SeverityInfo, "network", "new_connection",
			map[string]any{"remoteAddr": "10.0.0.2", "status": "ESTABLISHED"}))
	}

	event := model.NewEvent(model.SourceNetwork, model.SeverityInfo, "network", "new_connection",
		map[string]any{"remoteAddr": "45.155.205.233", "status": "ESTABLISHED"})
	result := model.DetectionResult{
		Event:            event,
		RuleMatches:      []model.RuleMatch{ruleMatch(model.SeverityMedium)},
		ThreatIntelMatch: &model.ThreatIntelMatch{Indicator: "45.155.205.233", Threat: "botnet c2"},
	}

	ai := &fakeAI{
		available: true,
		analysis: &AIAnalysis{
			Summary:         "Connection to known C2",
			Confidence:      0.914,
			Recommendations: []string{"block the address", "inspect the process"},
		},
		class: &Classification{Technique: "T1071"},
	}
	a := NewAnalyzer(Options{AI: ai}, nil, testLogger())
	v := a.Analyze(context.Background(), result, b)

	sources := make([]model.EvidenceSource, 0, len(v.Evidence))
	for _, e := range v.Evidence {
		sources = append(sources, e.Source)
	}
	assert.Equal(t, []model.EvidenceSource{
		model.EvidenceRuleMatch, model.EvidenceThreatIntel, model.EvidenceBaseline, model.EvidenceAI,
	}, sources)

	assert.Equal(t, 85, v.Evidence[1].Confidence)
	assert.Equal(t, 55, v.Evidence[2].Confidence, "new remote address in a mature baseline")
	assert.Equal(t, 91, v.Evidence[3].Confidence)
	// 0.4*85 + 0.3*55 + 0.3*91 = 77.8
	assert.Equal(t, 78, v.Confidence)
	assert.Equal(t, model.ConclusionMalicious, v.Conclusion)
	assert.Equal(t, model.ActionNotify, v.RecommendedAction)
	assert.Equal(t, "T1071", v.MitreTechnique)

	lines := strings.Split(v.Reasoning, "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "[rule_match]"))
	assert.True(t, strings.HasPrefix(lines[1], "[threat_intel]"))
	assert.True(t, strings.HasPrefix(lines[2], "[baseline_deviation]"))
	assert.True(t, strings.HasPrefix(lines[3], "[ai_analysis]"))
	assert.Equal(t, "AI summary: Connection to known C2", lines[4])
	assert.Equal(t, "AI recommendations: block the address; inspect the process", lines[5])

	require.Len(t, ai.prompts, 1)
	assert.Contains(t, ai.prompts[0], "45.155.205.233")
}

func TestAnalyze_SensorEvidence(t *testing.T) {
	event := model.NewEvent(model.SourceFalco, model.SeverityCritical, "adapter_alert", "Terminal shell in container", nil)
	result := model.DetectionResult{
		Event:         event,
		RuleMatches:   []model.RuleMatch{ruleMatch(model.SeverityCritical)},
		SensorFinding: &model.SensorFinding{Sensor: model.SourceFalco, Severity: model.SeverityCritical, Signature: "Terminal shell in container"},
	}

	v := NewAnalyzer(Options{}, nil, testLogger()).Analyze(context.Background(), result, nil)
	require.Len(t, v.Evidence, 2)
	assert.Equal(t, model.EvidenceFalco, v.Evidence[1].Source)
	assert.Equal(t, 90, v.Evidence[1].Confidence)
	// 0.25*90 + 0.4*90 = 58.5
	assert.Equal(t, 59, v.Confidence)
	assert.Equal(t, model.ActionNotify, v.RecommendedAction)
}

func TestAnalyze_AIFailuresAreDemoted(t *testing.T) {
	tests := []struct {
		name string
		ai   *fakeAI
	}{
		{"unavailable", &fakeAI{available: false, analysis: &AIAnalysis{Confidence: 1}}},
		{"analyze error", &fakeAI{available: true, analyzeErr: errors.New("connection refused")}},
		{"timeout", &fakeAI{available: true, analysis: &AIAnalysis{Confidence: 1}, delay: time.Second}},
		{"nil analysis", &fakeAI{available: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnalyzer(Options{AI: tt.ai, AITimeout: 20 * time.Millisecond}, nil, testLogger())
			v := a.Analyze(context.Background(), bruteForceResult(t, "critical"), nil)

			assert.Equal(t, 54, v.Confidence)
			assert.Len(t, v.Evidence, 1)
			assert.Equal(t, "T1110", v.MitreTechnique)
		})
	}
}

func TestAnalyze_ClassifyFailureKeepsAnalysis(t *testing.T) {
	ai := &fakeAI{
		available:   true,
		analysis:    &AIAnalysis{Summary: "likely brute force", Confidence: 0.7},
		classifyErr: errors.New("bad response"),
	}
	v := NewAnalyzer(Options{AI: ai}, nil, testLogger()).Analyze(context.Background(), bruteForceResult(t, "high"), nil)

	require.Len(t, v.Evidence, 2)
	// 0.4*75 + 0.3*0 + 0.3*70 = 51
	assert.Equal(t, 51, v.Confidence)
	assert.Equal(t, "T1110", v.MitreTechnique)
}

func TestAnalyze_NoEvidenceSkipsAI(t *testing.T) {
	ai := &fakeAI{available: true, analysis: &AIAnalysis{Confidence: 0.9}}
	event := model.NewEvent(model.SourceFile, model.SeverityInfo, "file_changed", "/tmp/x changed", nil)

	v := NewAnalyzer(Options{AI: ai}, nil, testLogger()).Analyze(context.Background(), model.DetectionResult{Event: event}, nil)
	assert.Empty(t, ai.prompts)
	assert.Equal(t, 0, v.Confidence)
	assert.Equal(t, model.ConclusionBenign, v.Conclusion)
	assert.Equal(t, model.ActionLogOnly, v.RecommendedAction)
	assert.Equal(t, "No evidence", v.Reasoning)
}
