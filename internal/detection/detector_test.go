package detection

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panguard-ai/panguard-guard/internal/model"
	"github.com/panguard-ai/panguard-guard/internal/rules"
	"github.com/panguard-ai/panguard-guard/internal/threatintel"
)

func newDetector(t *testing.T) *Detector {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	rule, err := rules.Parse([]byte(`
id: auth-brute-force
title: Brute Force
level: high
detection:
  selection:
    category: authentication
    description|contains: failed login
  condition: selection
`))
	require.NoError(t, err)

	engine := rules.NewEngine(logger)
	engine.Replace([]*rules.Rule{rule})

	intel := threatintel.NewTable()
	intel.Add(threatintel.Entry{Indicator: "45.155.205.233", Threat: "ssh brute force", Feed: "abuse"})
	intel.Add(threatintel.Entry{Indicator: "192.168.1.1", Threat: "ignored"})

	return NewDetector(engine, intel, nil)
}

func TestDetector_RuleMatch(t *testing.T) {
	d := newDetector(t)
	ev := model.NewEvent(model.SourceLog, model.SeverityMedium, "authentication", "Failed login attempt for user admin", nil)

	res := d.Detect(ev)
	require.Len(t, res.RuleMatches, 1)
	assert.Equal(t, "auth-brute-force", res.RuleMatches[0].RuleID)
	assert.Nil(t, res.ThreatIntelMatch)
	assert.Nil(t, res.SensorFinding)
	assert.Equal(t, ev.ID, res.Event.ID)
	assert.True(t, res.HasFindings())
}

func TestDetector_ThreatIntel(t *testing.T) {
	d := newDetector(t)

	ev := model.NewEvent(model.SourceLog, model.SeverityMedium, "authentication", "Accepted password",
		map[string]any{"sourceIP": "45.155.205.233"})
	res := d.Detect(ev)
	require.NotNil(t, res.ThreatIntelMatch)
	assert.Equal(t, "45.155.205.233", res.ThreatIntelMatch.Indicator)
	assert.Equal(t, "abuse", res.ThreatIntelMatch.Feed)

	ev = model.NewEvent(model.SourceNetwork, model.SeverityInfo, "network", "new_connection",
		map[string]any{"remoteAddr": "192.168.1.1"})
	res = d.Detect(ev)
	assert.Nil(t, res.ThreatIntelMatch)
	assert.False(t, res.HasFindings())
}

func TestDetector_SensorFinding(t *testing.T) {
	d := newDetector(t)
	ev := model.NewEvent(model.SourceSuricata, model.SeverityHigh, "adapter_alert", "ET SCAN Nmap",
		map[string]any{"signature": "ET SCAN Nmap Scripting Engine"})

	res := d.Detect(ev)
	require.NotNil(t, res.SensorFinding)
	assert.Equal(t, model.SourceSuricata, res.SensorFinding.Sensor)
	assert.Equal(t, model.SeverityHigh, res.SensorFinding.Severity)
	assert.Equal(t, "ET SCAN Nmap Scripting Engine", res.SensorFinding.Signature)
}
