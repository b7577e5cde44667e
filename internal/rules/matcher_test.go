package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

func mustParse(t *testing.T, text string) *Rule {
	t.Helper()
	rule, err := Parse([]byte(text))
	require.NoError(t, err)
	return rule
}

func TestMatch_SelectionAndOr(t *testing.T) {
	rule := mustParse(t, `
id: and-or
title: And Or
level: medium
detection:
  A:
    category: authentication
  B:
    description|contains: failed
  C:
    category: network
  condition: (A AND B) OR C
`)

	tests := []struct {
		name        string
		category    string
		description string
		want        bool
		fields      []string
	}{
		{
			name:        "authentication with failed",
			category:    "authentication",
			description: "Login FAILED for root",
			want:        true,
			fields:      []string{"category", "description"},
		},
		{
			name:        "network regardless of description",
			category:    "network",
			description: "anything at all",
			want:        true,
			fields:      []string{"category"},
		},
		{
			name:        "process without failed",
			category:    "process",
			description: "process started",
			want:        false,
		},
		{
			name:        "authentication without failed",
			category:    "authentication",
			description: "Accepted publickey",
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := model.SecurityEvent{Category: tt.category, Description: tt.description}
			m, ok := Match(rule, ev)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, tt.fields, m.MatchedFields)
				assert.Equal(t, "and-or", m.RuleID)
				assert.Equal(t, model.SeverityMedium, m.Severity)
			}
		})
	}
}

func TestMatch_Wildcard(t *testing.T) {
	rule := mustParse(t, `
id: wildcard
title: Wildcard
level: low
detection:
  selection:
    description: '*failed*login*'
  condition: selection
`)

	_, ok := Match(rule, model.SecurityEvent{Description: "User failed to login with valid credentials"})
	assert.True(t, ok)

	_, ok = Match(rule, model.SecurityEvent{Description: "Successful authentication completed"})
	assert.False(t, ok)

	_, ok = Match(rule, model.SecurityEvent{Description: "login failed"})
	assert.False(t, ok, "substrings must appear in order")
}

func TestMatchValue(t *testing.T) {
	tests := []struct {
		name   string
		actual string
		want   string
		mod    Modifier
		match  bool
	}{
		{name: "exact equal", actual: "sshd", want: "sshd", match: true},
		{name: "exact is case-sensitive", actual: "SSHD", want: "sshd", match: false},
		{name: "exact requires full value", actual: "sshd-session", want: "sshd", match: false},
		{name: "contains ignores case", actual: "Failed Password", want: "failed pass", mod: ModifierContains, match: true},
		{name: "contains missing", actual: "accepted", want: "failed", mod: ModifierContains, match: false},
		{name: "wildcard anchored start", actual: "/usr/bin/nc", want: "*/nc", match: true},
		{name: "wildcard anchored end", actual: "/usr/bin/nc.bak", want: "*/nc", match: false},
		{name: "wildcard empty run", actual: "ab", want: "a*b", match: true},
		{name: "wildcard only star", actual: "", want: "*", match: true},
		{name: "wildcard ignores case", actual: "C:\\Windows\\PowerShell.exe", want: "*powershell*", match: true},
		{name: "startswith", actual: "/tmp/payload", want: "/TMP/", mod: ModifierStartsWith, match: true},
		{name: "endswith", actual: "dropper.SH", want: ".sh", mod: ModifierEndsWith, match: true},
		{name: "contains with wildcard", actual: "curl http://x | sh", want: "curl*| sh", mod: ModifierContains, match: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, matchValue(tt.actual, tt.want, tt.mod))
		})
	}
}

func TestMatch_MetadataFields(t *testing.T) {
	rule := mustParse(t, `
id: meta
title: Metadata
level: high
detection:
  selection:
    remotePort:
      - 4444
      - 1337
    process|endswith:
      - /nc
      - /ncat
  filter:
    user: null
  condition: selection and not filter
`)

	ev := model.SecurityEvent{
		Category: "network",
		Metadata: map[string]any{"remotePort": 4444, "process": "/usr/bin/nc", "user": "www-data"},
	}
	m, ok := Match(rule, ev)
	require.True(t, ok)
	assert.Equal(t, []string{"remotePort", "process"}, m.MatchedFields)

	ev.Metadata = map[string]any{"remotePort": 4444, "process": "/usr/bin/nc"}
	_, ok = Match(rule, ev)
	assert.False(t, ok, "absent user satisfies the null filter")

	ev.Metadata = map[string]any{"remotePort": 80, "process": "/usr/bin/nc", "user": "root"}
	_, ok = Match(rule, ev)
	assert.False(t, ok)

	ev.Metadata = map[string]any{"process": "/usr/bin/nc", "user": "root"}
	_, ok = Match(rule, ev)
	assert.False(t, ok, "missing field never matches")
}

func TestMatch_KeywordsAndAlternatives(t *testing.T) {
	rule := mustParse(t, `
id: kw
title: Keywords
level: critical
detection:
  keywords:
    - mimikatz
    - sekurlsa
  tools:
    - process: nc
    - process: ncat
  condition: keywords or tools
`)

	m, ok := Match(rule, model.SecurityEvent{Description: "Invoke-Mimikatz detected"})
	require.True(t, ok)
	assert.Equal(t, []string{"description"}, m.MatchedFields)

	m, ok = Match(rule, model.SecurityEvent{Metadata: map[string]any{"process": "ncat"}})
	require.True(t, ok)
	assert.Equal(t, []string{"process"}, m.MatchedFields)

	_, ok = Match(rule, model.SecurityEvent{Description: "cron job", Metadata: map[string]any{"process": "cron"}})
	assert.False(t, ok)
}

func TestMatch_BruteForceScenario(t *testing.T) {
	rule := mustParse(t, bruteForceRule)

	ev := model.NewEvent(model.SourceLog, model.SeverityMedium, "authentication", "Failed login attempt for user admin", nil)
	m, ok := Match(rule, ev)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"category", "description"}, m.MatchedFields)
	assert.Equal(t, "Brute Force", m.RuleName)
	assert.Equal(t, model.SeverityHigh, m.Severity)
	assert.Contains(t, m.Tags, "attack.t1110")
}

func TestMatch_NilRule(t *testing.T) {
	_, ok := Match(nil, model.SecurityEvent{})
	assert.False(t, ok)
}
