package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

const bruteForceRule = `
title: Brute Force
id: auth-brute-force
status: stable
level: high
tags:
  - attack.credential_access
  - attack.t1110
logsource:
  product: linux
  service: auth
detection:
  selection:
    category: authentication
    description|contains: failed login
  condition: selection
`

func TestParse_ValidRule(t *testing.T) {
	rule, err := Parse([]byte(bruteForceRule))
	require.NoError(t, err)

	assert.Equal(t, "auth-brute-force", rule.ID)
	assert.Equal(t, "Brute Force", rule.Title)
	assert.Equal(t, model.SeverityHigh, rule.Level)
	assert.Equal(t, "linux", rule.Logsource.Product)
	assert.Equal(t, []string{"selection"}, rule.SelectionOrder)
	assert.Empty(t, rule.Unresolved)

	sel := rule.Selections["selection"]
	require.Len(t, sel.Alternatives, 1)
	require.Len(t, sel.Alternatives[0], 2)
	assert.Equal(t, "category", sel.Alternatives[0][0].Field)
	assert.Equal(t, ModifierNone, sel.Alternatives[0][0].Modifier)
	assert.Equal(t, "description", sel.Alternatives[0][1].Field)
	assert.Equal(t, ModifierContains, sel.Alternatives[0][1].Modifier)
}

func TestParse_IDFromTitle(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Brute Force", "brute-force"},
		{"  SSH: root login (remote)! ", "ssh-root-login-remote"},
		{"C2 beacon to 45.155.205.233", "c2-beacon-to-45-155-205-233"},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			input := "title: \"" + tt.title + "\"\nlevel: high\ndetection:\n  selection:\n    category: authentication\n  condition: selection\n"
			rule, err := Parse([]byte(input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, rule.ID)
			assert.Equal(t, model.SeverityHigh, rule.Level)
		})
	}
}

func TestParse_InvalidInputs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{name: "empty", input: "", field: "title"},
		{name: "not a mapping", input: "- a\n- b\n", field: "yaml"},
		{name: "garbage", input: ":::\n\t::", field: "yaml"},
		{name: "scalar document", input: "just some text", field: "yaml"},
		{
			name:  "missing title",
			input: "id: r1\nlevel: low\ndetection:\n  sel:\n    category: x\n  condition: sel\n",
			field: "title",
		},
		{
			name:  "missing level",
			input: "id: r1\ntitle: t\ndetection:\n  sel:\n    category: x\n  condition: sel\n",
			field: "level",
		},
		{
			name:  "unknown level",
			input: "id: r1\ntitle: t\nlevel: severe\ndetection:\n  sel:\n    category: x\n  condition: sel\n",
			field: "level",
		},
		{
			name:  "missing detection",
			input: "id: r1\ntitle: t\nlevel: low\n",
			field: "detection",
		},
		{
			name:  "detection is a list",
			input: "id: r1\ntitle: t\nlevel: low\ndetection: [a, b]\n",
			field: "detection",
		},
		{
			name:  "missing condition",
			input: "id: r1\ntitle: t\nlevel: low\ndetection:\n  sel:\n    category: x\n",
			field: "detection.condition",
		},
		{
			name:  "no selections",
			input: "id: r1\ntitle: t\nlevel: low\ndetection:\n  condition: sel\n",
			field: "detection",
		},
		{
			name:  "unknown modifier",
			input: "id: r1\ntitle: t\nlevel: low\ndetection:\n  sel:\n    description|re: x.*\n  condition: sel\n",
			field: "detection.sel.description|re",
		},
		{
			name:  "unbalanced condition",
			input: "id: r1\ntitle: t\nlevel: low\ndetection:\n  sel:\n    category: x\n  condition: (sel and\n",
			field: "detection.condition",
		},
		{
			name:  "nested value map",
			input: "id: r1\ntitle: t\nlevel: low\ndetection:\n  sel:\n    category:\n      a: b\n  condition: sel\n",
			field: "detection.sel.category",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rule *Rule
			var err error
			require.NotPanics(t, func() {
				rule, err = Parse([]byte(tt.input))
			})
			assert.Nil(t, rule)
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestParse_SelectionForms(t *testing.T) {
	input := `
id: forms
title: Selection forms
level: medium
detection:
  keywords:
    - mimikatz
    - sekurlsa
  alternatives:
    - process: nc
    - process: ncat
  ports:
    remotePort:
      - 4444
      - 1337
  empty_user:
    user: null
  condition:
    - keywords
    - alternatives and ports
`
	rule, err := Parse([]byte(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"keywords", "alternatives", "ports", "empty_user"}, rule.SelectionOrder)
	assert.Equal(t, []string{"mimikatz", "sekurlsa"}, rule.Selections["keywords"].Keywords)
	assert.Len(t, rule.Selections["alternatives"].Alternatives, 2)
	assert.Equal(t, []string{"4444", "1337"}, rule.Selections["ports"].Alternatives[0][0].Values)
	assert.True(t, rule.Selections["empty_user"].Alternatives[0][0].MatchNull)
	assert.Equal(t, "(keywords) or (alternatives and ports)", rule.Condition)
}

func TestParse_UnresolvedSelections(t *testing.T) {
	input := `
id: dangling
title: Dangling reference
level: low
detection:
  selection:
    category: authentication
  condition: selection and not filter and 1 of helper_*
`
	rule, err := Parse([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"filter", "helper_*"}, rule.Unresolved)
}
