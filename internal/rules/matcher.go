package rules

import (
	"strings"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

type selectionResult struct {
	matched bool
	fields  []string
}

// evalContext memoizes selection results for one rule against one event
type evalContext struct {
	rule  *Rule
	event model.SecurityEvent
	cache map[string]selectionResult
}

func (ec *evalContext) selection(name string) (bool, []string) {
	if res, ok := ec.cache[name]; ok {
		return res.matched, res.fields
	}

	sel, ok := ec.rule.Selections[name]
	if !ok {
		ec.cache[name] = selectionResult{}
		return false, nil
	}

	matched, fields := matchSelection(sel, ec.event)
	ec.cache[name] = selectionResult{matched: matched, fields: fields}
	return matched, fields
}

// Match evaluates a rule against an event. Matching is re-evaluated on
// every call and has no side effects.
func Match(rule *Rule, event model.SecurityEvent) (model.RuleMatch, bool) {
	if rule == nil || rule.cond == nil {
		return model.RuleMatch{}, false
	}

	ec := &evalContext{
		rule:  rule,
		event: event,
		cache: make(map[string]selectionResult, len(rule.Selections)),
	}

	ok, fields := rule.cond.eval(ec)
	if !ok {
		return model.RuleMatch{}, false
	}

	return model.RuleMatch{
		RuleID:        rule.ID,
		RuleName:      rule.Title,
		Severity:      rule.Level,
		MatchedFields: dedupe(fields),
		Tags:          rule.Tags,
	}, true
}

func matchSelection(sel *Selection, event model.SecurityEvent) (bool, []string) {
	if len(sel.Keywords) > 0 {
		for _, kw := range sel.Keywords {
			if matchValue(event.Description, kw, ModifierContains) {
				return true, []string{"description"}
			}
		}
		return false, nil
	}

	for _, group := range sel.Alternatives {
		if matchGroup(group, event) {
			fields := make([]string, 0, len(group))
			for _, fm := range group {
				fields = append(fields, fm.Field)
			}
			return true, fields
		}
	}
	return false, nil
}

func matchGroup(group []FieldMatcher, event model.SecurityEvent) bool {
	for _, fm := range group {
		if !matchField(fm, event) {
			return false
		}
	}
	return true
}

func matchField(fm FieldMatcher, event model.SecurityEvent) bool {
	actual, present := fieldValue(event, fm.Field)
	if fm.MatchNull {
		return !present || actual == ""
	}
	if !present {
		return false
	}

	for _, want := range fm.Values {
		if matchValue(actual, want, fm.Modifier) {
			return true
		}
	}
	return false
}

// fieldValue resolves category and description from the event itself and
// every other name from metadata
func fieldValue(event model.SecurityEvent, field string) (string, bool) {
	switch field {
	case "category":
		return event.Category, true
	case "description":
		return event.Description, true
	default:
		return event.MetaString(field)
	}
}

func matchValue(actual, want string, mod Modifier) bool {
	switch mod {
	case ModifierContains:
		if strings.Contains(want, "*") {
			return wildcardMatch("*"+want+"*", actual)
		}
		return strings.Contains(strings.ToLower(actual), strings.ToLower(want))
	case ModifierStartsWith:
		if strings.Contains(want, "*") {
			return wildcardMatch(want+"*", actual)
		}
		return strings.HasPrefix(strings.ToLower(actual), strings.ToLower(want))
	case ModifierEndsWith:
		if strings.Contains(want, "*") {
			return wildcardMatch("*"+want, actual)
		}
		return strings.HasSuffix(strings.ToLower(actual), strings.ToLower(want))
	default:
		if strings.Contains(want, "*") {
			return wildcardMatch(want, actual)
		}
		return actual == want
	}
}

// wildcardMatch reports whether s matches pattern in full, where '*'
// matches any run of characters. Comparison is case-insensitive.
func wildcardMatch(pattern, s string) bool {
	p := []rune(strings.ToLower(pattern))
	v := []rune(strings.ToLower(s))

	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = vi
			pi++
		case pi < len(p) && p[pi] == v[vi]:
			pi++
			vi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

func dedupe(fields []string) []string {
	out := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
