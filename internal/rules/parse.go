package rules

import (
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

type rawRule struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Status      string    `yaml:"status"`
	Level       string    `yaml:"level"`
	Tags        []string  `yaml:"tags"`
	Logsource   Logsource `yaml:"logsource"`
	Detection   yaml.Node `yaml:"detection"`
}

// Parse converts rule text into a Rule. Any structural problem yields a
// *ValidationError and no rule; partial rules are never returned.
func Parse(data []byte) (*Rule, error) {
	var raw rawRule
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Field: "yaml", Message: err.Error()}
	}

	if strings.TrimSpace(raw.Title) == "" {
		return nil, &ValidationError{Field: "title", Message: "rule title is required"}
	}
	if strings.TrimSpace(raw.ID) == "" {
		raw.ID = slugify(raw.Title)
	}
	level, err := model.ParseSeverity(raw.Level)
	if err != nil {
		return nil, &ValidationError{Field: "level", Message: "invalid level, must be informational/low/medium/high/critical"}
	}

	rule := &Rule{
		ID:          raw.ID,
		Title:       raw.Title,
		Description: raw.Description,
		Status:      raw.Status,
		Level:       level,
		Tags:        raw.Tags,
		Logsource:   raw.Logsource,
		Selections:  make(map[string]*Selection),
	}

	if err := parseDetection(rule, &raw.Detection); err != nil {
		return nil, err
	}

	cond, err := parseCondition(rule.Condition)
	if err != nil {
		return nil, &ValidationError{Field: "detection.condition", Message: err.Error()}
	}
	rule.cond = cond
	rule.Unresolved = unresolvedRefs(cond, rule)

	return rule, nil
}

// slugify derives a rule id from its title: lowercase alphanumerics joined by '-'
func slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func parseDetection(rule *Rule, det *yaml.Node) error {
	if det.Kind != yaml.MappingNode {
		return &ValidationError{Field: "detection", Message: "detection must be a mapping"}
	}

	for i := 0; i+1 < len(det.Content); i += 2 {
		key, value := det.Content[i], det.Content[i+1]
		name := key.Value

		switch name {
		case "condition":
			cond, err := conditionText(value)
			if err != nil {
				return err
			}
			rule.Condition = cond
		case "timeframe":
			// correlation windows are not evaluated
		default:
			sel, err := parseSelection(name, value)
			if err != nil {
				return err
			}
			if _, dup := rule.Selections[name]; !dup {
				rule.SelectionOrder = append(rule.SelectionOrder, name)
			}
			rule.Selections[name] = sel
		}
	}

	if strings.TrimSpace(rule.Condition) == "" {
		return &ValidationError{Field: "detection.condition", Message: "condition is required"}
	}
	if len(rule.Selections) == 0 {
		return &ValidationError{Field: "detection", Message: "at least one selection is required"}
	}
	return nil
}

// conditionText accepts a single expression or a list, which is OR-ed
func conditionText(n *yaml.Node) (string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value, nil
	case yaml.SequenceNode:
		parts := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return "", &ValidationError{Field: "detection.condition", Message: "condition list must contain strings"}
			}
			parts = append(parts, "("+c.Value+")")
		}
		return strings.Join(parts, " or "), nil
	default:
		return "", &ValidationError{Field: "detection.condition", Message: "condition must be a string"}
	}
}

func parseSelection(name string, n *yaml.Node) (*Selection, error) {
	sel := &Selection{Name: name}
	field := "detection." + name

	switch n.Kind {
	case yaml.MappingNode:
		group, err := parseFieldGroup(field, n)
		if err != nil {
			return nil, err
		}
		sel.Alternatives = [][]FieldMatcher{group}
	case yaml.SequenceNode:
		if len(n.Content) == 0 {
			return nil, &ValidationError{Field: field, Message: "selection list is empty"}
		}
		for _, item := range n.Content {
			switch item.Kind {
			case yaml.MappingNode:
				if len(sel.Keywords) > 0 {
					return nil, &ValidationError{Field: field, Message: "cannot mix keywords and field maps"}
				}
				group, err := parseFieldGroup(field, item)
				if err != nil {
					return nil, err
				}
				sel.Alternatives = append(sel.Alternatives, group)
			case yaml.ScalarNode:
				if len(sel.Alternatives) > 0 {
					return nil, &ValidationError{Field: field, Message: "cannot mix keywords and field maps"}
				}
				sel.Keywords = append(sel.Keywords, item.Value)
			default:
				return nil, &ValidationError{Field: field, Message: "unsupported selection item"}
			}
		}
	default:
		return nil, &ValidationError{Field: field, Message: "selection must be a mapping or a list"}
	}

	return sel, nil
}

func parseFieldGroup(path string, n *yaml.Node) ([]FieldMatcher, error) {
	if len(n.Content) == 0 {
		return nil, &ValidationError{Field: path, Message: "selection has no fields"}
	}

	group := make([]FieldMatcher, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		fm, err := parseFieldMatcher(path, key.Value, value)
		if err != nil {
			return nil, err
		}
		group = append(group, fm)
	}
	return group, nil
}

func parseFieldMatcher(path, key string, value *yaml.Node) (FieldMatcher, error) {
	parts := strings.Split(key, "|")
	fm := FieldMatcher{Field: strings.TrimSpace(parts[0])}
	if fm.Field == "" {
		return fm, &ValidationError{Field: path, Message: "empty field name"}
	}

	if len(parts) > 2 {
		return fm, &ValidationError{Field: path + "." + key, Message: "only one modifier is supported"}
	}
	if len(parts) == 2 {
		switch mod := Modifier(strings.ToLower(strings.TrimSpace(parts[1]))); mod {
		case ModifierContains, ModifierStartsWith, ModifierEndsWith:
			fm.Modifier = mod
		default:
			return fm, &ValidationError{Field: path + "." + key, Message: fmt.Sprintf("unsupported modifier %q", parts[1])}
		}
	}

	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			fm.MatchNull = true
		} else {
			fm.Values = []string{value.Value}
		}
	case yaml.SequenceNode:
		for _, v := range value.Content {
			if v.Kind != yaml.ScalarNode {
				return fm, &ValidationError{Field: path + "." + key, Message: "values must be scalars"}
			}
			fm.Values = append(fm.Values, v.Value)
		}
		if len(fm.Values) == 0 {
			return fm, &ValidationError{Field: path + "." + key, Message: "value list is empty"}
		}
	default:
		return fm, &ValidationError{Field: path + "." + key, Message: "value must be a scalar or a list"}
	}

	return fm, nil
}
