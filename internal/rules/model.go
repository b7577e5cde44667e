package rules

import (
	"github.com/panguard-ai/panguard-guard/internal/model"
)

// Rule is a parsed Sigma-style detection rule
type Rule struct {
	ID          string
	Title       string
	Description string
	Status      string
	Level       model.Severity
	Tags        []string
	Logsource   Logsource

	// Selections keyed by name; SelectionOrder keeps document order
	Selections     map[string]*Selection
	SelectionOrder []string
	Condition      string

	// Unresolved lists selection references in the condition with no definition
	Unresolved []string
	SourceFile string

	cond node
}

// Logsource is informational only; matching does not consult it
type Logsource struct {
	Product  string `yaml:"product,omitempty"`
	Category string `yaml:"category,omitempty"`
	Service  string `yaml:"service,omitempty"`
}

// Modifier alters how a field value is compared
type Modifier string

const (
	ModifierNone       Modifier = ""
	ModifierContains   Modifier = "contains"
	ModifierStartsWith Modifier = "startswith"
	ModifierEndsWith   Modifier = "endswith"
)

// FieldMatcher tests one event field against a list of alternative values
type FieldMatcher struct {
	Field    string
	Modifier Modifier
	Values   []string
	// MatchNull is set for a YAML null value: the field must be absent or empty
	MatchNull bool
}

// Selection is a named group of field matchers.
// Alternatives are OR-ed; matchers inside one alternative are AND-ed.
// Keywords match as case-insensitive substrings of the event description.
type Selection struct {
	Name         string
	Alternatives [][]FieldMatcher
	Keywords     []string
}

// ValidationError represents a rule validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
