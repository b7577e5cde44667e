package rules

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

// Engine holds the active rule set. The set is replaced atomically so
// matching never observes a partially loaded directory.
type Engine struct {
	mu     sync.RWMutex
	rules  []*Rule
	logger *slog.Logger
}

// NewEngine creates an empty rule engine
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Replace swaps in a new rule set, ordered by rule ID
func (e *Engine) Replace(rules []*Rule) {
	sorted := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r == nil {
			continue
		}
		if len(r.Unresolved) > 0 {
			e.logger.Warn("Rule condition references undefined selections",
				"rule_id", r.ID,
				"selections", r.Unresolved,
				"file", r.SourceFile)
		}
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()

	e.logger.Info("Rule set replaced", "rules", len(sorted))
}

// Rules returns a copy of the active rule set
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Len returns the number of active rules
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Match evaluates every active rule against the event
func (e *Engine) Match(event model.SecurityEvent) []model.RuleMatch {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var matches []model.RuleMatch
	for _, r := range rules {
		if m, ok := Match(r, event); ok {
			matches = append(matches, m)
		}
	}
	return matches
}
