package analysis

import (
	"context"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

// AIAnalysis is the result of an AI reasoning request
type AIAnalysis struct {
	Summary         string   `json:"summary"`
	Confidence      float64  `json:"confidence"` // 0..1
	Severity        string   `json:"severity"`
	Recommendations []string `json:"recommendations"`
}

// Classification maps an event to an ATT&CK technique
type Classification struct {
	Technique string `json:"technique,omitempty"`
	Tactic    string `json:"tactic,omitempty"`
}

// AIProvider is an optional reasoning backend. Any error is treated as
// "no AI evidence" for the event being analyzed.
type AIProvider interface {
	IsAvailable(ctx context.Context) bool
	Analyze(ctx context.Context, prompt string) (*AIAnalysis, error)
	Classify(ctx context.Context, event model.SecurityEvent) (*Classification, error)
}
