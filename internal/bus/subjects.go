package bus

import "github.com/panguard-ai/panguard-guard/internal/model"

// Subjects derives every bus subject from one prefix
type Subjects struct {
	Prefix string
}

func (s Subjects) Events() string               { return s.Prefix + ".events" }
func (s Subjects) Threats() string              { return s.Prefix + ".threats" }
func (s Subjects) Verdicts() string             { return s.Prefix + ".verdicts" }
func (s Subjects) ConfirmationRequests() string { return s.Prefix + ".confirmations.request" }
func (s Subjects) ConfirmationReplies() string  { return s.Prefix + ".confirmations.reply" }
func (s Subjects) EngineErrors() string         { return s.Prefix + ".engine.errors" }
func (s Subjects) Heartbeat() string            { return s.Prefix + ".heartbeat" }

// Join scopes a relative subject such as "adapters.alerts" under the prefix
func (s Subjects) Join(suffix string) string {
	return s.Prefix + "." + suffix
}

// Response returns the subject a response executor listens on for action
func (s Subjects) Response(action model.Action) string {
	return s.Prefix + ".response." + string(action)
}
