package bus

import (
	"context"
	"log/slog"

	"github.com/panguard-ai/panguard-guard/internal/guard"
	"github.com/panguard-ai/panguard-guard/internal/model"
	"github.com/panguard-ai/panguard-guard/internal/monitor"
)

// LogSink stands in for the bus when NATS is disabled. Everything is
// written to the log; response actions are recorded but not carried out.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-only notifier and executor
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) PublishEvent(event model.SecurityEvent) error {
	s.logger.Debug("Security event", "event_id", event.ID, "source", event.Source, "category", event.Category)
	return nil
}

func (s *LogSink) PublishThreat(threat monitor.ThreatNotification) error {
	s.logger.Warn("Threat intel match", "indicator", threat.Indicator, "threat", threat.Entry.Threat)
	return nil
}

func (s *LogSink) PublishVerdict(verdict model.ThreatVerdict) error {
	s.logger.Debug("Verdict", "verdict_id", verdict.ID, "conclusion", verdict.Conclusion, "confidence", verdict.Confidence)
	return nil
}

func (s *LogSink) RequestConfirmation(c guard.Confirmation) error {
	s.logger.Warn("Confirmation required",
		"confirmation_id", c.ID,
		"action", c.Action,
		"target", c.Target,
		"confidence", c.Verdict.Confidence,
		"expires_at", c.ExpiresAt)
	return nil
}

func (s *LogSink) PublishEngineError(e guard.EngineError) error {
	s.logger.Error("Engine error", "component", e.Component, "error", e.Message, "fatal", e.Fatal)
	return nil
}

func (s *LogSink) Execute(ctx context.Context, r guard.Response) error {
	s.logger.Warn("Response action (no executor attached)",
		"response_id", r.ID,
		"action", r.Action,
		"target", r.Target,
		"tier", r.Tier)
	return nil
}
