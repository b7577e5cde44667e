package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/panguard-ai/panguard-guard/internal/config"
)

// Logger provides structured logging with systemd integration
type Logger struct {
	*slog.Logger
}

// NewLogger creates a JSON logger bound to the host and service
func NewLogger(cfg *config.Config) *Logger {
	var output io.Writer = os.Stdout
	if isSystemd() {
		// journald captures stderr
		output = os.Stderr
	}
	return newLogger(output, cfg)
}

func newLogger(output io.Writer, cfg *config.Config) *Logger {
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level:     ParseLevel(cfg.LogLevel),
		AddSource: ParseLevel(cfg.LogLevel) == slog.LevelDebug,
	})

	return &Logger{
		Logger: slog.New(handler).With(
			"host_id", cfg.HostID,
			"service", "panguard-guard",
		),
	}
}

// WithComponent returns a logger scoped to a component
func (l *Logger) WithComponent(name string) *slog.Logger {
	return l.Logger.With("component", name)
}

// ParseLevel parses a log level string
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isSystemd checks if running under systemd
func isSystemd() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("NOTIFY_SOCKET") != ""
}

// LogEngineEvent logs guard engine lifecycle events
func (l *Logger) LogEngineEvent(event string, additional ...any) {
	args := append([]any{"event", event}, additional...)

	switch event {
	case "engine_started", "engine_stopped", "mode_changed":
		l.Info("Guard engine event", args...)
	case "engine_error":
		l.Error("Guard engine error", args...)
	case "baseline_saved":
		l.Debug("Guard engine event", args...)
	default:
		l.Info("Guard engine event", args...)
	}
}

// LogObserverEvent logs monitor layer events
func (l *Logger) LogObserverEvent(event, observer string, additional ...any) {
	args := append([]any{"event", event, "observer", observer}, additional...)

	switch event {
	case "observer_started", "observer_stopped":
		l.Info("Observer event", args...)
	case "observer_restarted":
		l.Warn("Observer restarted", args...)
	case "observer_error":
		l.Error("Observer error", args...)
	default:
		l.Debug("Observer event", args...)
	}
}

// LogVerdict logs an analysis verdict at a level matching its conclusion
func (l *Logger) LogVerdict(conclusion string, confidence int, additional ...any) {
	args := append([]any{"conclusion", conclusion, "confidence", confidence}, additional...)

	switch conclusion {
	case "malicious":
		l.Warn("Threat verdict", args...)
	case "suspicious":
		l.Info("Threat verdict", args...)
	default:
		l.Debug("Threat verdict", args...)
	}
}

// LogAction logs an action policy decision
func (l *Logger) LogAction(tier, action string, additional ...any) {
	args := append([]any{"tier", tier, "action", action}, additional...)

	switch tier {
	case "auto_respond":
		l.Warn("Response action executed", args...)
	case "notify_and_wait":
		l.Info("Confirmation requested", args...)
	default:
		l.Debug("Action policy decision", args...)
	}
}
