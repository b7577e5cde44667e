package guard

import (
	"context"
	"errors"
	"time"

	"github.com/panguard-ai/panguard-guard/internal/baseline"
	"github.com/panguard-ai/panguard-guard/internal/model"
	"github.com/panguard-ai/panguard-guard/internal/monitor"
)

var (
	// ErrNotRunning is returned for operations that need a running engine
	ErrNotRunning = errors.New("guard engine is not running")
	// ErrUnknownConfirmation is returned when a confirmation id is not pending
	ErrUnknownConfirmation = errors.New("unknown or expired confirmation")
)

// MonitorLayer is the event source the engine drives
type MonitorLayer interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan model.SecurityEvent
	Threats() <-chan monitor.ThreatNotification
	Errors() <-chan *monitor.ObserverError
}

// Notifier receives everything the engine surfaces to humans and downstream systems
type Notifier interface {
	PublishEvent(event model.SecurityEvent) error
	PublishThreat(threat monitor.ThreatNotification) error
	PublishVerdict(verdict model.ThreatVerdict) error
	RequestConfirmation(c Confirmation) error
	PublishEngineError(e EngineError) error
}

// Executor carries out response actions
type Executor interface {
	Execute(ctx context.Context, r Response) error
}

// BaselineStore loads the baseline at start and saves it at checkpoints
type BaselineStore interface {
	Load() (*baseline.Baseline, error)
	Save(b *baseline.Baseline) error
}

// Response is an action the engine asks the executor to perform
type Response struct {
	ID        string       `json:"id"`
	Action    model.Action `json:"action"`
	Target    string       `json:"target,omitempty"`
	Host      string       `json:"host"`
	EventID   string       `json:"event_id"`
	VerdictID string       `json:"verdict_id"`
	Reason    string       `json:"reason"`
	Tier      Tier         `json:"tier"`
	IssuedAt  time.Time    `json:"issued_at"`
}

// Confirmation is a deferred action awaiting a human decision
type Confirmation struct {
	ID        string              `json:"id"`
	Verdict   model.ThreatVerdict `json:"verdict"`
	Event     model.SecurityEvent `json:"event"`
	Action    model.Action        `json:"action"`
	Target    string              `json:"target,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// EngineError is an error surfaced on the engine's own stream
type EngineError struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Fatal     bool      `json:"fatal"`
	Time      time.Time `json:"time"`
}

// Counters are running totals since the engine was created
type Counters struct {
	Events         uint64 `json:"events"`
	Threats        uint64 `json:"threats"`
	Verdicts       uint64 `json:"verdicts"`
	AutoResponses  uint64 `json:"auto_responses"`
	Confirmations  uint64 `json:"confirmations"`
	Approved       uint64 `json:"approved"`
	Rejected       uint64 `json:"rejected"`
	Expired        uint64 `json:"expired"`
	LoggedOnly     uint64 `json:"logged_only"`
	ObserverErrors uint64 `json:"observer_errors"`
	ActionFailures uint64 `json:"action_failures"`
}

// Status is a point-in-time view of the engine
type Status struct {
	State     State           `json:"state"`
	Mode      string          `json:"mode"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	Counters  Counters        `json:"counters"`
	Pending   int             `json:"pending_confirmations"`
	Baseline  *baseline.Stats `json:"baseline,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// responseTarget picks what an action applies to
func responseTarget(action model.Action, event model.SecurityEvent) string {
	switch action {
	case model.ActionBlockIP:
		for _, key := range []string{"remoteAddr", "sourceIP"} {
			if v, ok := event.MetaString(key); ok && v != "" {
				return v
			}
		}
	case model.ActionKillProcess:
		if v, ok := event.MetaString("pid"); ok {
			return v
		}
	}
	return ""
}
