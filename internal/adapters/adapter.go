package adapters

import (
	"context"
	"strings"
	"time"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

// Alert is a finding reported by an external security product
type Alert struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Severity    string         `json:"severity"`
	Category    string         `json:"category,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	RemoteAddr  string         `json:"remote_addr,omitempty"`
	ProcessName string         `json:"process_name,omitempty"`
	PID         int            `json:"pid,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Adapter is the contract the core relies on for vendor integrations
type Adapter interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	// GetAlerts returns pending alerts. Adapters that drain a buffer return
	// everything buffered; adapters that query a history use since as a lower bound.
	GetAlerts(ctx context.Context, since time.Time) ([]Alert, error)
}

// ToEvent normalizes an alert into a security event. The event source is
// the alert's product name, so falco and suricata alerts become sensor events.
func ToEvent(a Alert) model.SecurityEvent {
	severity, err := model.ParseSeverity(a.Severity)
	if err != nil {
		severity = model.SeverityMedium
	}

	category := a.Category
	if category == "" {
		category = "adapter_alert"
	}

	description := a.Title
	if a.Description != "" {
		description = a.Title + ": " + a.Description
	}

	md := make(map[string]any, len(a.Metadata)+5)
	for k, v := range a.Metadata {
		md[k] = v
	}
	md["alertId"] = a.ID
	md["signature"] = a.Title
	if a.RemoteAddr != "" {
		md["remoteAddr"] = a.RemoteAddr
	}
	if a.ProcessName != "" {
		md["processName"] = a.ProcessName
	}
	if a.PID > 0 {
		md["pid"] = a.PID
	}

	ev := model.NewEvent(model.Source(strings.ToLower(a.Source)), severity, category, description, md)
	if !a.Timestamp.IsZero() {
		ev.Timestamp = a.Timestamp.UTC()
	}
	ev.Raw = a
	return ev
}
