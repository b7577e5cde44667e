package model

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies the observer or adapter an event came from
type Source string

const (
	SourceLog      Source = "log"
	SourceNetwork  Source = "network"
	SourceProcess  Source = "process"
	SourceFile     Source = "file"
	SourceFalco    Source = "falco"
	SourceSuricata Source = "suricata"
)

// IsNetworkLike reports whether responses to this source target a remote address
func (s Source) IsNetworkLike() bool {
	return s == SourceNetwork || s == SourceSuricata
}

// IsProcessLike reports whether responses to this source target a local process
func (s Source) IsProcessLike() bool {
	return s == SourceProcess || s == SourceFalco
}

// IsSensor reports whether the source is a kernel/packet sensor adapter
func (s Source) IsSensor() bool {
	return s == SourceFalco || s == SourceSuricata
}

// Severity is the ordered severity scale shared by events, rules and verdicts
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity accepts the severity names used by Sigma-style rules and adapters
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "informational":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Rank returns the ordinal of the severity, -1 when unknown
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or above other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// SecurityEvent is a normalized observation from any observer or adapter.
// Events are values; Metadata must not be mutated after the event is emitted.
type SecurityEvent struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      Source         `json:"source"`
	Severity    Severity       `json:"severity"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	Raw         any            `json:"raw,omitempty"`
	Host        string         `json:"host"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}()

// NewEvent creates an event stamped with a fresh id, the current time and the local hostname
func NewEvent(source Source, severity Severity, category, description string, metadata map[string]any) SecurityEvent {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return SecurityEvent{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Source:      source,
		Severity:    severity,
		Category:    category,
		Description: description,
		Host:        hostname,
		Metadata:    md,
	}
}

// MetaString returns a metadata value rendered as a string
func (e SecurityEvent) MetaString(key string) (string, bool) {
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}
