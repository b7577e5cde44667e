package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

// Log source labels recorded in event metadata
const (
	LogSourceJournald     = "journald"
	LogSourceSyslog       = "syslog"
	LogSourceUnifiedLog   = "unified_log"
	LogSourceWindowsEvent = "windows_event"
	LogSourceCustom       = "custom"
)

const windowsEventScript = `$last = Get-Date; while ($true) { Start-Sleep -Seconds 2; $now = Get-Date; ` +
	`Get-WinEvent -FilterHashtable @{LogName='Security','System'; StartTime=$last} -ErrorAction SilentlyContinue | ` +
	`ForEach-Object { $_ | Select-Object TimeCreated,Id,ProviderName,LevelDisplayName,Message | ConvertTo-Json -Compress }; $last = $now }`

// LogObserver tails the platform system log through a child process
type LogObserver struct {
	base
	command []string
	files   []string
	grace   time.Duration
	sub     *subprocess
}

// NewLogObserver creates a log observer. A non-empty command replaces the
// platform default; files feed the tail fallback.
func NewLogObserver(command, files []string, grace time.Duration, logger *slog.Logger) *LogObserver {
	return &LogObserver{
		base:    newBase("log", logger),
		command: command,
		files:   files,
		grace:   grace,
	}
}

// platformCommand picks the log streaming command for this OS
func (o *LogObserver) platformCommand() (string, []string, string) {
	if len(o.command) > 0 {
		return o.command[0], o.command[1:], LogSourceCustom
	}

	switch runtime.GOOS {
	case "darwin":
		return "log", []string{"stream", "--style", "ndjson"}, LogSourceUnifiedLog
	case "windows":
		return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", windowsEventScript}, LogSourceWindowsEvent
	default:
		if _, err := exec.LookPath("journalctl"); err == nil {
			return "journalctl", []string{"-f", "-o", "json", "-n", "0"}, LogSourceJournald
		}
		args := append([]string{"-F", "-n", "0"}, o.files...)
		return "tail", args, LogSourceSyslog
	}
}

// Start spawns the log stream
func (o *LogObserver) Start(ctx context.Context) error {
	runCtx, ok := o.begin(ctx)
	if !ok {
		o.logger.Warn("Log observer already running")
		return nil
	}

	name, args, label := o.platformCommand()
	sub, err := startSubprocess(name, args, o.grace)
	if err != nil {
		o.end(nil)
		return &ObserverError{Observer: o.name, Err: err, Fatal: true}
	}
	o.sub = sub

	events, errs := o.channels()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		readErr := sub.lines(func(line string) {
			if runCtx.Err() != nil {
				return
			}
			if ev, ok := ParseLogLine(line, label); ok {
				o.emit(runCtx, events, ev)
			}
		})

		<-sub.exited()
		if sub.expected() {
			return
		}
		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			o.fail(runCtx, errs, fmt.Errorf("log stream read failed: %w", readErr), true)
			return
		}
		o.fail(runCtx, errs, fmt.Errorf("log source %s exited: %v", name, sub.waitErr), true)
	}()

	o.logger.Info("Log observer started", "command", name, "log_source", label)
	return nil
}

// Stop terminates the log stream
func (o *LogObserver) Stop() error {
	stopped := o.end(func() {
		if o.sub != nil {
			o.sub.stop()
		}
	})
	if !stopped {
		o.logger.Warn("Log observer already stopped")
		return nil
	}
	o.sub = nil
	o.logger.Info("Log observer stopped")
	return nil
}

var (
	fromIPPattern = regexp.MustCompile(`\bfrom\s+\[?([0-9A-Fa-f:.]+)\]?`)
	userPattern   = regexp.MustCompile(`\b(?:for(?: invalid user)?|user)\s+([A-Za-z0-9._-]+)`)
)

type logClass struct {
	category string
	severity model.Severity
	markers  []string
	eventIDs []int
}

// classes are checked in order; the first match wins
var logClasses = []logClass{
	{
		category: "authentication",
		severity: model.SeverityMedium,
		markers:  []string{"failed password", "authentication failure", "failed login", "login failed", "invalid user", "failed publickey"},
		eventIDs: []int{4625, 4771},
	},
	{
		category: "authentication",
		severity: model.SeverityInfo,
		markers:  []string{"accepted password", "accepted publickey", "session opened", "successful login"},
		eventIDs: []int{4624},
	},
	{
		category: "privilege_escalation",
		severity: model.SeverityLow,
		markers:  []string{"sudo:", "su:", "su[", "privilege", "setuid"},
		eventIDs: []int{4672, 4673},
	},
}

// ParseLogLine normalizes one line of log output. JSON records from
// journald, unified log or PowerShell are unpacked; anything else is kept
// as plain text. Empty lines yield no event.
func ParseLogLine(line, logSource string) (model.SecurityEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.SecurityEvent{}, false
	}

	md := map[string]any{"logSource": logSource}
	message := line
	eventID := 0

	if strings.HasPrefix(line, "{") {
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err == nil {
			md["structured"] = true
			if m := firstString(record, "MESSAGE", "eventMessage", "Message", "message"); m != "" {
				message = m
			}
			if p := firstString(record, "SYSLOG_IDENTIFIER", "_COMM", "processImagePath", "ProviderName"); p != "" {
				md["process"] = p
			}
			if id, ok := record["Id"].(float64); ok {
				eventID = int(id)
				md["eventId"] = eventID
			}
		}
	}

	category, severity := classify(message, eventID)

	if m := fromIPPattern.FindStringSubmatch(message); m != nil {
		if ip := net.ParseIP(strings.TrimSuffix(m[1], ".")); ip != nil {
			md["sourceIP"] = ip.String()
		}
	}
	if m := userPattern.FindStringSubmatch(message); m != nil {
		md["user"] = m[1]
	}

	ev := model.NewEvent(model.SourceLog, severity, category, message, md)
	ev.Raw = line
	return ev, true
}

func classify(message string, eventID int) (string, model.Severity) {
	lower := strings.ToLower(message)
	for _, c := range logClasses {
		for _, id := range c.eventIDs {
			if eventID == id {
				return c.category, c.severity
			}
		}
		for _, marker := range c.markers {
			if strings.Contains(lower, marker) {
				return c.category, c.severity
			}
		}
	}
	return "system", model.SeverityInfo
}

func firstString(record map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := record[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
