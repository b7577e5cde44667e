package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panguard-ai/panguard-guard/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestLogger_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.HostID = "host-001"

	l := newLogger(&buf, cfg)
	l.WithComponent("monitor").Info("observer ready", "observer", "network")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "host-001", line["host_id"])
	assert.Equal(t, "panguard-guard", line["service"])
	assert.Equal(t, "monitor", line["component"])
	assert.Equal(t, "network", line["observer"])
}

func TestLogger_EventLevels(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.LogLevel = "warn"

	l := newLogger(&buf, cfg)
	l.LogObserverEvent("observer_started", "log")
	assert.Zero(t, buf.Len(), "info events are filtered at warn")

	l.LogObserverEvent("observer_error", "log", "error", "exit status 1")
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}

func TestLogger_VerdictAndActionLevels(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.LogLevel = "warn"

	l := newLogger(&buf, cfg)
	l.LogVerdict("suspicious", 54)
	l.LogAction("notify_and_wait", "notify")
	assert.Zero(t, buf.Len())

	l.LogVerdict("malicious", 91, "event_id", "e-1")
	assert.Contains(t, buf.String(), `"conclusion":"malicious"`)
	buf.Reset()

	l.LogAction("auto_respond", "block_ip")
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}
