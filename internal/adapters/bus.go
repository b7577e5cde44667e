package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/panguard-ai/panguard-guard/internal/metrics"
)

const alertSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source", "severity", "title", "timestamp"],
  "properties": {
    "id":           {"type": "string"},
    "source":       {"type": "string", "minLength": 1},
    "severity":     {"type": "string", "enum": ["info", "informational", "low", "medium", "high", "critical"]},
    "category":     {"type": "string"},
    "title":        {"type": "string", "minLength": 1},
    "description":  {"type": "string"},
    "timestamp":    {"type": "string", "minLength": 1},
    "remote_addr":  {"type": "string"},
    "process_name": {"type": "string"},
    "pid":          {"type": "integer", "minimum": 0},
    "metadata":     {"type": "object"}
  }
}`

// BusAdapter collects alerts that local sensor bridges (falco, suricata,
// vendor AV) publish on NATS and serves them through the Adapter contract
type BusAdapter struct {
	nc         *nats.Conn
	subject    string
	schema     *jsonschema.Schema
	bufferSize int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu     sync.Mutex
	alerts []Alert
	sub    *nats.Subscription
}

// NewBusAdapter compiles the alert schema and prepares the adapter
func NewBusAdapter(nc *nats.Conn, subject string, bufferSize int, m *metrics.Metrics, logger *slog.Logger) (*BusAdapter, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("alert.json", strings.NewReader(alertSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("alert.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return &BusAdapter{
		nc:         nc,
		subject:    subject,
		schema:     schema,
		bufferSize: bufferSize,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Subscribe starts receiving alerts
func (a *BusAdapter) Subscribe() error {
	if a.nc == nil {
		return fmt.Errorf("no NATS connection")
	}

	sub, err := a.nc.Subscribe(a.subject, func(msg *nats.Msg) {
		if err := a.handle(msg.Data); err != nil {
			a.logger.Warn("Rejected adapter alert", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", a.subject, err)
	}

	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()

	a.logger.Info("Subscribed to adapter alerts", "subject", a.subject)
	return nil
}

// Close stops receiving alerts
func (a *BusAdapter) Close() error {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Name returns the adapter name
func (a *BusAdapter) Name() string {
	return "bus"
}

// IsAvailable reports whether the NATS connection is up
func (a *BusAdapter) IsAvailable(ctx context.Context) bool {
	return a.nc != nil && a.nc.IsConnected()
}

// GetAlerts drains every buffered alert in arrival order. The buffer is
// emptied on each call, so since is not applied: sensor clocks disagree and
// late or equal timestamps must still be delivered.
func (a *BusAdapter) GetAlerts(ctx context.Context, since time.Time) ([]Alert, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.alerts
	a.alerts = nil
	return out, nil
}

// handle validates a raw payload and buffers it
func (a *BusAdapter) handle(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		a.metrics.IncAdapterAlert("invalid")
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := a.schema.Validate(doc); err != nil {
		a.metrics.IncAdapterAlert("invalid")
		return fmt.Errorf("validation failed: %w", err)
	}

	var alert Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		a.metrics.IncAdapterAlert("invalid")
		return fmt.Errorf("failed to decode alert: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.alerts) >= a.bufferSize {
		a.alerts = a.alerts[1:]
		a.metrics.IncAdapterAlert("dropped")
	}
	a.alerts = append(a.alerts, alert)
	a.metrics.IncAdapterAlert("accepted")
	return nil
}
