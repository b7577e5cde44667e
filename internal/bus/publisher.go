package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/panguard-ai/panguard-guard/internal/guard"
	"github.com/panguard-ai/panguard-guard/internal/metrics"
	"github.com/panguard-ai/panguard-guard/internal/model"
	"github.com/panguard-ai/panguard-guard/internal/monitor"
)

// Message is the envelope for everything published on the bus
type Message struct {
	Type      string    `json:"type"`
	HostID    string    `json:"host_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type outbound struct {
	subject string
	msg     Message
}

// Publisher queues outbound messages and publishes them from a single
// send loop. It implements guard.Notifier and guard.Executor; response
// actions are handed to whatever executor subscribes to the response
// subjects.
type Publisher struct {
	nc       *nats.Conn
	subjects Subjects
	hostID   string
	queue    chan outbound
	metrics  *metrics.Metrics
	logger   *slog.Logger

	heartbeatInterval time.Duration
	heartbeat         func() any

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher on an established connection
func NewPublisher(nc *nats.Conn, prefix, hostID string, queueSize int, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Publisher{
		nc:       nc,
		subjects: Subjects{Prefix: prefix},
		hostID:   hostID,
		queue:    make(chan outbound, queueSize),
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// WithHeartbeat publishes fn's result on the heartbeat subject every interval
func (p *Publisher) WithHeartbeat(interval time.Duration, fn func() any) *Publisher {
	p.heartbeatInterval = interval
	p.heartbeat = fn
	return p
}

// Start starts the send loop
func (p *Publisher) Start(ctx context.Context) {
	p.logger.Info("Starting bus publisher", "prefix", p.subjects.Prefix)
	p.wg.Add(1)
	go p.sendLoop(ctx)
}

// Stop stops the send loop after draining queued messages
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping bus publisher")
		close(p.stopChan)
		p.wg.Wait()
		if err := p.nc.Flush(); err != nil {
			p.logger.Warn("Failed to flush bus connection", "error", err)
		}
	})
}

// PublishEvent implements guard.Notifier
func (p *Publisher) PublishEvent(event model.SecurityEvent) error {
	return p.enqueue(p.subjects.Events(), "security_event", event)
}

// PublishThreat implements guard.Notifier
func (p *Publisher) PublishThreat(threat monitor.ThreatNotification) error {
	return p.enqueue(p.subjects.Threats(), "threat_intel_match", threat)
}

// PublishVerdict implements guard.Notifier
func (p *Publisher) PublishVerdict(verdict model.ThreatVerdict) error {
	return p.enqueue(p.subjects.Verdicts(), "threat_verdict", verdict)
}

// RequestConfirmation implements guard.Notifier
func (p *Publisher) RequestConfirmation(c guard.Confirmation) error {
	return p.enqueue(p.subjects.ConfirmationRequests(), "confirmation_request", c)
}

// PublishEngineError implements guard.Notifier
func (p *Publisher) PublishEngineError(e guard.EngineError) error {
	return p.enqueue(p.subjects.EngineErrors(), "engine_error", e)
}

// Execute implements guard.Executor by dispatching the response on its action subject
func (p *Publisher) Execute(ctx context.Context, r guard.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.enqueue(p.subjects.Response(r.Action), "response_action", r)
}

func (p *Publisher) enqueue(subject, msgType string, data any) error {
	out := outbound{
		subject: subject,
		msg: Message{
			Type:      msgType,
			HostID:    p.hostID,
			Timestamp: time.Now().UTC(),
			Data:      data,
		},
	}

	select {
	case p.queue <- out:
		return nil
	default:
		p.metrics.IncBusPublishError()
		return fmt.Errorf("bus queue is full")
	}
}

func (p *Publisher) sendLoop(ctx context.Context) {
	defer p.wg.Done()

	var tick <-chan time.Time
	if p.heartbeat != nil && p.heartbeatInterval > 0 {
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return

		case <-p.stopChan:
			p.drain()
			return

		case out := <-p.queue:
			p.send(out)

		case <-tick:
			p.send(outbound{
				subject: p.subjects.Heartbeat(),
				msg:     Message{Type: "heartbeat", HostID: p.hostID, Timestamp: time.Now().UTC(), Data: p.heartbeat()},
			})
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case out := <-p.queue:
			p.send(out)
		default:
			return
		}
	}
}

func (p *Publisher) send(out outbound) {
	data, err := json.Marshal(out.msg)
	if err != nil {
		p.metrics.IncBusPublishError()
		p.logger.Error("Failed to marshal bus message", "type", out.msg.Type, "error", err)
		return
	}

	if err := p.nc.Publish(out.subject, data); err != nil {
		p.metrics.IncBusPublishError()
		p.logger.Error("Failed to publish bus message", "subject", out.subject, "type", out.msg.Type, "error", err)
		return
	}

	p.logger.Debug("Published bus message", "subject", out.subject, "type", out.msg.Type)
}
