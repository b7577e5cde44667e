package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/panguard-ai/panguard-guard/internal/analysis"
	"github.com/panguard-ai/panguard-guard/internal/baseline"
	"github.com/panguard-ai/panguard-guard/internal/config"
	"github.com/panguard-ai/panguard-guard/internal/detection"
	"github.com/panguard-ai/panguard-guard/internal/logging"
	"github.com/panguard-ai/panguard-guard/internal/metrics"
	"github.com/panguard-ai/panguard-guard/internal/model"
	"github.com/panguard-ai/panguard-guard/internal/monitor"
)

// Options configures the engine
type Options struct {
	Mode               string
	Policy             config.ActionPolicyConfig
	CheckpointInterval time.Duration
}

// Dependencies are the collaborators the engine drives
type Dependencies struct {
	Monitor  MonitorLayer
	Detector *detection.Detector
	Analyzer *analysis.Analyzer
	Store    BaselineStore
	Notifier Notifier
	Executor Executor
	Metrics  *metrics.Metrics
}

type pendingConfirmation struct {
	Confirmation
	timer *time.Timer
}

type decision struct {
	id       string
	approved bool
	reply    chan error
}

// Engine is the guard orchestrator. Every event, threat notification,
// observer error and confirmation decision is handled on a single loop
// goroutine, giving a total order over verdicts and responses.
type Engine struct {
	policy     Policy
	ttl        time.Duration
	maxPending int
	checkpoint time.Duration

	monitor  MonitorLayer
	detector *detection.Detector
	analyzer *analysis.Analyzer
	store    BaselineStore
	notifier Notifier
	executor Executor
	metrics  *metrics.Metrics
	logger   *logging.Logger

	pending   *lru.Cache[string, *pendingConfirmation]
	decisions chan decision
	expired   chan string

	mu        sync.RWMutex
	state     State
	mode      string
	startedAt time.Time
	lastErr   string
	counters  Counters
	baseline  *baseline.Baseline
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a stopped engine
func New(opts Options, deps Dependencies, logger *slog.Logger) (*Engine, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action policy: %w", err)
	}
	if opts.Mode != config.ModeLearning && opts.Mode != config.ModeProtection {
		return nil, fmt.Errorf("invalid mode %q", opts.Mode)
	}
	if deps.Monitor == nil || deps.Detector == nil || deps.Analyzer == nil || deps.Notifier == nil || deps.Executor == nil {
		return nil, fmt.Errorf("monitor, detector, analyzer, notifier and executor are required")
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 5 * time.Minute
	}

	pending, err := lru.NewWithEvict(opts.Policy.MaxPending, func(_ string, p *pendingConfirmation) {
		p.timer.Stop()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmation store: %w", err)
	}

	e := &Engine{
		policy:     PolicyFromConfig(opts.Policy),
		ttl:        opts.Policy.ConfirmationTTL,
		maxPending: opts.Policy.MaxPending,
		checkpoint: opts.CheckpointInterval,
		monitor:    deps.Monitor,
		detector:   deps.Detector,
		analyzer:   deps.Analyzer,
		store:      deps.Store,
		notifier:   deps.Notifier,
		executor:   deps.Executor,
		metrics:    deps.Metrics,
		logger:     &logging.Logger{Logger: logger},
		pending:    pending,
		decisions:  make(chan decision),
		expired:    make(chan string, opts.Policy.MaxPending),
		state:      StateStopped,
		mode:       opts.Mode,
	}
	e.metrics.SetEngineState(string(StateStopped), AllStates)
	return e, nil
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Mode returns the configured operating mode
func (e *Engine) Mode() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// Start loads the baseline, brings up the monitor layer and begins
// processing. Calling Start on a running engine is a no-op. A failed
// bring-up leaves the engine in the error state; Start may be retried.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Running() || e.state == StateStarting {
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("Guard engine already started", "state", state)
		return nil
	}
	if e.state == StateStopping {
		e.mu.Unlock()
		return fmt.Errorf("guard engine is stopping")
	}
	e.setStateLocked(StateStarting)
	e.mu.Unlock()

	b := baseline.New()
	if e.store != nil {
		loaded, err := e.store.Load()
		if err != nil {
			return e.fail("baseline", fmt.Errorf("failed to load baseline: %w", err))
		}
		b = loaded
	}

	if err := e.monitor.Start(ctx); err != nil {
		return e.fail("monitor", fmt.Errorf("failed to start monitor layer: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.baseline = b
	e.cancel = cancel
	e.done = done
	e.startedAt = time.Now().UTC()
	e.lastErr = ""
	e.setStateLocked(stateForMode(e.mode))
	mode := e.mode
	e.mu.Unlock()

	go e.run(runCtx, done)

	e.logger.LogEngineEvent("engine_started", "mode", mode, "baseline_events", b.Stats().TotalEvents)
	return nil
}

// Stop halts processing, stops the monitor layer, drops pending
// confirmations and saves the baseline. Calling Stop on a stopped engine
// is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	switch {
	case e.state == StateError:
		e.setStateLocked(StateStopped)
		e.mu.Unlock()
		return nil
	case !e.state.Running():
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("Guard engine not running", "state", state)
		return nil
	}
	e.setStateLocked(StateStopping)
	cancel, done, mode := e.cancel, e.done, e.mode
	e.mu.Unlock()

	cancel()
	<-done

	var stopErr error
	if err := e.monitor.Stop(); err != nil {
		stopErr = fmt.Errorf("failed to stop monitor layer: %w", err)
		e.logger.Error("Monitor layer stop failed", "error", err)
	}

	e.pending.Purge()
	e.metrics.SetPendingConfirmations(0)

	if mode == config.ModeLearning {
		e.saveBaseline()
	}

	e.mu.Lock()
	e.cancel = nil
	e.done = nil
	e.setStateLocked(StateStopped)
	e.mu.Unlock()

	e.logger.LogEngineEvent("engine_stopped")
	return stopErr
}

// SetMode switches between learning and protection. Leaving learning
// persists the baseline so protection starts from a saved profile.
func (e *Engine) SetMode(mode string) error {
	if mode != config.ModeLearning && mode != config.ModeProtection {
		return fmt.Errorf("invalid mode %q", mode)
	}

	e.mu.Lock()
	if e.mode == mode {
		e.mu.Unlock()
		return nil
	}
	prev := e.mode
	e.mode = mode
	running := e.state.Running()
	if running {
		e.setStateLocked(stateForMode(mode))
	}
	e.mu.Unlock()

	e.logger.LogEngineEvent("mode_changed", "from", prev, "to", mode)
	if running && prev == config.ModeLearning {
		e.saveBaseline()
	}
	return nil
}

// Confirm approves or rejects a pending confirmation. The decision is
// applied on the engine loop.
func (e *Engine) Confirm(ctx context.Context, id string, approved bool) error {
	e.mu.RLock()
	done := e.done
	running := e.state.Running()
	e.mu.RUnlock()
	if !running || done == nil {
		return ErrNotRunning
	}

	d := decision{id: id, approved: approved, reply: make(chan error, 1)}
	select {
	case e.decisions <- d:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-d.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the confirmations awaiting a decision, oldest first
func (e *Engine) Pending() []Confirmation {
	values := e.pending.Values()
	out := make([]Confirmation, 0, len(values))
	for _, p := range values {
		out = append(out, p.Confirmation)
	}
	return out
}

// Status returns a snapshot of the engine
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Status{
		State:     e.state,
		Mode:      e.mode,
		StartedAt: e.startedAt,
		Counters:  e.counters,
		Pending:   e.pending.Len(),
		LastError: e.lastErr,
	}
	if e.baseline != nil {
		stats := e.baseline.Stats()
		s.Baseline = &stats
	}
	return s
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.checkpoint)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.monitor.Events():
			e.handleEvent(ctx, ev)
		case tn := <-e.monitor.Threats():
			e.handleThreat(tn)
		case oe := <-e.monitor.Errors():
			e.handleObserverError(oe)
		case d := <-e.decisions:
			d.reply <- e.handleDecision(ctx, d.id, d.approved)
		case id := <-e.expired:
			e.handleExpiry(id)
		case <-ticker.C:
			if e.Mode() == config.ModeLearning {
				e.saveBaseline()
			}
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev model.SecurityEvent) {
	e.mu.Lock()
	e.counters.Events++
	mode := e.mode
	b := e.baseline
	e.mu.Unlock()

	e.metrics.IncEvent(string(ev.Source))
	if err := e.notifier.PublishEvent(ev); err != nil {
		e.logger.Debug("Failed to publish event", "event_id", ev.ID, "error", err)
	}

	// the baseline is only consulted once learning is over
	var reference *baseline.Baseline
	if mode == config.ModeLearning {
		b.Observe(ev)
	} else {
		reference = b
	}

	result := e.detector.Detect(ev)
	verdict := e.analyzer.Analyze(ctx, result, reference)

	e.mu.Lock()
	e.counters.Verdicts++
	e.mu.Unlock()

	if err := e.notifier.PublishVerdict(verdict); err != nil {
		e.logger.Debug("Failed to publish verdict", "verdict_id", verdict.ID, "error", err)
	}

	tier := e.policy.TierFor(verdict.Confidence, mode)
	if verdict.Conclusion != model.ConclusionBenign {
		e.logger.LogVerdict(string(verdict.Conclusion), verdict.Confidence,
			"event_id", ev.ID,
			"verdict_id", verdict.ID,
			"action", verdict.RecommendedAction,
			"tier", tier,
			"mitre_technique", verdict.MitreTechnique)
	}
	e.applyPolicy(ctx, tier, verdict, ev)
}

func (e *Engine) applyPolicy(ctx context.Context, tier Tier, verdict model.ThreatVerdict, ev model.SecurityEvent) {
	e.metrics.IncAction(string(tier), string(verdict.RecommendedAction))

	switch tier {
	case TierAutoRespond:
		e.mu.Lock()
		e.counters.AutoResponses++
		e.mu.Unlock()
		e.execute(ctx, tier, verdict, ev)
	case TierNotifyAndWait:
		e.requestConfirmation(verdict, ev)
	case TierLogOnly:
		e.mu.Lock()
		e.counters.LoggedOnly++
		e.mu.Unlock()
		e.logger.LogAction(string(tier), string(model.ActionLogOnly), "verdict_id", verdict.ID, "confidence", verdict.Confidence)
	}
}

func (e *Engine) execute(ctx context.Context, tier Tier, verdict model.ThreatVerdict, ev model.SecurityEvent) {
	r := Response{
		ID:        uuid.New().String(),
		Action:    verdict.RecommendedAction,
		Target:    responseTarget(verdict.RecommendedAction, ev),
		Host:      ev.Host,
		EventID:   ev.ID,
		VerdictID: verdict.ID,
		Reason:    verdict.Reasoning,
		Tier:      tier,
		IssuedAt:  time.Now().UTC(),
	}

	e.logger.LogAction(string(tier), string(r.Action), "response_id", r.ID, "target", r.Target, "verdict_id", verdict.ID)
	if err := e.executor.Execute(ctx, r); err != nil {
		e.mu.Lock()
		e.counters.ActionFailures++
		e.mu.Unlock()
		e.reportError("executor", fmt.Errorf("%s failed: %w", r.Action, err), false)
	}
}

func (e *Engine) requestConfirmation(verdict model.ThreatVerdict, ev model.SecurityEvent) {
	now := time.Now().UTC()
	c := Confirmation{
		ID:        uuid.New().String(),
		Verdict:   verdict,
		Event:     ev,
		Action:    verdict.RecommendedAction,
		Target:    responseTarget(verdict.RecommendedAction, ev),
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}

	if e.pending.Len() >= e.maxPending {
		if id, _, ok := e.pending.RemoveOldest(); ok {
			e.logger.Warn("Pending confirmation evicted", "confirmation_id", id, "max_pending", e.maxPending)
		}
	}

	id := c.ID
	p := &pendingConfirmation{Confirmation: c}
	p.timer = time.AfterFunc(e.ttl, func() {
		select {
		case e.expired <- id:
		default:
			e.logger.Warn("Expiry queue full", "confirmation_id", id)
		}
	})
	e.pending.Add(id, p)

	e.mu.Lock()
	e.counters.Confirmations++
	e.mu.Unlock()
	e.metrics.SetPendingConfirmations(e.pending.Len())

	e.logger.LogAction(string(TierNotifyAndWait), string(c.Action), "confirmation_id", id, "verdict_id", verdict.ID, "expires_at", c.ExpiresAt)
	if err := e.notifier.RequestConfirmation(c); err != nil {
		e.logger.Warn("Failed to deliver confirmation request", "confirmation_id", id, "error", err)
	}
}

func (e *Engine) handleDecision(ctx context.Context, id string, approved bool) error {
	p, ok := e.pending.Peek(id)
	if !ok {
		return ErrUnknownConfirmation
	}
	e.pending.Remove(id)
	e.metrics.SetPendingConfirmations(e.pending.Len())

	e.mu.Lock()
	if approved {
		e.counters.Approved++
	} else {
		e.counters.Rejected++
	}
	e.mu.Unlock()

	if !approved {
		e.logger.Info("Confirmation rejected", "confirmation_id", id, "verdict_id", p.Verdict.ID)
		return nil
	}
	e.logger.Info("Confirmation approved", "confirmation_id", id, "verdict_id", p.Verdict.ID)
	e.execute(ctx, TierNotifyAndWait, p.Verdict, p.Event)
	return nil
}

func (e *Engine) handleExpiry(id string) {
	p, ok := e.pending.Peek(id)
	if !ok {
		return
	}
	e.pending.Remove(id)
	e.metrics.SetPendingConfirmations(e.pending.Len())

	e.mu.Lock()
	e.counters.Expired++
	e.mu.Unlock()
	e.logger.Info("Confirmation expired", "confirmation_id", id, "verdict_id", p.Verdict.ID)
}

func (e *Engine) handleThreat(tn monitor.ThreatNotification) {
	e.mu.Lock()
	e.counters.Threats++
	e.mu.Unlock()

	e.logger.Warn("Threat intel match",
		"event_id", tn.Event.ID,
		"indicator", tn.Indicator,
		"threat", tn.Entry.Threat,
		"feed", tn.Entry.Feed)
	if err := e.notifier.PublishThreat(tn); err != nil {
		e.logger.Debug("Failed to publish threat", "indicator", tn.Indicator, "error", err)
	}
}

func (e *Engine) handleObserverError(oe *monitor.ObserverError) {
	e.mu.Lock()
	e.counters.ObserverErrors++
	e.mu.Unlock()

	e.reportError(oe.Observer, oe.Err, oe.Fatal)
}

func (e *Engine) reportError(component string, err error, fatal bool) {
	e.mu.Lock()
	e.lastErr = component + ": " + err.Error()
	e.mu.Unlock()

	e.logger.LogEngineEvent("engine_error", "component", component, "error", err, "fatal", fatal)
	ee := EngineError{Component: component, Message: err.Error(), Fatal: fatal, Time: time.Now().UTC()}
	if perr := e.notifier.PublishEngineError(ee); perr != nil {
		e.logger.Debug("Failed to publish engine error", "error", perr)
	}
}

// fail moves a starting engine into the error state
func (e *Engine) fail(component string, err error) error {
	e.mu.Lock()
	e.setStateLocked(StateError)
	e.mu.Unlock()

	e.reportError(component, err, true)
	return err
}

func (e *Engine) saveBaseline() {
	e.mu.RLock()
	b := e.baseline
	e.mu.RUnlock()
	if e.store == nil || b == nil {
		return
	}

	if err := e.store.Save(b); err != nil {
		e.logger.Error("Failed to save baseline", "error", err)
		return
	}
	e.logger.LogEngineEvent("baseline_saved", "total_events", b.Stats().TotalEvents)
}

func (e *Engine) setStateLocked(s State) {
	e.state = s
	e.metrics.SetEngineState(string(s), AllStates)
}

func stateForMode(mode string) State {
	if mode == config.ModeProtection {
		return StateProtection
	}
	return StateLearning
}
