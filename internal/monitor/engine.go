package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panguard-ai/panguard-guard/internal/adapters"
	"github.com/panguard-ai/panguard-guard/internal/config"
	"github.com/panguard-ai/panguard-guard/internal/metrics"
	"github.com/panguard-ai/panguard-guard/internal/model"
	"github.com/panguard-ai/panguard-guard/internal/threatintel"
)

// ThreatNotification is raised when a network event's remote address is a known threat
type ThreatNotification struct {
	Event      model.SecurityEvent `json:"event"`
	Indicator  string              `json:"indicator"`
	Entry      threatintel.Entry   `json:"entry"`
	DetectedAt time.Time           `json:"detected_at"`
}

// Engine runs the enabled observers and merges their output
type Engine struct {
	observers      []Observer
	intel          *threatintel.Table
	maxRestarts    int
	restartBackoff time.Duration
	healthyRun     time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	events  chan model.SecurityEvent
	threats chan ThreatNotification
	errors  chan *ObserverError

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// EngineOptions tunes buffering and restart behavior
type EngineOptions struct {
	EventBuffer    int
	MaxRestarts    int
	RestartBackoff time.Duration
	// HealthyRun is how long a run must last before its restart count is
	// forgiven; defaults to ten backoffs
	HealthyRun time.Duration
}

// NewEngine creates a monitor engine over a fixed observer set
func NewEngine(observers []Observer, intel *threatintel.Table, opts EngineOptions, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = time.Second
	}
	if opts.HealthyRun <= 0 {
		opts.HealthyRun = 10 * opts.RestartBackoff
	}
	return &Engine{
		observers:      observers,
		intel:          intel,
		maxRestarts:    opts.MaxRestarts,
		restartBackoff: opts.RestartBackoff,
		healthyRun:     opts.HealthyRun,
		logger:         logger,
		metrics:        m,
		events:         make(chan model.SecurityEvent, opts.EventBuffer),
		threats:        make(chan ThreatNotification, 64),
		errors:         make(chan *ObserverError, 64),
	}
}

// BuildObservers creates the observers enabled in cfg
func BuildObservers(cfg config.MonitorConfig, adapterList []adapters.Adapter, logger *slog.Logger) []Observer {
	var observers []Observer
	if cfg.Log.Enabled {
		observers = append(observers, NewLogObserver(cfg.Log.Command, cfg.Log.Files, cfg.StopGrace, logger))
	}
	if cfg.Network.Enabled {
		observers = append(observers, NewNetworkObserver(cfg.Network.Interval, nil, logger))
	}
	if cfg.Process.Enabled {
		observers = append(observers, NewProcessObserver(cfg.Process.Interval, nil, logger))
	}
	if cfg.File.Enabled && len(cfg.File.Paths) > 0 {
		observers = append(observers, NewFileObserver(cfg.File.Paths, logger))
	}
	if cfg.Adapters.Enabled && len(adapterList) > 0 {
		observers = append(observers, NewAdapterObserver(adapterList, cfg.Adapters.Interval, logger))
	}
	return observers
}

// Events returns the unified event channel
func (e *Engine) Events() <-chan model.SecurityEvent {
	return e.events
}

// Threats returns threat notifications for network events
func (e *Engine) Threats() <-chan ThreatNotification {
	return e.threats
}

// Errors returns observer-scoped errors
func (e *Engine) Errors() <-chan *ObserverError {
	return e.errors
}

// IsRunning reports whether the engine is started
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ObserverStatus reports each observer's liveness
func (e *Engine) ObserverStatus() map[string]bool {
	status := make(map[string]bool, len(e.observers))
	for _, o := range e.observers {
		status[o.Name()] = o.IsRunning()
	}
	return status
}

// Start starts every observer. Individual failures are reported on
// Errors; Start fails only when no observer could start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		e.logger.Warn("Monitor engine already running")
		return nil
	}
	if len(e.observers) == 0 {
		return fmt.Errorf("no observers enabled")
	}

	runCtx, cancel := context.WithCancel(ctx)
	started := 0
	var errs []error
	for _, o := range e.observers {
		if err := o.Start(runCtx); err != nil {
			errs = append(errs, err)
			e.report(observerError(o.Name(), err, true))
			continue
		}
		started++
		e.wg.Add(1)
		go e.supervise(runCtx, o)
	}

	if started == 0 {
		cancel()
		e.wg.Wait()
		return fmt.Errorf("no observer could be started: %w", errors.Join(errs...))
	}

	e.running = true
	e.cancel = cancel
	e.logger.Info("Monitor engine started", "observers", started, "failed", len(errs))
	return nil
}

// Stop stops all observers and waits for forwarding to finish
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		e.logger.Warn("Monitor engine already stopped")
		return nil
	}

	e.cancel()
	e.wg.Wait()

	var errs []error
	for _, o := range e.observers {
		if err := o.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Name(), err))
		}
	}

	e.running = false
	e.cancel = nil
	e.logger.Info("Monitor engine stopped")
	return errors.Join(errs...)
}

// supervise forwards one observer's output and restarts it after fatal errors
func (e *Engine) supervise(ctx context.Context, o Observer) {
	defer e.wg.Done()

	restarts := 0
	for {
		runStart := time.Now()
		if !e.forward(ctx, o) || ctx.Err() != nil {
			return
		}
		if time.Since(runStart) >= e.healthyRun {
			restarts = 0
		}

		_ = o.Stop()
		for {
			if restarts >= e.maxRestarts {
				e.logger.Error("Observer exceeded restart limit, giving up", "observer", o.Name(), "restarts", restarts)
				return
			}
			restarts++

			select {
			case <-ctx.Done():
				return
			case <-time.After(e.restartBackoff):
			}

			if err := o.Start(ctx); err != nil {
				e.report(observerError(o.Name(), err, true))
				continue
			}
			e.metrics.IncObserverRestart(o.Name())
			e.logger.Warn("Observer restarted", "observer", o.Name(), "attempt", restarts)
			break
		}
	}
}

// forward relays events and errors until the run ends. It returns true
// when the observer reported a fatal error and should be restarted.
func (e *Engine) forward(ctx context.Context, o Observer) bool {
	events := o.Events()
	errs := o.Errors()

	for events != nil || errs != nil {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.dispatch(ctx, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			oerr := observerError(o.Name(), err, false)
			e.report(oerr)
			if oerr.Fatal {
				return true
			}
		}
	}
	return false
}

// dispatch republishes an event and correlates network events with threat intel
func (e *Engine) dispatch(ctx context.Context, ev model.SecurityEvent) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
		return
	}

	if ev.Source != model.SourceNetwork || e.intel == nil {
		return
	}
	addr, ok := ev.MetaString("remoteAddr")
	if !ok || addr == "" {
		return
	}
	entry, hit := e.intel.Lookup(addr)
	if !hit {
		return
	}

	e.metrics.IncThreatIntelHit()
	notification := ThreatNotification{
		Event:      ev,
		Indicator:  addr,
		Entry:      entry,
		DetectedAt: time.Now().UTC(),
	}
	select {
	case e.threats <- notification:
	case <-ctx.Done():
	}
}

func (e *Engine) report(err *ObserverError) {
	e.metrics.IncObserverError(err.Observer)
	e.logger.Error("Observer error", "observer", err.Observer, "fatal", err.Fatal, "error", err.Err)

	select {
	case e.errors <- err:
	default:
		e.logger.Warn("Monitor error channel full, dropping error", "observer", err.Observer)
	}
}

func observerError(name string, err error, fatal bool) *ObserverError {
	var oerr *ObserverError
	if errors.As(err, &oerr) {
		return oerr
	}
	return &ObserverError{Observer: name, Err: err, Fatal: fatal}
}
