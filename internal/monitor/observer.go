package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

// Observer is one independently startable event source
type Observer interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
	// Events and Errors return the channels of the current run. They are
	// closed by Stop and replaced by the next Start.
	Events() <-chan model.SecurityEvent
	Errors() <-chan error
}

// ObserverError is a failure scoped to one observer. Fatal errors mean the
// observer's source is gone and it needs a restart.
type ObserverError struct {
	Observer string
	Err      error
	Fatal    bool
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("observer %s: %v", e.Observer, e.Err)
}

func (e *ObserverError) Unwrap() error {
	return e.Err
}

const observerBuffer = 256

// base carries the lifecycle and channel plumbing shared by all observers
type base struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	crashed atomic.Bool
	events  chan model.SecurityEvent
	errors  chan error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newBase(name string, logger *slog.Logger) base {
	return base{name: name, logger: logger.With("observer", name)}
}

// Name returns the observer name
func (b *base) Name() string {
	return b.name
}

// IsRunning reports whether the observer was started and its source is alive
func (b *base) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running && !b.crashed.Load()
}

// Events returns the event channel of the current run
func (b *base) Events() <-chan model.SecurityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

// Errors returns the error channel of the current run
func (b *base) Errors() <-chan error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errors
}

// begin marks the observer running and allocates fresh channels. It
// returns false when the observer is already running.
func (b *base) begin(parent context.Context) (context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil, false
	}

	ctx, cancel := context.WithCancel(parent)
	b.running = true
	b.crashed.Store(false)
	b.events = make(chan model.SecurityEvent, observerBuffer)
	b.errors = make(chan error, 16)
	b.cancel = cancel
	return ctx, true
}

// end cancels the run, waits for its goroutines, then closes the channels.
// cleanup runs between cancellation and waiting. It returns false when
// the observer was not running.
func (b *base) end(cleanup func()) bool {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return false
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	if cleanup != nil {
		cleanup()
	}
	b.wg.Wait()

	b.mu.Lock()
	close(b.events)
	close(b.errors)
	b.mu.Unlock()
	return true
}

// emit delivers an event unless the run is cancelled
func (b *base) emit(ctx context.Context, ch chan<- model.SecurityEvent, ev model.SecurityEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail reports an error on the run's error channel
func (b *base) fail(ctx context.Context, ch chan<- error, err error, fatal bool) {
	if fatal {
		b.crashed.Store(true)
	}
	oerr := &ObserverError{Observer: b.name, Err: err, Fatal: fatal}
	select {
	case ch <- oerr:
	case <-ctx.Done():
	default:
		b.logger.Warn("Observer error channel full, dropping error", "error", err)
	}
}

// channels returns the run's send ends for use by run goroutines
func (b *base) channels() (chan model.SecurityEvent, chan error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events, b.errors
}
