package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/panguard-ai/panguard-guard/internal/adapters"
)

// AdapterObserver polls external adapters and emits their alerts as events
type AdapterObserver struct {
	base
	adapters []adapters.Adapter
	interval time.Duration
}

// NewAdapterObserver creates an observer over the given adapters
func NewAdapterObserver(list []adapters.Adapter, interval time.Duration, logger *slog.Logger) *AdapterObserver {
	return &AdapterObserver{
		base:     newBase("adapters", logger),
		adapters: list,
		interval: interval,
	}
}

// Start begins polling adapters
func (o *AdapterObserver) Start(ctx context.Context) error {
	runCtx, ok := o.begin(ctx)
	if !ok {
		o.logger.Warn("Adapter observer already running")
		return nil
	}
	if len(o.adapters) == 0 {
		o.end(nil)
		return &ObserverError{Observer: o.name, Err: fmt.Errorf("no adapters configured"), Fatal: true}
	}

	o.wg.Add(1)
	go o.run(runCtx)

	o.logger.Info("Adapter observer started", "adapters", len(o.adapters), "interval", o.interval)
	return nil
}

func (o *AdapterObserver) run(ctx context.Context) {
	defer o.wg.Done()

	events, errs := o.channels()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	since := make(map[string]time.Time, len(o.adapters))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range o.adapters {
				if !a.IsAvailable(ctx) {
					continue
				}
				alerts, err := a.GetAlerts(ctx, since[a.Name()])
				if err != nil {
					o.fail(ctx, errs, fmt.Errorf("adapter %s: %w", a.Name(), err), false)
					continue
				}
				for _, alert := range alerts {
					if alert.Timestamp.After(since[a.Name()]) {
						since[a.Name()] = alert.Timestamp
					}
					if !o.emit(ctx, events, adapters.ToEvent(alert)) {
						return
					}
				}
			}
		}
	}
}

// Stop ends polling
func (o *AdapterObserver) Stop() error {
	if !o.end(nil) {
		o.logger.Warn("Adapter observer already stopped")
		return nil
	}
	o.logger.Info("Adapter observer stopped")
	return nil
}
