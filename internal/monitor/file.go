package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

// FileObserver watches a fixed set of paths
type FileObserver struct {
	base
	paths   []string
	watcher *fsnotify.Watcher
}

// NewFileObserver creates a file observer for paths
func NewFileObserver(paths []string, logger *slog.Logger) *FileObserver {
	return &FileObserver{
		base:  newBase("file", logger),
		paths: paths,
	}
}

// Start registers the watches. Paths that cannot be watched are reported;
// start fails only when none can be.
func (o *FileObserver) Start(ctx context.Context) error {
	runCtx, ok := o.begin(ctx)
	if !ok {
		o.logger.Warn("File observer already running")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		o.end(nil)
		return &ObserverError{Observer: o.name, Err: fmt.Errorf("failed to create watcher: %w", err), Fatal: true}
	}

	events, errs := o.channels()
	watched := 0
	for _, p := range o.paths {
		if err := watcher.Add(p); err != nil {
			o.fail(runCtx, errs, fmt.Errorf("failed to watch %s: %w", p, err), false)
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		o.end(nil)
		return &ObserverError{Observer: o.name, Err: fmt.Errorf("none of %d paths could be watched", len(o.paths)), Fatal: true}
	}
	o.watcher = watcher

	o.wg.Add(1)
	go o.run(runCtx, watcher, events, errs)

	o.logger.Info("File observer started", "paths", watched)
	return nil
}

func (o *FileObserver) run(ctx context.Context, watcher *fsnotify.Watcher, events chan<- model.SecurityEvent, errs chan<- error) {
	defer o.wg.Done()
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case fe, ok := <-watcher.Events:
			if !ok {
				o.fail(ctx, errs, fmt.Errorf("watcher closed"), true)
				return
			}
			ev, ok := fileEvent(fe)
			if !ok {
				continue
			}
			if !o.emit(ctx, events, ev) {
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			o.fail(ctx, errs, err, false)
		}
	}
}

// Stop removes all watches
func (o *FileObserver) Stop() error {
	if !o.end(nil) {
		o.logger.Warn("File observer already stopped")
		return nil
	}
	o.watcher = nil
	o.logger.Info("File observer stopped")
	return nil
}

func fileEvent(fe fsnotify.Event) (model.SecurityEvent, bool) {
	var eventType string
	switch {
	case fe.Has(fsnotify.Create):
		eventType = "file_created"
	case fe.Has(fsnotify.Remove), fe.Has(fsnotify.Rename):
		eventType = "file_deleted"
	case fe.Has(fsnotify.Write):
		eventType = "file_changed"
	default:
		return model.SecurityEvent{}, false
	}

	md := map[string]any{
		"eventType": eventType,
		"path":      fe.Name,
		"operation": fe.Op.String(),
	}
	return model.NewEvent(model.SourceFile, model.SeverityInfo, "file", fmt.Sprintf("%s %s", eventType, fe.Name), md), true
}
