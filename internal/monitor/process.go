package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

// ProcessInfo is one entry from the process table
type ProcessInfo struct {
	PID     int32
	PPID    int32
	Name    string
	Exe     string
	Cmdline string
	User    string
}

// ProcessLister returns the current process table
type ProcessLister func(ctx context.Context) ([]ProcessInfo, error)

// SystemProcesses lists processes through gopsutil. Processes that exit
// while being inspected keep whatever fields were read.
func SystemProcesses(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		info := ProcessInfo{PID: p.Pid}
		info.Name, _ = p.NameWithContext(ctx)
		info.Exe, _ = p.ExeWithContext(ctx)
		info.Cmdline, _ = p.CmdlineWithContext(ctx)
		info.PPID, _ = p.PpidWithContext(ctx)
		info.User, _ = p.UsernameWithContext(ctx)
		out = append(out, info)
	}
	return out, nil
}

// ProcessObserver polls the process table and reports starts and exits
type ProcessObserver struct {
	base
	interval time.Duration
	list     ProcessLister
}

// NewProcessObserver creates a process observer. A nil lister uses the system table.
func NewProcessObserver(interval time.Duration, list ProcessLister, logger *slog.Logger) *ProcessObserver {
	if list == nil {
		list = SystemProcesses
	}
	return &ProcessObserver{
		base:     newBase("process", logger),
		interval: interval,
		list:     list,
	}
}

// Start begins polling. The first snapshot only seeds the diff.
func (o *ProcessObserver) Start(ctx context.Context) error {
	runCtx, ok := o.begin(ctx)
	if !ok {
		o.logger.Warn("Process observer already running")
		return nil
	}

	initial, err := o.list(runCtx)
	if err != nil {
		o.end(nil)
		return &ObserverError{Observer: o.name, Err: fmt.Errorf("failed to list processes: %w", err), Fatal: true}
	}

	events, errs := o.channels()
	o.wg.Add(1)
	go o.run(runCtx, snapshotProcesses(initial), events, errs)

	o.logger.Info("Process observer started", "interval", o.interval, "processes", len(initial))
	return nil
}

func (o *ProcessObserver) run(ctx context.Context, previous map[int32]ProcessInfo, events chan<- model.SecurityEvent, errs chan<- error) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			procs, err := o.list(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.fail(ctx, errs, fmt.Errorf("failed to list processes: %w", err), false)
				continue
			}

			current := snapshotProcesses(procs)
			for _, ev := range diffProcesses(previous, current) {
				if !o.emit(ctx, events, ev) {
					return
				}
			}
			previous = current
		}
	}
}

func snapshotProcesses(procs []ProcessInfo) map[int32]ProcessInfo {
	snap := make(map[int32]ProcessInfo, len(procs))
	for _, p := range procs {
		snap[p.PID] = p
	}
	return snap
}

// diffProcesses compares by PID. A PID reused by a differently named
// process counts as a stop followed by a start.
func diffProcesses(previous, current map[int32]ProcessInfo) []model.SecurityEvent {
	var out []model.SecurityEvent
	for pid, p := range previous {
		if cur, ok := current[pid]; !ok || cur.Name != p.Name {
			out = append(out, processEvent("process_stopped", p))
		}
	}
	for pid, p := range current {
		if prev, ok := previous[pid]; !ok || prev.Name != p.Name {
			out = append(out, processEvent("process_started", p))
		}
	}
	return out
}

func processEvent(eventType string, p ProcessInfo) model.SecurityEvent {
	md := map[string]any{
		"eventType":   eventType,
		"pid":         p.PID,
		"ppid":        p.PPID,
		"processName": p.Name,
	}
	if p.Exe != "" {
		md["exe"] = p.Exe
	}
	if p.Cmdline != "" {
		md["cmdline"] = p.Cmdline
	}
	if p.User != "" {
		md["user"] = p.User
	}

	description := fmt.Sprintf("%s %s (pid %d)", eventType, p.Name, p.PID)
	if p.Cmdline != "" {
		description = fmt.Sprintf("%s %s (pid %d): %s", eventType, p.Name, p.PID, p.Cmdline)
	}
	return model.NewEvent(model.SourceProcess, model.SeverityInfo, "process", description, md)
}

// Stop ends polling
func (o *ProcessObserver) Stop() error {
	if !o.end(nil) {
		o.logger.Warn("Process observer already stopped")
		return nil
	}
	o.logger.Info("Process observer stopped")
	return nil
}
