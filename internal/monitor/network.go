package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

// Connection is one socket from the host's connection table
type Connection struct {
	Protocol   string
	LocalAddr  string
	LocalPort  uint32
	RemoteAddr string
	RemotePort uint32
	Status     string
	PID        int32
}

func (c Connection) key() string {
	return c.Protocol + "|" + net.JoinHostPort(c.LocalAddr, strconv.Itoa(int(c.LocalPort))) +
		"|" + net.JoinHostPort(c.RemoteAddr, strconv.Itoa(int(c.RemotePort)))
}

// ConnectionLister returns the current socket table
type ConnectionLister func(ctx context.Context) ([]Connection, error)

// SystemConnections lists inet sockets through gopsutil
func SystemConnections(ctx context.Context) ([]Connection, error) {
	stats, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}

	conns := make([]Connection, 0, len(stats))
	for _, s := range stats {
		proto := "tcp"
		if s.Type == syscall.SOCK_DGRAM {
			proto = "udp"
		}
		conns = append(conns, Connection{
			Protocol:   proto,
			LocalAddr:  s.Laddr.IP,
			LocalPort:  s.Laddr.Port,
			RemoteAddr: s.Raddr.IP,
			RemotePort: s.Raddr.Port,
			Status:     s.Status,
			PID:        s.Pid,
		})
	}
	return conns, nil
}

// NetworkObserver polls the connection table and reports changes
type NetworkObserver struct {
	base
	interval time.Duration
	list     ConnectionLister
}

// NewNetworkObserver creates a network observer. A nil lister uses the system table.
func NewNetworkObserver(interval time.Duration, list ConnectionLister, logger *slog.Logger) *NetworkObserver {
	if list == nil {
		list = SystemConnections
	}
	return &NetworkObserver{
		base:     newBase("network", logger),
		interval: interval,
		list:     list,
	}
}

// Start begins polling. The first snapshot only seeds the diff.
func (o *NetworkObserver) Start(ctx context.Context) error {
	runCtx, ok := o.begin(ctx)
	if !ok {
		o.logger.Warn("Network observer already running")
		return nil
	}

	initial, err := o.list(runCtx)
	if err != nil {
		o.end(nil)
		return &ObserverError{Observer: o.name, Err: fmt.Errorf("failed to list connections: %w", err), Fatal: true}
	}

	events, errs := o.channels()
	o.wg.Add(1)
	go o.run(runCtx, snapshotConnections(initial), events, errs)

	o.logger.Info("Network observer started", "interval", o.interval, "connections", len(initial))
	return nil
}

func (o *NetworkObserver) run(ctx context.Context, previous map[string]Connection, events chan<- model.SecurityEvent, errs chan<- error) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conns, err := o.list(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.fail(ctx, errs, fmt.Errorf("failed to list connections: %w", err), false)
				continue
			}

			current := snapshotConnections(conns)
			for _, ev := range diffConnections(previous, current) {
				if !o.emit(ctx, events, ev) {
					return
				}
			}
			previous = current
		}
	}
}

func snapshotConnections(conns []Connection) map[string]Connection {
	snap := make(map[string]Connection, len(conns))
	for _, c := range conns {
		snap[c.key()] = c
	}
	return snap
}

// diffConnections reports opened sockets, then closed ones
func diffConnections(previous, current map[string]Connection) []model.SecurityEvent {
	var out []model.SecurityEvent
	for k, c := range current {
		if _, ok := previous[k]; !ok {
			out = append(out, connectionEvent("new_connection", c))
		}
	}
	for k, c := range previous {
		if _, ok := current[k]; !ok {
			out = append(out, connectionEvent("closed_connection", c))
		}
	}
	return out
}

func connectionEvent(eventType string, c Connection) model.SecurityEvent {
	md := map[string]any{
		"eventType": eventType,
		"protocol":  c.Protocol,
		"localAddr": c.LocalAddr,
		"localPort": c.LocalPort,
		"status":    c.Status,
		"pid":       c.PID,
	}

	var description string
	local := net.JoinHostPort(c.LocalAddr, strconv.Itoa(int(c.LocalPort)))
	if c.RemoteAddr != "" && c.RemotePort != 0 {
		md["remoteAddr"] = c.RemoteAddr
		md["remotePort"] = c.RemotePort
		remote := net.JoinHostPort(c.RemoteAddr, strconv.Itoa(int(c.RemotePort)))
		description = fmt.Sprintf("%s %s connection %s -> %s (%s)", eventType, c.Protocol, local, remote, c.Status)
	} else {
		description = fmt.Sprintf("%s %s socket on %s (%s)", eventType, c.Protocol, local, c.Status)
	}

	return model.NewEvent(model.SourceNetwork, model.SeverityInfo, "network", description, md)
}

// Stop ends polling
func (o *NetworkObserver) Stop() error {
	if !o.end(nil) {
		o.logger.Warn("Network observer already stopped")
		return nil
	}
	o.logger.Info("Network observer stopped")
	return nil
}
