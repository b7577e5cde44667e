package systemd

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// Notifier speaks the sd_notify protocol
type Notifier struct {
	socket string
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	stop chan struct{}
}

// NewNotifier creates a notifier for $NOTIFY_SOCKET
func NewNotifier(logger *slog.Logger) *Notifier {
	return newNotifier(os.Getenv("NOTIFY_SOCKET"), logger)
}

func newNotifier(socket string, logger *slog.Logger) *Notifier {
	return &Notifier{socket: socket, logger: logger}
}

// IsAvailable reports whether the service runs under systemd with notify support
func (n *Notifier) IsAvailable() bool {
	return n.socket != ""
}

// NotifyReady notifies systemd that the service is ready
func (n *Notifier) NotifyReady() error {
	return n.send("READY=1")
}

// NotifyStopping notifies systemd that the service is stopping
func (n *Notifier) NotifyStopping() error {
	return n.send("STOPPING=1")
}

// NotifyStatus updates the status line shown by systemctl
func (n *Notifier) NotifyStatus(status string) error {
	return n.send("STATUS=" + status)
}

// NotifyWatchdog pings the watchdog
func (n *Notifier) NotifyWatchdog() error {
	return n.send("WATCHDOG=1")
}

// WatchdogInterval returns half the configured watchdog timeout, or zero
// when no watchdog is configured for this process
func WatchdogInterval() time.Duration {
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	if pid := os.Getenv("WATCHDOG_PID"); pid != "" && pid != strconv.Itoa(os.Getpid()) {
		return 0
	}
	return time.Duration(usec) * time.Microsecond / 2
}

// StartWatchdog pings the watchdog every interval until Close
func (n *Notifier) StartWatchdog(interval time.Duration) {
	if !n.IsAvailable() || interval <= 0 {
		return
	}

	n.mu.Lock()
	if n.stop != nil {
		n.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	n.stop = stop
	n.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := n.NotifyWatchdog(); err != nil {
					n.logger.Warn("Failed to notify systemd watchdog", "error", err)
				}
			}
		}
	}()
}

// Close stops the watchdog and closes the socket
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stop != nil {
		close(n.stop)
		n.stop = nil
	}
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}

func (n *Notifier) send(state string) error {
	if !n.IsAvailable() {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		addr := &net.UnixAddr{Name: n.socket, Net: "unixgram"}
		conn, err := net.DialUnix("unixgram", nil, addr)
		if err != nil {
			return fmt.Errorf("failed to connect to systemd socket: %w", err)
		}
		n.conn = conn
	}

	if _, err := n.conn.Write([]byte(state + "\n")); err != nil {
		return fmt.Errorf("failed to notify systemd: %w", err)
	}
	return nil
}
