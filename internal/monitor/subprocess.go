package monitor

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

// subprocess is a streaming child process with escalating shutdown
type subprocess struct {
	cmd      *exec.Cmd
	grace    time.Duration
	stdout   *io.PipeReader
	done     chan struct{}
	waitErr  error
	stopping atomic.Bool
}

func startSubprocess(name string, args []string, grace time.Duration) (*subprocess, error) {
	pr, pw := io.Pipe()

	cmd := exec.Command(name, args...)
	cmd.Stdout = pw
	// bounds Wait when a grandchild keeps stdout open after the child exits
	cmd.WaitDelay = grace

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	s := &subprocess{
		cmd:    cmd,
		grace:  grace,
		stdout: pr,
		done:   make(chan struct{}),
	}

	go func() {
		s.waitErr = cmd.Wait()
		pw.Close()
		close(s.done)
	}()

	return s, nil
}

// lines reads stdout line by line until EOF. fn is called for every line.
func (s *subprocess) lines(fn func(line string)) error {
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	return scanner.Err()
}

// exited returns a channel closed after the process has been reaped
func (s *subprocess) exited() <-chan struct{} {
	return s.done
}

// expected reports whether the exit was requested via stop
func (s *subprocess) expected() bool {
	return s.stopping.Load()
}

// stop sends SIGTERM, then kills the process if it has not exited within
// the grace period. Platforms without SIGTERM are killed directly. Output
// produced after stop is discarded.
func (s *subprocess) stop() {
	s.stopping.Store(true)
	s.stdout.Close()

	select {
	case <-s.done:
		return
	default:
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = s.cmd.Process.Kill()
	}

	select {
	case <-s.done:
	case <-time.After(s.grace):
		_ = s.cmd.Process.Kill()
		<-s.done
	}
}
