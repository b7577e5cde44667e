package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

// scriptedConnections returns each snapshot in turn, repeating the last
type scriptedConnections struct {
	mu        sync.Mutex
	snapshots [][]Connection
	errAt     int
	calls     int
}

func (s *scriptedConnections) list(ctx context.Context) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.errAt > 0 && s.calls == s.errAt {
		return nil, errors.New("netlink failure")
	}
	i := s.calls - 1
	if i >= len(s.snapshots) {
		i = len(s.snapshots) - 1
	}
	return s.snapshots[i], nil
}

func TestDiffConnections(t *testing.T) {
	ssh := Connection{Protocol: "tcp", LocalAddr: "10.0.0.2", LocalPort: 22, RemoteAddr: "203.0.113.4", RemotePort: 51000, Status: "ESTABLISHED"}
	listen := Connection{Protocol: "tcp", LocalAddr: "0.0.0.0", LocalPort: 8080, Status: "LISTEN"}

	events := diffConnections(snapshotConnections([]Connection{ssh}), snapshotConnections([]Connection{listen}))
	require.Len(t, events, 2)

	assert.Equal(t, "new_connection", events[0].Metadata["eventType"])
	_, hasRemote := events[0].Metadata["remoteAddr"]
	assert.False(t, hasRemote, "listening sockets carry no remote address")

	assert.Equal(t, "closed_connection", events[1].Metadata["eventType"])
	assert.Equal(t, "203.0.113.4", events[1].Metadata["remoteAddr"])
	assert.Equal(t, model.SourceNetwork, events[1].Source)
}

func TestNetworkObserver_EmitsChanges(t *testing.T) {
	c2 := Connection{Protocol: "tcp", LocalAddr: "10.0.0.2", LocalPort: 40000, RemoteAddr: "45.155.205.233", RemotePort: 443, Status: "ESTABLISHED"}
	script := &scriptedConnections{
		snapshots: [][]Connection{{}, {}, {c2}},
		errAt:     2,
	}

	o := NewNetworkObserver(10*time.Millisecond, script.list, testLogger())
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	select {
	case err := <-o.Errors():
		var oerr *ObserverError
		require.ErrorAs(t, err, &oerr)
		assert.False(t, oerr.Fatal, "poll errors are not fatal")
	case <-time.After(2 * time.Second):
		t.Fatal("expected poll error")
	}

	select {
	case ev := <-o.Events():
		assert.Equal(t, "new_connection", ev.Metadata["eventType"])
		assert.Equal(t, "45.155.205.233", ev.Metadata["remoteAddr"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected new_connection event")
	}
	assert.True(t, o.IsRunning())
}

func TestDiffProcesses(t *testing.T) {
	prev := snapshotProcesses([]ProcessInfo{{PID: 1, Name: "init"}, {PID: 200, Name: "sshd"}, {PID: 300, Name: "cron"}})
	cur := snapshotProcesses([]ProcessInfo{{PID: 1, Name: "init"}, {PID: 300, Name: "xmrig"}, {PID: 400, Name: "nc", Cmdline: "nc -l 4444"}})

	counts := map[string][]string{}
	for _, ev := range diffProcesses(prev, cur) {
		kind := ev.Metadata["eventType"].(string)
		counts[kind] = append(counts[kind], ev.Metadata["processName"].(string))
	}

	assert.ElementsMatch(t, []string{"sshd", "cron"}, counts["process_stopped"])
	assert.ElementsMatch(t, []string{"xmrig", "nc"}, counts["process_started"])
}

func TestProcessObserver_EmitsStarts(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	list := func(ctx context.Context) ([]ProcessInfo, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return []ProcessInfo{{PID: 1, Name: "init"}}, nil
		}
		return []ProcessInfo{{PID: 1, Name: "init"}, {PID: 999, Name: "nc", User: "www-data"}}, nil
	}

	o := NewProcessObserver(10*time.Millisecond, list, testLogger())
	require.NoError(t, o.Start(context.Background()))

	select {
	case ev := <-o.Events():
		assert.Equal(t, "process_started", ev.Metadata["eventType"])
		assert.Equal(t, "nc", ev.Metadata["processName"])
		assert.Equal(t, "www-data", ev.Metadata["user"])
		assert.Equal(t, model.SourceProcess, ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("expected process_started event")
	}

	require.NoError(t, o.Stop())
	_, open := <-o.Events()
	assert.False(t, open, "channels are closed on stop")
}

func TestProcessObserver_InitialListFailure(t *testing.T) {
	o := NewProcessObserver(time.Second, func(ctx context.Context) ([]ProcessInfo, error) {
		return nil, errors.New("permission denied")
	}, testLogger())

	require.Error(t, o.Start(context.Background()))
	assert.False(t, o.IsRunning())
}
