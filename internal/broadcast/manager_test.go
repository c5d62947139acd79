// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchforge/launchforge/internal/config"
	"github.com/launchforge/launchforge/internal/protocol"
)

// fakeTransport records sends and can be told to fail.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	pingErr error
	pings   int
	closed  bool
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) failPings(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// testConfig keeps duty intervals long so background ticks never interfere
// unless a test shortens them on purpose.
func testConfig() config.BroadcastConfig {
	return config.BroadcastConfig{
		MaxConnections:  2,
		HistoryCapacity: 5,
		MetricsInterval: time.Minute,
		PingInterval:    time.Minute,
		SendTimeout:     time.Second,
	}
}

func startedEvent(pipelineID string) protocol.StageStartedEvent {
	return protocol.NewStageStartedEvent(pipelineID, "design", 30, "")
}

func TestManagerConnect(t *testing.T) {
	t.Run("rejects connections beyond capacity", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()

		require.NoError(t, m.Connect("a", &fakeTransport{}, nil))
		require.NoError(t, m.Connect("b", &fakeTransport{}, nil))

		err := m.Connect("c", &fakeTransport{}, nil)
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assert.Equal(t, 2, m.Metrics().ActiveConnections)
	})

	t.Run("reused id replaces the old connection even at capacity", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()

		old := &fakeTransport{}
		require.NoError(t, m.Connect("a", old, nil))
		require.NoError(t, m.Connect("b", &fakeTransport{}, nil))

		replacement := &fakeTransport{}
		require.NoError(t, m.Connect("a", replacement, nil))

		assert.True(t, old.isClosed())
		assert.Equal(t, 2, m.Metrics().ActiveConnections)

		delivered, err := m.Broadcast(startedEvent("pipe-1"))
		require.NoError(t, err)
		assert.Equal(t, 2, delivered)
		assert.Equal(t, 1, replacement.sentCount())
		assert.Equal(t, 0, old.sentCount())
	})

	t.Run("counts cumulative connections", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()

		require.NoError(t, m.Connect("a", &fakeTransport{}, nil))
		require.NoError(t, m.Disconnect("a"))
		require.NoError(t, m.Connect("b", &fakeTransport{}, nil))

		metrics := m.Metrics()
		assert.Equal(t, uint64(2), metrics.TotalConnections)
		assert.Equal(t, 1, metrics.ActiveConnections)
	})
}

func TestManagerDisconnect(t *testing.T) {
	m := NewManager(testConfig())
	defer m.Shutdown()

	tr := &fakeTransport{}
	require.NoError(t, m.Connect("a", tr, nil))

	require.NoError(t, m.Disconnect("a"))
	assert.True(t, tr.isClosed())

	// Second disconnect is reported, not absorbed.
	err := m.Disconnect("a")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	assert.ErrorIs(t, m.Disconnect("never-existed"), ErrConnectionNotFound)
}

func TestManagerBroadcast(t *testing.T) {
	t.Run("delivers only to matching filters", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()

		all := &fakeTransport{}
		errorsOnly := &fakeTransport{}
		require.NoError(t, m.Connect("all", all, nil))
		require.NoError(t, m.Connect("errors", errorsOnly, &protocol.SubscriptionFilter{
			EventTypes: []protocol.EventType{protocol.EventStageError},
		}))

		delivered, err := m.Broadcast(startedEvent("pipe-1"))
		require.NoError(t, err)
		assert.Equal(t, 1, delivered)
		assert.Equal(t, 1, all.sentCount())
		assert.Equal(t, 0, errorsOnly.sentCount())

		delivered, err = m.Broadcast(protocol.NewStageErrorEvent("pipe-1", "design", 30, "boom"))
		require.NoError(t, err)
		assert.Equal(t, 2, delivered)
		assert.Equal(t, 1, errorsOnly.sentCount())
	})

	t.Run("sends the serialized envelope", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()

		tr := &fakeTransport{}
		require.NoError(t, m.Connect("a", tr, nil))

		_, err := m.Broadcast(startedEvent("pipe-1"))
		require.NoError(t, err)

		var env map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(tr.lastSent(), &env))
		assert.Contains(t, env, "event_type")
		assert.Contains(t, env, "data")
		assert.Contains(t, env, "priority")
	})

	t.Run("a failed send disconnects that viewer only", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()

		healthy := &fakeTransport{}
		dead := &fakeTransport{}
		dead.failSends(errors.New("peer gone"))
		require.NoError(t, m.Connect("healthy", healthy, nil))
		require.NoError(t, m.Connect("dead", dead, nil))

		delivered, err := m.Broadcast(startedEvent("pipe-1"))
		require.NoError(t, err)
		assert.Equal(t, 1, delivered)
		assert.Equal(t, 1, healthy.sentCount())
		assert.True(t, dead.isClosed())
		assert.Equal(t, 1, m.Metrics().ActiveConnections)
	})

	t.Run("history records events even with no viewers", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()

		for i := 0; i < 7; i++ {
			_, err := m.Broadcast(startedEvent("pipe-1"))
			require.NoError(t, err)
		}

		// Capacity is 5; the two oldest were evicted.
		assert.Equal(t, 5, m.Metrics().HistorySize)
		assert.Len(t, m.EventHistory(0), 5)
		assert.Len(t, m.EventHistory(3), 3)
	})

	t.Run("accumulates delivered counter", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()

		require.NoError(t, m.Connect("a", &fakeTransport{}, nil))
		require.NoError(t, m.Connect("b", &fakeTransport{}, nil))

		_, err := m.Broadcast(startedEvent("pipe-1"))
		require.NoError(t, err)
		_, err = m.Broadcast(startedEvent("pipe-2"))
		require.NoError(t, err)

		assert.Equal(t, uint64(4), m.Metrics().EventsDelivered)
	})
}

func TestManagerUpdateFilter(t *testing.T) {
	m := NewManager(testConfig())
	defer m.Shutdown()

	tr := &fakeTransport{}
	require.NoError(t, m.Connect("a", tr, nil))

	require.NoError(t, m.UpdateFilter("a", &protocol.SubscriptionFilter{
		EventTypes: []protocol.EventType{protocol.EventStageError},
	}))

	_, err := m.Broadcast(startedEvent("pipe-1"))
	require.NoError(t, err)
	assert.Equal(t, 0, tr.sentCount())

	// Clearing the filter restores delivery of everything.
	require.NoError(t, m.UpdateFilter("a", nil))
	_, err = m.Broadcast(startedEvent("pipe-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, tr.sentCount())

	assert.ErrorIs(t, m.UpdateFilter("missing", nil), ErrConnectionNotFound)
}

func TestManagerPing(t *testing.T) {
	t.Run("failed probe drops the connection", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()

		tr := &fakeTransport{}
		tr.failPings(errors.New("write: broken pipe"))
		require.NoError(t, m.Connect("a", tr, nil))

		err := m.Ping("a")
		require.Error(t, err)
		assert.True(t, tr.isClosed())
		assert.Equal(t, 0, m.Metrics().ActiveConnections)
	})

	t.Run("successful probe keeps the connection", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()

		tr := &fakeTransport{}
		require.NoError(t, m.Connect("a", tr, nil))
		require.NoError(t, m.Ping("a"))
		assert.Equal(t, 1, m.Metrics().ActiveConnections)
	})

	t.Run("unknown id", func(t *testing.T) {
		m := NewManager(testConfig())
		defer m.Shutdown()
		assert.ErrorIs(t, m.Ping("ghost"), ErrConnectionNotFound)
	})
}

func TestDutyLifecycle(t *testing.T) {
	m := NewManager(testConfig())

	assert.False(t, m.dutiesRunning())

	require.NoError(t, m.Connect("a", &fakeTransport{}, nil))
	assert.True(t, m.dutiesRunning())

	// A second connection must not restart or duplicate the duties.
	require.NoError(t, m.Connect("b", &fakeTransport{}, nil))
	assert.True(t, m.dutiesRunning())

	require.NoError(t, m.Disconnect("a"))
	assert.True(t, m.dutiesRunning())

	require.NoError(t, m.Disconnect("b"))
	assert.False(t, m.dutiesRunning())

	// The cycle restarts cleanly.
	require.NoError(t, m.Connect("c", &fakeTransport{}, nil))
	assert.True(t, m.dutiesRunning())

	m.Shutdown()
	assert.False(t, m.dutiesRunning())
}

func TestMetricsHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsInterval = 20 * time.Millisecond
	m := NewManager(cfg)
	defer m.Shutdown()

	tr := &fakeTransport{}
	require.NoError(t, m.Connect("a", tr, nil))

	require.Eventually(t, func() bool {
		return tr.sentCount() > 0
	}, 2*time.Second, 5*time.Millisecond, "expected a heartbeat frame")

	var env struct {
		EventType string `json:"event_type"`
		Priority  string `json:"priority"`
		Source    string `json:"source"`
	}
	require.NoError(t, json.Unmarshal(tr.lastSent(), &env))
	assert.Equal(t, string(protocol.EventMetricsSnapshot), env.EventType)
	assert.Equal(t, string(protocol.PriorityLow), env.Priority)
	assert.Equal(t, protocol.SourceBroadcast, env.Source)
}

func TestLivenessSweepDropsDeadViewer(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	m := NewManager(cfg)
	defer m.Shutdown()

	healthy := &fakeTransport{}
	dead := &fakeTransport{}
	dead.failPings(errors.New("write: broken pipe"))
	require.NoError(t, m.Connect("healthy", healthy, nil))
	require.NoError(t, m.Connect("dead", dead, nil))

	require.Eventually(t, func() bool {
		return m.Metrics().ActiveConnections == 1
	}, 2*time.Second, 5*time.Millisecond, "expected the sweep to drop the dead viewer")
	assert.True(t, dead.isClosed())
	assert.False(t, healthy.isClosed())
}

func TestManagerShutdown(t *testing.T) {
	m := NewManager(testConfig())

	a := &fakeTransport{}
	b := &fakeTransport{}
	require.NoError(t, m.Connect("a", a, nil))
	require.NoError(t, m.Connect("b", b, nil))

	m.Shutdown()

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, m.Metrics().ActiveConnections)
	assert.False(t, m.dutiesRunning())
}
