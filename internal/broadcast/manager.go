// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package broadcast implements the event broadcast manager: it owns the set
// of live viewer connections, fans typed events out to the subset whose
// subscription filter matches, keeps a bounded history of recent events, and
// runs two periodic background duties (metrics heartbeat, liveness sweep)
// while at least one viewer is connected.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/launchforge/launchforge/internal/config"
	"github.com/launchforge/launchforge/internal/logger"
	"github.com/launchforge/launchforge/internal/protocol"
)

var (
	// ErrCapacityExceeded is returned by Connect once the configured maximum
	// concurrent-connection count is reached.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	// ErrConnectionNotFound is returned for operations on unknown connection ids.
	ErrConnectionNotFound = errors.New("connection not found")
)

// connection is one live viewer record. The manager owns it exclusively;
// filter and liveness timestamp are guarded by the connection's own mutex so
// filter updates never contend with the manager-wide lock.
type connection struct {
	id          string
	transport   Transport
	connectedAt time.Time

	mu         sync.RWMutex
	filter     *protocol.SubscriptionFilter
	lastPingAt time.Time
}

func (c *connection) matches(ev protocol.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.Matches(ev)
}

// Metrics is a point-in-time snapshot of the manager's counters.
type Metrics struct {
	TotalConnections  uint64    `json:"total_connections"`
	ActiveConnections int       `json:"active_connections"`
	EventsDelivered   uint64    `json:"events_delivered"`
	LastActivity      time.Time `json:"last_activity"`
	HistorySize       int       `json:"history_size"`
}

// Manager is the event broadcast manager. Construct it with NewManager and
// pass it by reference to whichever component produces or serves events; its
// lifecycle belongs to the process entrypoint.
type Manager struct {
	cfg config.BroadcastConfig
	log zerolog.Logger

	mu               sync.RWMutex
	conns            map[string]*connection
	history          *historyRing
	totalConnections uint64
	eventsDelivered  uint64
	lastActivity     time.Time

	supervisor *dutySupervisor
}

// NewManager creates a broadcast manager with the given configuration.
func NewManager(cfg config.BroadcastConfig) *Manager {
	m := &Manager{
		cfg:     cfg,
		log:     logger.GetBroadcastLogger(),
		conns:   make(map[string]*connection),
		history: newHistoryRing(cfg.HistoryCapacity),
	}
	m.supervisor = newDutySupervisor(m)
	return m
}

// Connect registers a new viewer connection. A reused connection id evicts
// and replaces the prior record. Returns ErrCapacityExceeded, with no side
// effects, once the configured maximum is reached.
func (m *Manager) Connect(connectionID string, transport Transport, filter *protocol.SubscriptionFilter) error {
	now := time.Now().UTC()

	m.mu.Lock()
	var evicted *connection
	if old, ok := m.conns[connectionID]; ok {
		evicted = old
		delete(m.conns, connectionID)
	} else if len(m.conns) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d connections", ErrCapacityExceeded, m.cfg.MaxConnections)
	}

	wasEmpty := len(m.conns) == 0
	m.conns[connectionID] = &connection{
		id:          connectionID,
		transport:   transport,
		connectedAt: now,
		lastPingAt:  now,
		filter:      filter,
	}
	m.totalConnections++
	m.lastActivity = now
	if wasEmpty {
		m.supervisor.start()
	}
	m.mu.Unlock()

	if evicted != nil {
		m.closeTransport(evicted)
		m.log.Info().Str("connection_id", connectionID).Msg("Replaced existing viewer connection")
	}
	m.log.Info().Str("connection_id", connectionID).Msg("Viewer connected")
	return nil
}

// Disconnect closes the viewer's transport (best-effort) and removes the
// record. Returns ErrConnectionNotFound for unknown ids; disconnecting twice
// is therefore reported, never silently absorbed.
func (m *Manager) Disconnect(connectionID string) error {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	delete(m.conns, connectionID)
	if len(m.conns) == 0 {
		m.supervisor.stop()
	}
	m.mu.Unlock()

	m.closeTransport(c)
	m.log.Info().Str("connection_id", connectionID).Msg("Viewer disconnected")
	return nil
}

// Broadcast serializes the event once, appends it to history, and delivers it
// to every connection whose filter matches. Connections whose send fails are
// disconnected after the delivery loop, so one dead viewer never blocks the
// rest. Returns the number of successful deliveries. The only error case is a
// malformed (unserializable) event, in which case nothing is delivered.
func (m *Manager) Broadcast(ev protocol.Event) (int, error) {
	env := protocol.NewEnvelope(ev)
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal %s event: %w", ev.EventType(), err)
	}

	m.mu.Lock()
	m.history.append(env)
	targets := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		if c.matches(ev) {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	delivered := 0
	var failed []string
	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout())
		err := c.transport.Send(ctx, data)
		cancel()
		if err != nil {
			m.log.Warn().Str("connection_id", c.id).Err(err).Msg("Event delivery failed")
			failed = append(failed, c.id)
			continue
		}
		delivered++
	}

	m.mu.Lock()
	m.eventsDelivered += uint64(delivered)
	m.lastActivity = time.Now().UTC()
	m.mu.Unlock()

	// Cleanup happens after the delivery loop; a connection that died mid-loop
	// must not stall the remaining sends.
	for _, id := range failed {
		if err := m.Disconnect(id); err != nil && !errors.Is(err, ErrConnectionNotFound) {
			m.log.Warn().Str("connection_id", id).Err(err).Msg("Cleanup disconnect failed")
		}
	}

	return delivered, nil
}

// UpdateFilter atomically replaces a connection's subscription filter. A nil
// filter means "receive everything".
func (m *Manager) UpdateFilter(connectionID string, filter *protocol.SubscriptionFilter) error {
	m.mu.RLock()
	c, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}

	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()
	return nil
}

// Ping sends a transport-level liveness probe. A failed probe disconnects the
// connection and returns the failure; a successful one refreshes the
// liveness timestamp.
func (m *Manager) Ping(connectionID string) error {
	m.mu.RLock()
	c, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout())
	err := c.transport.Ping(ctx)
	cancel()
	if err != nil {
		if derr := m.Disconnect(connectionID); derr != nil && !errors.Is(derr, ErrConnectionNotFound) {
			m.log.Warn().Str("connection_id", connectionID).Err(derr).Msg("Disconnect after failed ping failed")
		}
		return fmt.Errorf("ping %s: %w", connectionID, err)
	}

	c.mu.Lock()
	c.lastPingAt = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

// Metrics returns a snapshot of the manager's counters.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		TotalConnections:  m.totalConnections,
		ActiveConnections: len(m.conns),
		EventsDelivered:   m.eventsDelivered,
		LastActivity:      m.lastActivity,
		HistorySize:       m.history.len(),
	}
}

// EventHistory returns the most recent limit events, newest last. The read
// does not consume or mutate history.
func (m *Manager) EventHistory(limit int) []protocol.Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.recent(limit)
}

// Shutdown stops the background duties and closes every remaining connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	remaining := lo.Values(m.conns)
	m.conns = make(map[string]*connection)
	m.supervisor.stop()
	m.mu.Unlock()

	for _, c := range remaining {
		m.closeTransport(c)
	}
	m.supervisor.wait()
	m.log.Info().Int("closed", len(remaining)).Msg("Broadcast manager shut down")
}

func (m *Manager) closeTransport(c *connection) {
	if err := c.transport.Close(); err != nil {
		m.log.Debug().Str("connection_id", c.id).Err(err).Msg("Transport close failed")
	}
}

func (m *Manager) sendTimeout() time.Duration {
	if m.cfg.SendTimeout > 0 {
		return m.cfg.SendTimeout
	}
	return defaultWriteWait
}

// connectionIDs snapshots the currently connected ids for the liveness sweep.
func (m *Manager) connectionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.conns)
}

// broadcastMetricsSnapshot emits the periodic low-priority heartbeat event.
func (m *Manager) broadcastMetricsSnapshot() {
	snap := m.Metrics()
	ev := protocol.NewMetricsSnapshotEvent(
		snap.TotalConnections,
		snap.ActiveConnections,
		snap.EventsDelivered,
		snap.HistorySize,
		snap.LastActivity,
	)
	if _, err := m.Broadcast(ev); err != nil {
		m.log.Error().Err(err).Msg("Metrics heartbeat broadcast failed")
	}
}

// dutiesRunning reports whether the background duties are active. Exposed for
// lifecycle verification.
func (m *Manager) dutiesRunning() bool {
	return m.supervisor.running()
}
