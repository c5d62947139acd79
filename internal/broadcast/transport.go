// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteWait = 10 * time.Second

// Transport abstracts a viewer's underlying connection. The manager owns the
// transport exclusively for as long as the connection record exists.
type Transport interface {
	// Send delivers one serialized event frame. It must respect the context
	// deadline and return an error for a closed or dead peer.
	Send(ctx context.Context, data []byte) error
	// Ping sends a transport-level liveness probe.
	Ping(ctx context.Context) error
	// Close shuts the transport down. Safe to call more than once.
	Close() error
}

// wsTransport adapts a gorilla WebSocket connection to the Transport
// interface. gorilla permits only one concurrent writer per connection, so
// all writes are serialized behind a mutex.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebSocketTransport wraps an upgraded WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(defaultWriteWait)
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Best-effort close frame so well-behaved clients see a clean shutdown.
	t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}
