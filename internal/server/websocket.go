// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/launchforge/launchforge/internal/broadcast"
	"github.com/launchforge/launchforge/internal/protocol"
)

const (
	// WebSocket limits
	maxMessageSize = 4096
	pongWait       = 60 * time.Second
)

// newUpgrader creates a WebSocket upgrader that respects the configured allowed
// origins. When allowedOrigins is empty the upgrader accepts any origin
// (localhost development mode). When set, only those origins are permitted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			_, ok := allowed[origin]
			return ok
		},
	}
}

// wsMessage is the envelope for viewer → server WebSocket messages.
type wsMessage struct {
	Type   string                       `json:"type"` // "set_filter" or "clear_filter"
	Filter *protocol.SubscriptionFilter `json:"filter,omitempty"`
}

// filterFromQuery builds an initial subscription filter from query
// parameters. Returns nil (receive everything) when no constraint is given.
func filterFromQuery(r *http.Request) *protocol.SubscriptionFilter {
	q := r.URL.Query()
	f := &protocol.SubscriptionFilter{}

	if raw := q.Get("event_types"); raw != "" {
		for _, v := range strings.Split(raw, ",") {
			f.EventTypes = append(f.EventTypes, protocol.EventType(strings.TrimSpace(v)))
		}
	}
	if raw := q.Get("sources"); raw != "" {
		for _, v := range strings.Split(raw, ",") {
			f.Sources = append(f.Sources, strings.TrimSpace(v))
		}
	}
	if raw := q.Get("priority"); raw != "" {
		for _, v := range strings.Split(raw, ",") {
			f.Priorities = append(f.Priorities, protocol.Priority(strings.TrimSpace(v)))
		}
	}

	if len(f.EventTypes) == 0 && len(f.Sources) == 0 && len(f.Priorities) == 0 {
		return nil
	}
	return f
}

// HandleWebSocket upgrades an HTTP connection, registers the viewer with the
// broadcast manager, and serves filter updates until the connection drops.
func HandleWebSocket(manager *broadcast.Manager, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		connectionID := uuid.New().String()
		transport := broadcast.NewWebSocketTransport(conn)

		if err := manager.Connect(connectionID, transport, filterFromQuery(r)); err != nil {
			if errors.Is(err, broadcast.ErrCapacityExceeded) {
				getLog().Warn().Str("remote", r.RemoteAddr).Msg("WebSocket connection limit reached")
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			} else {
				getLog().Error().Err(err).Msg("WebSocket registration failed")
			}
			conn.Close()
			return
		}
		getLog().Info().Str("connection_id", connectionID).Str("remote", r.RemoteAddr).
			Msg("WebSocket viewer connected")

		readLoop(manager, conn, connectionID)
	}
}

// readLoop consumes viewer messages until the connection drops, then removes
// the viewer from the manager. The manager's liveness sweep sends the ping
// frames; the pong handler here extends the read deadline.
func readLoop(manager *broadcast.Manager, conn *websocket.Conn, connectionID string) {
	defer func() {
		if err := manager.Disconnect(connectionID); err != nil &&
			!errors.Is(err, broadcast.ErrConnectionNotFound) {
			getLog().Warn().Str("connection_id", connectionID).Err(err).Msg("WebSocket cleanup failed")
		}
		getLog().Info().Str("connection_id", connectionID).Msg("WebSocket viewer disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			getLog().Warn().Err(err).Msg("Invalid WebSocket message")
			continue
		}

		switch msg.Type {
		case "set_filter":
			if err := manager.UpdateFilter(connectionID, msg.Filter); err != nil {
				getLog().Warn().Str("connection_id", connectionID).Err(err).Msg("Filter update failed")
				return
			}
			getLog().Debug().Str("connection_id", connectionID).Msg("WebSocket filter updated")
		case "clear_filter":
			if err := manager.UpdateFilter(connectionID, nil); err != nil {
				getLog().Warn().Str("connection_id", connectionID).Err(err).Msg("Filter clear failed")
				return
			}
			getLog().Debug().Str("connection_id", connectionID).Msg("WebSocket filter cleared")
		default:
			getLog().Warn().Str("type", msg.Type).Msg("Unknown WebSocket message type")
		}
	}
}
