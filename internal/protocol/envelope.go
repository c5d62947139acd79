// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "time"

// Envelope is the viewer-facing wire format. Every WebSocket message a viewer
// receives is one marshaled Envelope.
type Envelope struct {
	EventType EventType `json:"event_type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Priority  Priority  `json:"priority"`
}

// NewEnvelope wraps an event into its wire envelope. The event itself becomes
// the data object; its Meta fields are lifted to the envelope level.
func NewEnvelope(ev Event) Envelope {
	meta := ev.GetMeta()
	return Envelope{
		EventType: ev.EventType(),
		Data:      ev,
		Timestamp: meta.Timestamp,
		Source:    meta.Source,
		Priority:  meta.Priority,
	}
}
