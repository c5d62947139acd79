// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package broadcast

import "github.com/launchforge/launchforge/internal/protocol"

// historyRing is a fixed-capacity ring of recent event envelopes. Oldest
// entries are evicted once capacity is exceeded. It provides no durability;
// it only backs the "recent events" query.
type historyRing struct {
	buf  []protocol.Envelope
	next int
	size int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{buf: make([]protocol.Envelope, capacity)}
}

func (r *historyRing) append(env protocol.Envelope) {
	r.buf[r.next] = env
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *historyRing) len() int {
	return r.size
}

// recent returns up to limit of the newest envelopes, oldest first.
func (r *historyRing) recent(limit int) []protocol.Envelope {
	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]protocol.Envelope, 0, limit)
	start := r.next - limit
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < limit; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
