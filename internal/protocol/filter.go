// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// SubscriptionFilter determines which events a viewer receives. Each populated
// set is a conjunctive constraint; an empty set places no constraint. A nil or
// zero-valued filter matches every event.
type SubscriptionFilter struct {
	EventTypes []EventType `json:"event_types,omitempty"`
	Sources    []string    `json:"sources,omitempty"`
	Priorities []Priority  `json:"priority,omitempty"`
}

// Matches reports whether the event passes the filter. A nil filter matches
// everything.
func (f *SubscriptionFilter) Matches(ev Event) bool {
	if f == nil {
		return true
	}

	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, ev.EventType()) {
		return false
	}

	meta := ev.GetMeta()
	if len(f.Sources) > 0 && !containsString(f.Sources, meta.Source) {
		return false
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, meta.Priority) {
		return false
	}
	return true
}

func containsType(set []EventType, t EventType) bool {
	for _, v := range set {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsPriority(set []Priority, p Priority) bool {
	for _, v := range set {
		if v == p {
			return true
		}
	}
	return false
}
