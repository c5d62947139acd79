// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the closed set of event types exchanged between
// the stage progress tracker, the event broadcast manager, and connected
// viewers. Producers construct events through the New* helpers; events are
// immutable after construction.
package protocol

import "time"

// EventType tags an event for filtering and for the wire envelope.
type EventType string

const (
	EventStageStarted    EventType = "stage-started"
	EventStageProgress   EventType = "stage-progress"
	EventStageFinished   EventType = "stage-finished"
	EventStageError      EventType = "stage-error"
	EventMetricsSnapshot EventType = "metrics-snapshot"
)

// Priority is used only for subscription filtering, never for delivery order.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Well-known event sources.
const (
	SourcePipeline  = "pipeline"
	SourceBroadcast = "broadcast"
)

// Meta carries the envelope attributes shared by every event. It is embedded
// with a `json:"-"` tag so that only the payload fields of a concrete event
// end up in the envelope's data object.
type Meta struct {
	Timestamp time.Time
	Source    string
	Priority  Priority
}

// GetMeta satisfies the Event interface for any type embedding Meta.
func (m Meta) GetMeta() Meta {
	return m
}

// Event is implemented by every broadcastable event variant.
type Event interface {
	EventType() EventType
	GetMeta() Meta
}

func newMeta(source string, priority Priority) Meta {
	return Meta{
		Timestamp: time.Now().UTC(),
		Source:    source,
		Priority:  priority,
	}
}

// StageStartedEvent signals that a pipeline stage moved from pending to running.
type StageStartedEvent struct {
	Meta        `json:"-"`
	PipelineID  string  `json:"pipeline_id"`
	Stage       string  `json:"stage"`
	Progress    float64 `json:"progress"`
	Description string  `json:"description,omitempty"`
}

func (StageStartedEvent) EventType() EventType { return EventStageStarted }

// NewStageStartedEvent constructs a stage-started event for a pipeline run.
func NewStageStartedEvent(pipelineID, stage string, progress float64, description string) StageStartedEvent {
	return StageStartedEvent{
		Meta:        newMeta(SourcePipeline, PriorityNormal),
		PipelineID:  pipelineID,
		Stage:       stage,
		Progress:    progress,
		Description: description,
	}
}

// StageProgressEvent reports in-stage progress along with the recomputed
// overall progress of the run.
type StageProgressEvent struct {
	Meta          `json:"-"`
	PipelineID    string  `json:"pipeline_id"`
	Stage         string  `json:"stage"`
	StageProgress float64 `json:"stage_progress"`
	Progress      float64 `json:"progress"`
	Description   string  `json:"description,omitempty"`
}

func (StageProgressEvent) EventType() EventType { return EventStageProgress }

// NewStageProgressEvent constructs a stage-progress event.
func NewStageProgressEvent(pipelineID, stage string, stageProgress, overall float64, description string) StageProgressEvent {
	return StageProgressEvent{
		Meta:          newMeta(SourcePipeline, PriorityNormal),
		PipelineID:    pipelineID,
		Stage:         stage,
		StageProgress: stageProgress,
		Progress:      overall,
		Description:   description,
	}
}

// StageFinishedEvent signals successful completion of a stage. Result carries
// the stage's opaque output payload, forwarded to viewers as-is.
type StageFinishedEvent struct {
	Meta        `json:"-"`
	PipelineID  string         `json:"pipeline_id"`
	Stage       string         `json:"stage"`
	Progress    float64        `json:"progress"`
	Result      map[string]any `json:"result,omitempty"`
	Description string         `json:"description,omitempty"`
}

func (StageFinishedEvent) EventType() EventType { return EventStageFinished }

// NewStageFinishedEvent constructs a stage-finished event.
func NewStageFinishedEvent(pipelineID, stage string, progress float64, result map[string]any, description string) StageFinishedEvent {
	return StageFinishedEvent{
		Meta:        newMeta(SourcePipeline, PriorityNormal),
		PipelineID:  pipelineID,
		Stage:       stage,
		Progress:    progress,
		Result:      result,
		Description: description,
	}
}

// StageErrorEvent signals a failed stage; the run is terminal after it.
type StageErrorEvent struct {
	Meta       `json:"-"`
	PipelineID string  `json:"pipeline_id"`
	Stage      string  `json:"stage"`
	Progress   float64 `json:"progress"`
	Error      string  `json:"error"`
}

func (StageErrorEvent) EventType() EventType { return EventStageError }

// NewStageErrorEvent constructs a stage-error event.
func NewStageErrorEvent(pipelineID, stage string, progress float64, errMsg string) StageErrorEvent {
	return StageErrorEvent{
		Meta:       newMeta(SourcePipeline, PriorityNormal),
		PipelineID: pipelineID,
		Stage:      stage,
		Progress:   progress,
		Error:      errMsg,
	}
}

// MetricsSnapshotEvent is the broadcast manager's periodic heartbeat. It is
// tagged low priority so filtered viewers can opt out of it.
type MetricsSnapshotEvent struct {
	Meta              `json:"-"`
	TotalConnections  uint64    `json:"total_connections"`
	ActiveConnections int       `json:"active_connections"`
	EventsDelivered   uint64    `json:"events_delivered"`
	HistorySize       int       `json:"history_size"`
	LastActivity      time.Time `json:"last_activity"`
}

func (MetricsSnapshotEvent) EventType() EventType { return EventMetricsSnapshot }

// NewMetricsSnapshotEvent constructs a metrics-snapshot heartbeat event.
func NewMetricsSnapshotEvent(total uint64, active int, delivered uint64, historySize int, lastActivity time.Time) MetricsSnapshotEvent {
	return MetricsSnapshotEvent{
		Meta:              newMeta(SourceBroadcast, PriorityLow),
		TotalConnections:  total,
		ActiveConnections: active,
		EventsDelivered:   delivered,
		HistorySize:       historySize,
		LastActivity:      lastActivity,
	}
}
