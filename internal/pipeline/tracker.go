// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline implements the stage progress tracker: it translates the
// external orchestrator's lifecycle notifications into well-defined stage
// transitions over the fixed build pipeline, computes overall progress,
// persists updates through the pipeline store, emits events through the
// broadcast manager, and triggers the next stage when one completes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/launchforge/launchforge/internal/logger"
	"github.com/launchforge/launchforge/internal/protocol"
)

var (
	// ErrOutOfOrder is returned for notifications that arrive in an invalid
	// order (PROGRESS or FINISH before START, START on a non-pending stage).
	// The notification is logged and ignored; no state is mutated.
	ErrOutOfOrder = errors.New("out-of-order notification")
	// ErrInvalidNotification is returned for structurally invalid
	// notifications (missing pipeline id, unknown type, missing fields).
	ErrInvalidNotification = errors.New("invalid notification")
)

// NotificationType is the orchestrator's lifecycle notification kind.
type NotificationType string

const (
	NotifyStart    NotificationType = "START"
	NotifyProgress NotificationType = "PROGRESS"
	NotifyFinish   NotificationType = "FINISH"
	NotifyError    NotificationType = "ERROR"
)

// Notification is one lifecycle record received from the external
// orchestrator.
type Notification struct {
	Type        NotificationType `json:"type"`
	PipelineID  string           `json:"pipeline_id"`
	Stage       string           `json:"stage"`
	Progress    *float64         `json:"progress,omitempty"` // 0-100, PROGRESS only
	Status      string           `json:"status,omitempty"`   // "success"|"failure", FINISH only
	Error       string           `json:"error,omitempty"`    // ERROR only
	Result      map[string]any   `json:"result,omitempty"`   // opaque, forwarded to the next-stage trigger
	Description string           `json:"description,omitempty"`
}

// TriggerRequest is the outbound call dispatching the next stage to the
// orchestrator. Metadata is tenant/user context forwarded unmodified.
type TriggerRequest struct {
	TaskType   string            `json:"task_type"`
	PipelineID string            `json:"pipeline_id"`
	Result     map[string]any    `json:"result,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Store persists stage updates. The collaborator is expected to provide
// idempotent upsert semantics; the tracker may call it more than once with
// the same logical update. It is a write-behind replica, never consulted for
// in-memory decisions.
type Store interface {
	UpdateStage(ctx context.Context, pipelineID string, stage Stage, status StageStatus,
		progress float64, description, errorMessage string, timestamp time.Time) error
}

// Trigger dispatches the next stage to the external orchestrator.
type Trigger interface {
	TriggerStage(ctx context.Context, req TriggerRequest) error
}

// Broadcaster fans an event out to connected viewers.
type Broadcaster interface {
	Broadcast(ev protocol.Event) (int, error)
}

// runState is the tracker-owned state of one pipeline run. Its mutex
// serializes all transitions for the run; distinct runs proceed
// independently.
type runState struct {
	mu       sync.Mutex
	statuses [numStages]StageStatus
	progress float64
	metadata map[string]string
	failed   bool
}

// StageSnapshot is one stage's state in a run snapshot.
type StageSnapshot struct {
	Stage  string  `json:"stage"`
	Status string  `json:"status"`
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
}

// RunSnapshot is a read-only view of a run for API consumers.
type RunSnapshot struct {
	PipelineID string          `json:"pipeline_id"`
	Progress   float64         `json:"progress"`
	Failed     bool            `json:"failed"`
	Stages     []StageSnapshot `json:"stages"`
}

// Tracker is the stage progress tracker. Construct it with NewTracker and
// feed it orchestrator notifications via HandleNotification.
type Tracker struct {
	table          *StageTable
	store          Store
	trigger        Trigger
	broadcaster    Broadcaster
	triggerTimeout time.Duration
	log            zerolog.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// NewTracker creates a tracker over the given stage table and collaborators.
func NewTracker(table *StageTable, store Store, trigger Trigger, broadcaster Broadcaster, triggerTimeout time.Duration) *Tracker {
	return &Tracker{
		table:          table,
		store:          store,
		trigger:        trigger,
		broadcaster:    broadcaster,
		triggerTimeout: triggerTimeout,
		log:            logger.GetPipelineLogger(),
		runs:           make(map[string]*runState),
	}
}

// RegisterRun installs tenant/user metadata for a run before its first
// notification. The metadata is forwarded unmodified on every next-stage
// trigger. Runs without registration are created lazily with no metadata.
func (t *Tracker) RegisterRun(pipelineID string, metadata map[string]string) {
	run := t.run(pipelineID)
	run.mu.Lock()
	run.metadata = metadata
	run.mu.Unlock()
}

// Run returns a snapshot of a known pipeline run.
func (t *Tracker) Run(pipelineID string) (RunSnapshot, bool) {
	t.mu.Lock()
	run, ok := t.runs[pipelineID]
	t.mu.Unlock()
	if !ok {
		return RunSnapshot{}, false
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	snap := RunSnapshot{
		PipelineID: pipelineID,
		Progress:   run.progress,
		Failed:     run.failed,
		Stages:     make([]StageSnapshot, 0, numStages),
	}
	for i := 0; i < numStages; i++ {
		stage := Stage(i)
		low, high := t.table.Range(stage)
		snap.Stages = append(snap.Stages, StageSnapshot{
			Stage:  stage.String(),
			Status: run.statuses[i].String(),
			Low:    low,
			High:   high,
		})
	}
	return snap, true
}

// run returns the state for a pipeline id, creating it on first use.
func (t *Tracker) run(pipelineID string) *runState {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[pipelineID]
	if !ok {
		run = &runState{}
		t.runs[pipelineID] = run
	}
	return run
}

// HandleNotification applies one orchestrator notification. Accepted
// transitions update in-memory state, then persist through the store and
// broadcast to viewers — both best-effort and independent of one another.
// Rejected notifications (unknown stage, out-of-order) mutate nothing.
func (t *Tracker) HandleNotification(ctx context.Context, n Notification) error {
	if n.PipelineID == "" {
		return fmt.Errorf("%w: missing pipeline_id", ErrInvalidNotification)
	}

	stage, err := ParseStage(n.Stage)
	if err != nil {
		t.log.Warn().Str("pipeline_id", n.PipelineID).Str("stage", n.Stage).
			Msg("Rejected notification for unknown stage")
		return err
	}

	run := t.run(n.PipelineID)
	run.mu.Lock()
	defer run.mu.Unlock()

	switch n.Type {
	case NotifyStart:
		return t.startStage(ctx, run, n, stage)
	case NotifyProgress:
		return t.progressStage(ctx, run, n, stage)
	case NotifyFinish:
		switch n.Status {
		case "success":
			return t.finishStage(ctx, run, n, stage)
		case "failure":
			return t.failStage(ctx, run, n, stage, "stage reported failure")
		default:
			return fmt.Errorf("%w: FINISH status must be success or failure, got %q", ErrInvalidNotification, n.Status)
		}
	case NotifyError:
		return t.failStage(ctx, run, n, stage, n.Error)
	default:
		return fmt.Errorf("%w: unknown notification type %q", ErrInvalidNotification, n.Type)
	}
}

func (t *Tracker) startStage(ctx context.Context, run *runState, n Notification, stage Stage) error {
	if run.failed {
		t.logOutOfOrder(n, stage, "run already failed")
		return fmt.Errorf("%w: run %s already failed", ErrOutOfOrder, n.PipelineID)
	}
	if run.statuses[stage] != StatusPending {
		t.logOutOfOrder(n, stage, "stage not pending")
		return fmt.Errorf("%w: START for %s stage %s", ErrOutOfOrder, run.statuses[stage], stage)
	}

	run.statuses[stage] = StatusRunning
	low, _ := t.table.Range(stage)
	if low > run.progress {
		run.progress = low
	}

	t.persist(ctx, n.PipelineID, stage, StatusRunning, run.progress, n.Description, "")
	t.emit(protocol.NewStageStartedEvent(n.PipelineID, stage.String(), run.progress, n.Description))
	return nil
}

func (t *Tracker) progressStage(ctx context.Context, run *runState, n Notification, stage Stage) error {
	if run.statuses[stage] != StatusRunning {
		t.logOutOfOrder(n, stage, "PROGRESS for stage that is not running")
		return fmt.Errorf("%w: PROGRESS for %s stage %s", ErrOutOfOrder, run.statuses[stage], stage)
	}
	if n.Progress == nil {
		return fmt.Errorf("%w: PROGRESS notification missing progress value", ErrInvalidNotification)
	}

	p := *n.Progress
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}

	low, high := t.table.Range(stage)
	overall := low + (high-low)*p/100
	// Overall progress never decreases; late-arriving PROGRESS notifications
	// are absorbed at the current value.
	if overall > run.progress {
		run.progress = overall
	}

	t.persist(ctx, n.PipelineID, stage, StatusRunning, run.progress, n.Description, "")
	t.emit(protocol.NewStageProgressEvent(n.PipelineID, stage.String(), p, run.progress, n.Description))
	return nil
}

func (t *Tracker) finishStage(ctx context.Context, run *runState, n Notification, stage Stage) error {
	if run.statuses[stage] != StatusRunning {
		t.logOutOfOrder(n, stage, "FINISH for stage that is not running")
		return fmt.Errorf("%w: FINISH for %s stage %s", ErrOutOfOrder, run.statuses[stage], stage)
	}

	run.statuses[stage] = StatusCompleted
	_, high := t.table.Range(stage)
	if high > run.progress {
		run.progress = high
	}

	t.persist(ctx, n.PipelineID, stage, StatusCompleted, run.progress, n.Description, "")
	t.emit(protocol.NewStageFinishedEvent(n.PipelineID, stage.String(), run.progress, n.Result, n.Description))

	next, ok := stage.next()
	if !ok {
		t.log.Info().Str("pipeline_id", n.PipelineID).Msg("Pipeline run completed")
		return nil
	}
	t.triggerNext(n.PipelineID, next, n.Result, run.metadata)
	return nil
}

func (t *Tracker) failStage(ctx context.Context, run *runState, n Notification, stage Stage, errMsg string) error {
	if run.statuses[stage] != StatusRunning {
		t.logOutOfOrder(n, stage, "failure for stage that is not running")
		return fmt.Errorf("%w: failure for %s stage %s", ErrOutOfOrder, run.statuses[stage], stage)
	}

	run.statuses[stage] = StatusFailed
	run.failed = true

	t.persist(ctx, n.PipelineID, stage, StatusFailed, run.progress, n.Description, errMsg)
	t.emit(protocol.NewStageErrorEvent(n.PipelineID, stage.String(), run.progress, errMsg))
	t.log.Warn().Str("pipeline_id", n.PipelineID).Str("stage", stage.String()).
		Str("error", errMsg).Msg("Pipeline run failed")
	return nil
}

// triggerNext dispatches the next stage to the orchestrator. Failure is
// logged and not retried; the run stays at the completed-stage state.
func (t *Tracker) triggerNext(pipelineID string, next Stage, result map[string]any, metadata map[string]string) {
	if t.trigger == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.triggerTimeout)
	defer cancel()

	req := TriggerRequest{
		TaskType:   next.TaskType(),
		PipelineID: pipelineID,
		Result:     result,
		Metadata:   metadata,
	}
	if err := t.trigger.TriggerStage(ctx, req); err != nil {
		t.log.Error().Str("pipeline_id", pipelineID).Str("next_stage", next.String()).
			Err(err).Msg("Failed to trigger next stage")
		return
	}
	t.log.Info().Str("pipeline_id", pipelineID).Str("next_stage", next.String()).
		Msg("Triggered next stage")
}

// persist writes the stage update through the store. Store failures are
// logged and never block the broadcast; viewers see live state even if the
// durable write races.
func (t *Tracker) persist(ctx context.Context, pipelineID string, stage Stage, status StageStatus,
	progress float64, description, errMsg string) {
	if t.store == nil {
		return
	}
	if err := t.store.UpdateStage(ctx, pipelineID, stage, status, progress, description, errMsg, time.Now().UTC()); err != nil {
		t.log.Error().Str("pipeline_id", pipelineID).Str("stage", stage.String()).
			Err(err).Msg("Stage update persistence failed")
	}
}

// emit broadcasts the event. A malformed-event failure is logged and does not
// roll back the store update; the two effects are independent.
func (t *Tracker) emit(ev protocol.Event) {
	if t.broadcaster == nil {
		return
	}
	if _, err := t.broadcaster.Broadcast(ev); err != nil {
		t.log.Error().Str("event_type", string(ev.EventType())).Err(err).
			Msg("Event broadcast failed")
	}
}

func (t *Tracker) logOutOfOrder(n Notification, stage Stage, reason string) {
	t.log.Warn().Str("pipeline_id", n.PipelineID).Str("stage", stage.String()).
		Str("type", string(n.Type)).Str("reason", reason).
		Msg("Ignored out-of-order notification")
}
