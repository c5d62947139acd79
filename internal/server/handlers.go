// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/launchforge/launchforge/internal/broadcast"
	"github.com/launchforge/launchforge/internal/pipeline"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	manager *broadcast.Manager
	tracker *pipeline.Tracker
}

// NewHandlers creates the handler set.
func NewHandlers(manager *broadcast.Manager, tracker *pipeline.Tracker) *Handlers {
	return &Handlers{manager: manager, tracker: tracker}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["context"] = err.Error()
	}
	writeJSON(w, status, body)
}

// --- handlers ---

// PostNotification handles POST /api/v1/pipelines/{id}/notifications.
// It feeds one orchestrator lifecycle notification into the stage tracker.
func (h *Handlers) PostNotification(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")

	var n pipeline.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid notification body", err)
		return
	}
	if n.PipelineID == "" {
		n.PipelineID = pipelineID
	} else if n.PipelineID != pipelineID {
		writeError(w, http.StatusBadRequest, "Notification pipeline_id does not match URL", nil)
		return
	}

	err := h.tracker.HandleNotification(r.Context(), n)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, pipeline.ErrUnknownStage),
		errors.Is(err, pipeline.ErrInvalidNotification):
		writeError(w, http.StatusBadRequest, "Notification rejected", err)
	case errors.Is(err, pipeline.ErrOutOfOrder):
		writeError(w, http.StatusConflict, "Out-of-order notification ignored", err)
	default:
		writeError(w, http.StatusInternalServerError, "Failed to process notification", err)
	}
}

// registerRunRequest is the body for POST /api/v1/pipelines/{id}/register.
type registerRunRequest struct {
	Metadata map[string]string `json:"metadata"`
}

// RegisterRun handles POST /api/v1/pipelines/{id}/register. It installs
// tenant/user metadata forwarded on next-stage trigger calls.
func (h *Handlers) RegisterRun(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")

	var req registerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid register body", err)
		return
	}

	h.tracker.RegisterRun(pipelineID, req.Metadata)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// GetPipelineRun handles GET /api/v1/pipelines/{id}.
func (h *Handlers) GetPipelineRun(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")

	snap, ok := h.tracker.Run(pipelineID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown pipeline run", nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetEventHistory handles GET /api/v1/events/history?limit=N.
func (h *Handlers) GetEventHistory(w http.ResponseWriter, r *http.Request) {
	const maxLimit = 1000
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": h.manager.EventHistory(limit),
	})
}

// GetMetrics handles GET /api/v1/events/metrics.
func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Metrics())
}
