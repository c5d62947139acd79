// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchforge/launchforge/internal/broadcast"
	"github.com/launchforge/launchforge/internal/config"
	"github.com/launchforge/launchforge/internal/pipeline"
)

func testRouter(t *testing.T) (*chi.Mux, *broadcast.Manager, *pipeline.Tracker) {
	t.Helper()

	manager := broadcast.NewManager(config.BroadcastConfig{
		MaxConnections:  10,
		HistoryCapacity: 10,
		MetricsInterval: time.Minute,
		PingInterval:    time.Minute,
		SendTimeout:     time.Second,
	})
	t.Cleanup(manager.Shutdown)

	tracker := pipeline.NewTracker(pipeline.DefaultStageTable(), nil, nil, manager, time.Second)
	handlers := NewHandlers(manager, tracker)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/pipelines/{id}", func(r chi.Router) {
			r.Post("/notifications", handlers.PostNotification)
			r.Post("/register", handlers.RegisterRun)
			r.Get("/", handlers.GetPipelineRun)
		})
		r.Get("/events/history", handlers.GetEventHistory)
		r.Get("/events/metrics", handlers.GetMetrics)
	})
	return r, manager, tracker
}

func doJSON(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPostNotification(t *testing.T) {
	t.Run("valid start is accepted", func(t *testing.T) {
		r, _, tracker := testRouter(t)

		rec := doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/notifications",
			`{"type":"START","stage":"idea"}`)
		assert.Equal(t, http.StatusAccepted, rec.Code)

		snap, ok := tracker.Run("run-1")
		require.True(t, ok)
		assert.Equal(t, "running", snap.Stages[0].Status)
	})

	t.Run("body pipeline_id must match the url", func(t *testing.T) {
		r, _, _ := testRouter(t)

		rec := doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/notifications",
			`{"type":"START","stage":"idea","pipeline_id":"run-2"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown stage is a bad request", func(t *testing.T) {
		r, _, _ := testRouter(t)

		rec := doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/notifications",
			`{"type":"START","stage":"compile"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body is a bad request", func(t *testing.T) {
		r, _, _ := testRouter(t)

		rec := doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/notifications", `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("out-of-order notification is a conflict", func(t *testing.T) {
		r, _, _ := testRouter(t)

		rec := doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/notifications",
			`{"type":"PROGRESS","stage":"idea","progress":50}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("finish with invalid status is a bad request", func(t *testing.T) {
		r, _, _ := testRouter(t)

		rec := doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/notifications",
			`{"type":"START","stage":"idea"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/notifications",
			`{"type":"FINISH","stage":"idea","status":"done"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRegisterRun(t *testing.T) {
	r, _, tracker := testRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/register",
		`{"metadata":{"tenant":"acme"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Registration alone creates the run record.
	_, ok := tracker.Run("run-1")
	assert.True(t, ok)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/register", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPipelineRun(t *testing.T) {
	r, _, _ := testRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/pipelines/run-1/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/notifications",
		`{"type":"START","stage":"design"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/pipelines/run-1/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap pipeline.RunSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "run-1", snap.PipelineID)
	assert.Equal(t, 30.0, snap.Progress)
	require.Len(t, snap.Stages, 6)
	assert.Equal(t, "running", snap.Stages[2].Status)
}

func TestGetEventHistory(t *testing.T) {
	r, _, _ := testRouter(t)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/notifications",
			`{"type":"PROGRESS","stage":"idea","progress":10}`)
		// Out of order on purpose; only the broadcastless rejections land here.
		require.Equal(t, http.StatusConflict, rec.Code)
	}

	rec := doJSON(t, r, http.MethodPost, "/api/v1/pipelines/run-1/notifications",
		`{"type":"START","stage":"idea"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/events/history", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	// Rejected notifications are never broadcast, so only the START is there.
	assert.Len(t, body.Events, 1)

	rec = doJSON(t, r, http.MethodGet, "/api/v1/events/history?limit=0", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetMetrics(t *testing.T) {
	r, _, _ := testRouter(t)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/events/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var metrics broadcast.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Equal(t, 0, metrics.ActiveConnections)
}
