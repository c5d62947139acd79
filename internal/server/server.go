// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/launchforge/launchforge/internal/broadcast"
	"github.com/launchforge/launchforge/internal/config"
	"github.com/launchforge/launchforge/internal/pipeline"
)

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer *http.Server
}

// New creates and wires up the API server. It does NOT start listening —
// call Run() for that.
func New(cfg *config.ServerConfig, manager *broadcast.Manager, tracker *pipeline.Tracker) *Server {
	handlers := NewHandlers(manager, tracker)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20)) // 1 MB default

	// REST routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/pipelines/{id}", func(r chi.Router) {
			r.Post("/notifications", handlers.PostNotification)
			r.Post("/register", handlers.RegisterRun)
			r.Get("/", handlers.GetPipelineRun)
		})

		r.Get("/events/history", handlers.GetEventHistory)
		r.Get("/events/metrics", handlers.GetMetrics)
	})

	// WebSocket
	r.Get("/ws", HandleWebSocket(manager, cfg.AllowedOrigins))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Run starts the HTTP server. Blocks until the server is shut down.
func (s *Server) Run() error {
	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
