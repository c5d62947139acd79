// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the REST + WebSocket API. REST handlers feed
// orchestrator notifications into the stage tracker; the WebSocket handler
// attaches viewers to the event broadcast manager.
package server

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/launchforge/launchforge/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}
