// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetBroadcastLogger returns a logger for the event broadcast manager
func GetBroadcastLogger() zerolog.Logger {
	return GetLogger("broadcast")
}

// GetPipelineLogger returns a logger for the stage progress tracker
func GetPipelineLogger() zerolog.Logger {
	return GetLogger("pipeline")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetOrchestratorLogger returns a logger for orchestrator client operations
func GetOrchestratorLogger() zerolog.Logger {
	return GetLogger("orchestrator")
}
