// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/launchforge/launchforge/internal/broadcast"
	"github.com/launchforge/launchforge/internal/config"
	"github.com/launchforge/launchforge/internal/logger"
	"github.com/launchforge/launchforge/internal/orchestrator"
	"github.com/launchforge/launchforge/internal/pipeline"
	"github.com/launchforge/launchforge/internal/server"
	"github.com/launchforge/launchforge/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting launchforge event server")

	db, err := store.NewGormStore(&cfg.Database)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error opening database")
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		mainLog.Error().Err(err).Msg("Error running migrations")
		fmt.Fprintf(os.Stderr, "Error running migrations: %v\n", err)
		os.Exit(1)
	}

	stageTable := pipeline.DefaultStageTable()
	if cfg.Pipeline.StageTablePath != "" {
		stageTable, err = pipeline.LoadStageTable(cfg.Pipeline.StageTablePath)
		if err != nil {
			mainLog.Error().Err(err).Msg("Error loading stage table")
			fmt.Fprintf(os.Stderr, "Error loading stage table: %v\n", err)
			os.Exit(1)
		}
	}

	manager := broadcast.NewManager(cfg.Broadcast)
	trigger := orchestrator.NewClient(&cfg.Orchestrator)
	tracker := pipeline.NewTracker(stageTable, db, trigger, manager, cfg.Orchestrator.TriggerTimeout)

	srv := server.New(&cfg.Server, manager, tracker)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run()
	}()

	// Wait for signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	// Graceful shutdown: stop accepting requests first, then drop viewers.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	manager.Shutdown()

	mainLog.Info().Msg("Event server shut down")
}
