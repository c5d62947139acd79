// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists pipeline stage updates. It is a write-behind
// replica of the tracker's in-memory state: the tracker never reads it back
// during a run's lifetime.
package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/launchforge/launchforge/internal/config"
	"github.com/launchforge/launchforge/internal/pipeline"
)

// StageUpdate is the persisted state of one stage within one pipeline run,
// keyed by (pipeline_id, stage) so repeated updates upsert in place.
type StageUpdate struct {
	PipelineID   string    `gorm:"primaryKey;type:text" json:"pipeline_id"`
	Stage        string    `gorm:"primaryKey;type:text" json:"stage"`
	Status       string    `gorm:"not null;type:text" json:"status"`
	Progress     float64   `gorm:"not null" json:"progress"`
	Description  string    `gorm:"type:text" json:"description"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (StageUpdate) TableName() string {
	return "stage_updates"
}

// GormStore wraps the GORM database connection and implements
// pipeline.Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a database connection for the configured driver.
func NewGormStore(cfg *config.DatabaseConfig) (*GormStore, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormStore{db: db}, nil
}

// AutoMigrate runs database migrations.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&StageUpdate{})
}

// UpdateStage upserts one stage update. Safe to call more than once with the
// same logical update.
func (s *GormStore) UpdateStage(ctx context.Context, pipelineID string, stage pipeline.Stage,
	status pipeline.StageStatus, progress float64, description, errorMessage string, timestamp time.Time) error {
	rec := StageUpdate{
		PipelineID:   pipelineID,
		Stage:        stage.String(),
		Status:       status.String(),
		Progress:     progress,
		Description:  description,
		ErrorMessage: errorMessage,
		UpdatedAt:    timestamp,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "pipeline_id"}, {Name: "stage"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "progress", "description", "error_message", "updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert stage update %s/%s: %w", pipelineID, stage, err)
	}
	return nil
}

// StageUpdates returns all persisted updates for a pipeline, oldest stage
// first.
func (s *GormStore) StageUpdates(ctx context.Context, pipelineID string) ([]StageUpdate, error) {
	var updates []StageUpdate
	err := s.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("updated_at ASC").
		Find(&updates).Error
	if err != nil {
		return nil, fmt.Errorf("load stage updates for %s: %w", pipelineID, err)
	}
	return updates, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
