// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrUnknownStage is returned for external stage names absent from the
// lookup table. The mapping fails closed: unknown names never mutate state.
var ErrUnknownStage = errors.New("unknown stage")

// Stage identifies one step of the fixed build pipeline, in execution order.
type Stage int

const (
	StageIdeaValidation Stage = iota
	StageTechStack
	StageDesign
	StageDevelopment
	StageQA
	StageDeployment

	numStages = int(StageDeployment) + 1
)

func (s Stage) String() string {
	switch s {
	case StageIdeaValidation:
		return "idea_validation"
	case StageTechStack:
		return "tech_stack"
	case StageDesign:
		return "design"
	case StageDevelopment:
		return "development"
	case StageQA:
		return "qa"
	case StageDeployment:
		return "deployment"
	default:
		return "unknown"
	}
}

// TaskType is the external orchestrator's task name for this stage, used when
// triggering it.
func (s Stage) TaskType() string {
	switch s {
	case StageIdeaValidation:
		return "idea"
	case StageTechStack:
		return "techstack"
	case StageDesign:
		return "design"
	case StageDevelopment:
		return "ui_dev"
	case StageQA:
		return "playwright_qa"
	case StageDeployment:
		return "github_merge"
	default:
		return "unknown"
	}
}

// next returns the stage after s in the fixed sequence.
func (s Stage) next() (Stage, bool) {
	if int(s)+1 >= numStages {
		return 0, false
	}
	return s + 1, true
}

// StageStatus is the per-stage state within a run. StatusSkipped is a valid
// stored status but is never produced by the tracker's own transitions; only
// the external collaborator may set it.
type StageStatus int

const (
	StatusPending StageStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusSkipped
)

func (s StageStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// externalNames maps every accepted external stage name to its internal
// stage. It covers the orchestrator's task names, historical aliases, and the
// canonical internal names. Anything absent is rejected.
var externalNames = map[string]Stage{
	"idea":            StageIdeaValidation,
	"techstack":       StageTechStack,
	"design":          StageDesign,
	"ui_dev":          StageDevelopment,
	"playwright_qa":   StageQA,
	"github_merge":    StageDeployment,
	"greet":           StageIdeaValidation,
	"idea_validation": StageIdeaValidation,
	"tech_stack":      StageTechStack,
	"development":     StageDevelopment,
	"qa":              StageQA,
	"deployment":      StageDeployment,
}

// ParseStage maps an external stage name to the internal stage, failing
// closed on unknown names.
func ParseStage(name string) (Stage, error) {
	s, ok := externalNames[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return s, nil
}

// stageRange is one stage's [Low, High) sub-range of the 0-100 overall
// progress scale.
type stageRange struct {
	Low  float64
	High float64
}

// StageTable holds the static progress sub-range for every stage. Ranges are
// configuration, not computed: together they must be contiguous and cover
// exactly 0-100.
type StageTable struct {
	ranges [numStages]stageRange
}

// DefaultStageTable returns the built-in progress allocation.
func DefaultStageTable() *StageTable {
	return &StageTable{ranges: [numStages]stageRange{
		StageIdeaValidation: {Low: 0, High: 15},
		StageTechStack:      {Low: 15, High: 30},
		StageDesign:         {Low: 30, High: 50},
		StageDevelopment:    {Low: 50, High: 75},
		StageQA:             {Low: 75, High: 90},
		StageDeployment:     {Low: 90, High: 100},
	}}
}

// Range returns the [low, high) progress sub-range for a stage.
func (t *StageTable) Range(s Stage) (low, high float64) {
	r := t.ranges[s]
	return r.Low, r.High
}

func (t *StageTable) validate() error {
	prev := 0.0
	for i := 0; i < numStages; i++ {
		r := t.ranges[i]
		if r.Low != prev {
			return fmt.Errorf("stage %s: range must start at %.1f, got %.1f", Stage(i), prev, r.Low)
		}
		if r.High <= r.Low {
			return fmt.Errorf("stage %s: range upper bound %.1f must exceed lower bound %.1f", Stage(i), r.High, r.Low)
		}
		prev = r.High
	}
	if prev != 100 {
		return fmt.Errorf("stage ranges must cover 0-100, got 0-%.1f", prev)
	}
	return nil
}

// stageTableFile is the YAML shape for a stage-table override file.
type stageTableFile struct {
	Stages []struct {
		Name string  `yaml:"name"`
		Low  float64 `yaml:"low"`
		High float64 `yaml:"high"`
	} `yaml:"stages"`
}

// LoadStageTable reads a stage-range override from a YAML file. Every stage
// must be present exactly once and the ranges must satisfy the same
// invariants as the built-in table.
func LoadStageTable(path string) (*StageTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage table: %w", err)
	}

	var file stageTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse stage table: %w", err)
	}

	var t StageTable
	seen := make(map[Stage]bool, numStages)
	for _, entry := range file.Stages {
		stage, err := ParseStage(entry.Name)
		if err != nil {
			return nil, err
		}
		if seen[stage] {
			return nil, fmt.Errorf("stage %s defined twice", stage)
		}
		seen[stage] = true
		t.ranges[stage] = stageRange{Low: entry.Low, High: entry.High}
	}
	if len(seen) != numStages {
		return nil, fmt.Errorf("stage table must define all %d stages, got %d", numStages, len(seen))
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
