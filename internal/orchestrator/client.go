// Copyright (C) 2026 Launchforge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator provides the HTTP client used to dispatch pipeline
// stages to the external orchestration process.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/launchforge/launchforge/internal/config"
	"github.com/launchforge/launchforge/internal/logger"
	"github.com/launchforge/launchforge/internal/pipeline"
)

// Client triggers pipeline stages on the external orchestrator. Each call is
// bounded by the caller's context; the tracker supplies the configured
// trigger timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates an orchestrator client for the configured endpoint.
func NewClient(cfg *config.OrchestratorConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{},
		log:        logger.GetOrchestratorLogger(),
	}
}

// TriggerStage POSTs a task dispatch to the orchestrator. Any non-2xx
// response is an error; the caller decides whether the failure matters.
func (c *Client) TriggerStage(ctx context.Context, req pipeline.TriggerRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal trigger request: %w", err)
	}

	url := c.baseURL + "/api/v1/tasks"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("trigger %s for pipeline %s: %w", req.TaskType, req.PipelineID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a bounded slice of the body for the error message.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("trigger %s for pipeline %s: orchestrator returned %d: %s",
			req.TaskType, req.PipelineID, resp.StatusCode, string(snippet))
	}

	c.log.Debug().Str("pipeline_id", req.PipelineID).Str("task_type", req.TaskType).
		Msg("Stage trigger accepted by orchestrator")
	return nil
}
