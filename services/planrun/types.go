// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planrun

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/inferplan/services/planrun/graph"
)

// RunState is the lifecycle state of a run as seen by the service.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// StartRunRequest is the body for POST /v1/planrun/runs.
type StartRunRequest struct {
	// Plan is the compiled plan repository document.
	Plan json.RawMessage `json:"plan" binding:"required"`

	// Targets optionally narrows resolution to these concept ids.
	// Defaults to the plan's declared targets.
	Targets []string `json:"targets,omitempty"`
}

// ResumeRunRequest is the body for POST /v1/planrun/runs/resume.
type ResumeRunRequest struct {
	// RunID identifies the checkpointed run to resume.
	RunID string `json:"run_id" binding:"required"`

	// Plan is the compiled plan the checkpoint was taken against.
	// Checkpoints store run state, not plan structure.
	Plan json.RawMessage `json:"plan" binding:"required"`

	// Targets optionally narrows resolution, as in StartRunRequest.
	Targets []string `json:"targets,omitempty"`
}

// StartRunResponse is returned when a run is accepted.
type StartRunResponse struct {
	RunID string   `json:"run_id"`
	Plan  string   `json:"plan"`
	State RunState `json:"state"`
}

// RunStatusResponse describes a run's current state.
type RunStatusResponse struct {
	RunID       string         `json:"run_id"`
	Plan        string         `json:"plan"`
	State       RunState       `json:"state"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Results     map[string]any `json:"results,omitempty"`
	Error       string         `json:"error,omitempty"`
	Resolved    int            `json:"resolved"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`
}

// CancelRunResponse acknowledges a cancellation request.
type CancelRunResponse struct {
	RunID string   `json:"run_id"`
	State RunState `json:"state"`
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	ActiveRuns int    `json:"active_runs"`
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// loadPlan parses and validates a plan document.
func loadPlan(doc json.RawMessage) (*graph.Plan, error) {
	var repo graph.Repository
	if err := json.Unmarshal(doc, &repo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	plan, err := graph.Load(&repo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	return plan, nil
}
