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
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/inferplan/services/planrun/checkpoint"
)

// Handlers contains the HTTP handlers for the plan run service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleStartRun handles POST /v1/planrun/runs.
//
// Description:
//
//	Accepts a compiled plan document, validates it, and starts an
//	asynchronous run. The response carries the run id; progress is
//	available via the status and events endpoints.
//
// Request Body:
//
//	StartRunRequest
//
// Response:
//
//	202 Accepted: StartRunResponse
//	400 Bad Request: Malformed body or invalid plan
//	503 Service Unavailable: Shutting down or at capacity
func (h *Handlers) HandleStartRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStartRun")

	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	resp, err := h.svc.StartRun(c.Request.Context(), req.Plan, req.Targets)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "START_FAILED"

		if errors.Is(err, ErrPlanInvalid) {
			statusCode = http.StatusBadRequest
			errCode = "PLAN_INVALID"
		} else if errors.Is(err, ErrServiceClosed) || errors.Is(err, ErrRunActive) {
			statusCode = http.StatusServiceUnavailable
			errCode = "UNAVAILABLE"
		}

		logger.Error("Start run failed", "error", err)
		c.JSON(statusCode, ErrorResponse{Error: err.Error(), Code: errCode})
		return
	}

	logger.Info("Run started", "run_id", resp.RunID, "plan", resp.Plan)
	c.JSON(http.StatusAccepted, resp)
}

// HandleResumeRun handles POST /v1/planrun/runs/resume.
//
// Request Body:
//
//	ResumeRunRequest
//
// Response:
//
//	202 Accepted: StartRunResponse
//	400 Bad Request: Malformed body or invalid plan
//	404 Not Found: No checkpoint for the run
//	409 Conflict: Run still active
func (h *Handlers) HandleResumeRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleResumeRun")

	var req ResumeRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	resp, err := h.svc.ResumeRun(c.Request.Context(), req.RunID, req.Plan, req.Targets)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "RESUME_FAILED"

		if errors.Is(err, ErrPlanInvalid) {
			statusCode = http.StatusBadRequest
			errCode = "PLAN_INVALID"
		} else if errors.Is(err, checkpoint.ErrNotFound) {
			statusCode = http.StatusNotFound
			errCode = "CHECKPOINT_NOT_FOUND"
		} else if errors.Is(err, ErrRunActive) {
			statusCode = http.StatusConflict
			errCode = "RUN_ACTIVE"
		} else if errors.Is(err, ErrServiceClosed) {
			statusCode = http.StatusServiceUnavailable
			errCode = "UNAVAILABLE"
		}

		logger.Error("Resume run failed", "run_id", req.RunID, "error", err)
		c.JSON(statusCode, ErrorResponse{Error: err.Error(), Code: errCode})
		return
	}

	logger.Info("Run resumed", "run_id", resp.RunID)
	c.JSON(http.StatusAccepted, resp)
}

// HandleRunStatus handles GET /v1/planrun/runs/:id.
//
// Response:
//
//	200 OK: RunStatusResponse
//	404 Not Found: Unknown run id
func (h *Handlers) HandleRunStatus(c *gin.Context) {
	runID := c.Param("id")

	resp, err := h.svc.RunStatus(runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "RUN_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STATUS_FAILED"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCancelRun handles POST /v1/planrun/runs/:id/cancel.
//
// Response:
//
//	202 Accepted: CancelRunResponse
//	404 Not Found: Unknown run id
//	409 Conflict: Run already terminal
func (h *Handlers) HandleCancelRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCancelRun")
	runID := c.Param("id")

	resp, err := h.svc.CancelRun(runID)
	if err != nil {
		statusCode := http.StatusInternalServerError
		errCode := "CANCEL_FAILED"
		if errors.Is(err, ErrRunNotFound) {
			statusCode = http.StatusNotFound
			errCode = "RUN_NOT_FOUND"
		} else if errors.Is(err, ErrRunNotActive) {
			statusCode = http.StatusConflict
			errCode = "RUN_NOT_ACTIVE"
		}
		logger.Warn("Cancel failed", "run_id", runID, "error", err)
		c.JSON(statusCode, ErrorResponse{Error: err.Error(), Code: errCode})
		return
	}

	logger.Info("Cancellation requested", "run_id", runID)
	c.JSON(http.StatusAccepted, resp)
}

// HandleRunEvents handles GET /v1/planrun/runs/:id/events.
//
// Description:
//
//	Streams the run's lifecycle events as Server-Sent Events. Replays
//	history first, then follows the live feed until the run ends or
//	the client disconnects.
//
// Response:
//
//	200 OK: text/event-stream of engine.Event JSON payloads
//	404 Not Found: Unknown run id
func (h *Handlers) HandleRunEvents(c *gin.Context) {
	runID := c.Param("id")

	history, feed, cancel, err := h.svc.Events(runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "RUN_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "EVENTS_FAILED"})
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// The live feed was subscribed before history was read, so events
	// can appear in both; suppress replays by sequence number.
	var lastSeq uint64
	for _, ev := range history {
		c.SSEvent(string(ev.Type), ev)
		lastSeq = ev.Seq
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-feed:
			if !ok {
				return false
			}
			if ev.Seq <= lastSeq {
				return true
			}
			lastSeq = ev.Seq
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// HandleHealth handles GET /v1/planrun/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    ServiceVersion,
		ActiveRuns: h.svc.ActiveRuns(),
	})
}

// getOrCreateRequestID returns the request's correlation id, minting
// one when the client did not supply X-Request-ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
