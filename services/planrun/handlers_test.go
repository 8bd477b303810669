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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/inferplan/services/planrun/oracle"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(svc *Service) *gin.Engine {
	router := gin.New()
	handlers := NewHandlers(svc)
	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	return router
}

func TestHandlers_HandleHealth(t *testing.T) {
	svc := newTestService(t, &oracle.MockProvider{}, nil)
	router := setupTestRouter(svc)

	req, _ := http.NewRequest("GET", "/v1/planrun/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
	if resp.Version != ServiceVersion {
		t.Errorf("expected version %q, got %q", ServiceVersion, resp.Version)
	}
}

func TestHandlers_HandleStartRun(t *testing.T) {
	mock := &oracle.MockProvider{Responses: map[string]any{
		"summarize": "the summary",
		"format":    "the report",
	}}
	svc := newTestService(t, mock, nil)
	router := setupTestRouter(svc)

	body, _ := json.Marshal(StartRunRequest{Plan: testPlanDoc(t)})
	req, _ := http.NewRequest("POST", "/v1/planrun/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var resp StartRunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.RunID == "" || resp.State != RunStateRunning {
		t.Fatalf("response = %+v, want running run", resp)
	}

	// Drive the run to completion, then check status over HTTP.
	if _, err := svc.WaitRun(context.Background(), resp.RunID); err != nil {
		t.Fatalf("WaitRun() error = %v", err)
	}

	req, _ = http.NewRequest("GET", "/v1/planrun/runs/"+resp.RunID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var status RunStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if status.State != RunStateCompleted {
		t.Errorf("state = %s, got error %q", status.State, status.Error)
	}
	if status.Results["report"] != "the report" {
		t.Errorf("results = %v, want report", status.Results)
	}
}

func TestHandlers_HandleStartRun_InvalidRequest(t *testing.T) {
	svc := newTestService(t, &oracle.MockProvider{}, nil)
	router := setupTestRouter(svc)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "empty body",
			body:       "{}",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "not json",
			body:       "not json",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "structurally invalid plan",
			body:       `{"plan": {"name": "bad", "concepts": [{"id": "a"}], "inferences": [], "targets": ["a"]}}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "PLAN_INVALID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "/v1/planrun/runs", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to unmarshal response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, resp.Code)
			}
		})
	}
}

func TestHandlers_HandleRunStatus_NotFound(t *testing.T) {
	svc := newTestService(t, &oracle.MockProvider{}, nil)
	router := setupTestRouter(svc)

	req, _ := http.NewRequest("GET", "/v1/planrun/runs/does-not-exist", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Code != "RUN_NOT_FOUND" {
		t.Errorf("expected code RUN_NOT_FOUND, got %q", resp.Code)
	}
}

func TestHandlers_HandleCancelRun(t *testing.T) {
	mock := &oracle.MockProvider{Responses: map[string]any{
		"summarize": "s", "format": "r",
	}}
	svc := newTestService(t, mock, nil)
	router := setupTestRouter(svc)

	t.Run("unknown run", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "/v1/planrun/runs/missing/cancel", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
		}
	})

	t.Run("already terminal", func(t *testing.T) {
		resp, err := svc.StartRun(context.Background(), testPlanDoc(t), nil)
		if err != nil {
			t.Fatalf("StartRun() error = %v", err)
		}
		if _, err := svc.WaitRun(context.Background(), resp.RunID); err != nil {
			t.Fatalf("WaitRun() error = %v", err)
		}

		req, _ := http.NewRequest("POST", fmt.Sprintf("/v1/planrun/runs/%s/cancel", resp.RunID), nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusConflict {
			t.Errorf("expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
		}
		var errResp ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if errResp.Code != "RUN_NOT_ACTIVE" {
			t.Errorf("expected code RUN_NOT_ACTIVE, got %q", errResp.Code)
		}
	})
}

func TestHandlers_HandleResumeRun_NoCheckpoint(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, &oracle.MockProvider{}, store)
	router := setupTestRouter(svc)

	body, _ := json.Marshal(ResumeRunRequest{RunID: "never-ran", Plan: testPlanDoc(t)})
	req, _ := http.NewRequest("POST", "/v1/planrun/runs/resume", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d: %s", http.StatusNotFound, w.Code, w.Body.String())
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Code != "CHECKPOINT_NOT_FOUND" {
		t.Errorf("expected code CHECKPOINT_NOT_FOUND, got %q", resp.Code)
	}
}

func TestHandlers_RequestIDPropagation(t *testing.T) {
	svc := newTestService(t, &oracle.MockProvider{}, nil)
	router := setupTestRouter(svc)

	body, _ := json.Marshal(StartRunRequest{Plan: testPlanDoc(t)})
	req, _ := http.NewRequest("POST", "/v1/planrun/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("expected X-Request-ID to round-trip, got %q", got)
	}
}
