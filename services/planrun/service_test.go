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
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/inferplan/services/planrun/checkpoint"
	"github.com/AleutianAI/inferplan/services/planrun/engine"
	"github.com/AleutianAI/inferplan/services/planrun/graph"
	"github.com/AleutianAI/inferplan/services/planrun/oracle"
	"github.com/AleutianAI/inferplan/services/planrun/storage/badger"
)

// testServiceConfig shrinks retry backoffs so failure paths don't stall
// the suite.
func testServiceConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.Engine.Retry = engine.RetryConfig{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
		JitterFactor:   0,
	}
	cfg.Engine.SemanticTimeout = 5 * time.Second
	return cfg
}

// testPlanDoc is a two-step chain: literal input -> summary -> report.
func testPlanDoc(t *testing.T) json.RawMessage {
	t.Helper()
	repo := graph.Repository{
		Name: "test-plan",
		Concepts: []graph.Concept{
			{ID: "raw", Kind: graph.ConceptValue, Literal: json.RawMessage(`"input data"`)},
			{ID: "summary", Kind: graph.ConceptValue},
			{ID: "report", Kind: graph.ConceptValue},
		},
		Inferences: []graph.Inference{
			{ID: "i-sum", Output: "summary", Inputs: []string{"raw"}, Action: "summarize", Kind: graph.ActionSemantic, Tag: graph.TagBy},
			{ID: "i-rep", Output: "report", Inputs: []string{"summary"}, Action: "format", Kind: graph.ActionSemantic, Tag: graph.TagBy},
		},
		Targets: []string{"report"},
	}
	doc, err := json.Marshal(repo)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	return doc
}

func newTestService(t *testing.T, provider oracle.Provider, store *checkpoint.Store) *Service {
	t.Helper()
	svc, err := NewService(testServiceConfig(), provider, store, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func newTestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := checkpoint.NewStore(db, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func TestStartRunCompletes(t *testing.T) {
	mock := &oracle.MockProvider{Responses: map[string]any{
		"summarize": "the summary",
		"format":    "the report",
	}}
	svc := newTestService(t, mock, nil)

	resp, err := svc.StartRun(context.Background(), testPlanDoc(t), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if resp.RunID == "" || resp.State != RunStateRunning {
		t.Fatalf("StartRun() = %+v, want running with a run id", resp)
	}

	status, err := svc.WaitRun(context.Background(), resp.RunID)
	if err != nil {
		t.Fatalf("WaitRun() error = %v", err)
	}
	if status.State != RunStateCompleted {
		t.Fatalf("State = %s (error %q), want completed", status.State, status.Error)
	}
	if status.Results["report"] != "the report" {
		t.Errorf("Results = %v, want report", status.Results)
	}
	if status.CompletedAt == nil || status.Resolved == 0 {
		t.Errorf("status = %+v, want completion time and resolved count", status)
	}
}

func TestStartRunRejectsInvalidPlan(t *testing.T) {
	svc := newTestService(t, &oracle.MockProvider{}, nil)

	_, err := svc.StartRun(context.Background(), json.RawMessage(`{"concepts": []}`), nil)
	if !errors.Is(err, ErrPlanInvalid) {
		t.Fatalf("StartRun() error = %v, want ErrPlanInvalid", err)
	}
	_, err = svc.StartRun(context.Background(), json.RawMessage(`not json`), nil)
	if !errors.Is(err, ErrPlanInvalid) {
		t.Fatalf("StartRun() error = %v, want ErrPlanInvalid", err)
	}
}

func TestRunFailureIsReported(t *testing.T) {
	mock := &oracle.MockProvider{Errors: map[string]error{
		"summarize": &oracle.OperationError{Kind: oracle.FailureInvalid, Message: "refused"},
	}}
	svc := newTestService(t, mock, nil)

	resp, err := svc.StartRun(context.Background(), testPlanDoc(t), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	status, err := svc.WaitRun(context.Background(), resp.RunID)
	if err != nil {
		t.Fatalf("WaitRun() error = %v", err)
	}
	if status.State != RunStateFailed || status.Error == "" {
		t.Fatalf("status = %+v, want failed with an error message", status)
	}
	if status.Failed == 0 {
		t.Errorf("Failed count = 0, want at least the broken concept")
	}
}

func TestCancelRun(t *testing.T) {
	mock := &oracle.MockProvider{Delay: 5 * time.Second}
	svc := newTestService(t, mock, nil)

	resp, err := svc.StartRun(context.Background(), testPlanDoc(t), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if _, err := svc.CancelRun(resp.RunID); err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}

	status, err := svc.WaitRun(context.Background(), resp.RunID)
	if err != nil {
		t.Fatalf("WaitRun() error = %v", err)
	}
	if status.State != RunStateCancelled {
		t.Fatalf("State = %s, want cancelled", status.State)
	}

	// A second cancel hits a terminal run.
	if _, err := svc.CancelRun(resp.RunID); !errors.Is(err, ErrRunNotActive) {
		t.Fatalf("CancelRun() error = %v, want ErrRunNotActive", err)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	svc := newTestService(t, &oracle.MockProvider{}, nil)
	if _, err := svc.CancelRun("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("CancelRun() error = %v, want ErrRunNotFound", err)
	}
}

func TestResumeRunRetriesFailures(t *testing.T) {
	// One transient failure on "format" with a single-attempt retry
	// policy: the first run fails, the resumed run succeeds without
	// re-invoking the already-resolved "summarize".
	mock := &oracle.MockProvider{
		Responses: map[string]any{
			"summarize": "the summary",
			"format":    "the report",
		},
		FailuresBeforeSuccess: map[string]int{"format": 1},
	}
	store := newTestStore(t)
	svc := newTestService(t, mock, store)
	ctx := context.Background()

	resp, err := svc.StartRun(ctx, testPlanDoc(t), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	status, err := svc.WaitRun(ctx, resp.RunID)
	if err != nil {
		t.Fatalf("WaitRun() error = %v", err)
	}
	if status.State != RunStateFailed {
		t.Fatalf("first run state = %s, want failed", status.State)
	}

	resumed, err := svc.ResumeRun(ctx, resp.RunID, testPlanDoc(t), nil)
	if err != nil {
		t.Fatalf("ResumeRun() error = %v", err)
	}
	if resumed.RunID != resp.RunID {
		t.Fatalf("resumed run id = %s, want %s", resumed.RunID, resp.RunID)
	}
	status, err = svc.WaitRun(ctx, resumed.RunID)
	if err != nil {
		t.Fatalf("WaitRun() error = %v", err)
	}
	if status.State != RunStateCompleted {
		t.Fatalf("resumed state = %s (error %q), want completed", status.State, status.Error)
	}
	if status.Results["report"] != "the report" {
		t.Errorf("Results = %v, want report", status.Results)
	}
	if n := mock.CallCount("summarize"); n != 1 {
		t.Errorf("summarize calls across both runs = %d, want 1 (checkpoint reused)", n)
	}
	if n := mock.CallCount("format"); n != 2 {
		t.Errorf("format calls = %d, want 2 (failed once, retried on resume)", n)
	}
}

func TestResumeRunAfterCancellation(t *testing.T) {
	// The interruption scenario checkpoint/resume exists for: cancel a
	// run while its oracle call is in flight, then resume it to
	// completion with a healthy provider.
	store := newTestStore(t)
	dispatched := make(chan struct{})
	blocked := &oracle.MockProvider{Fn: func(ctx context.Context, action string, inputs []any) (any, error) {
		close(dispatched)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	svc1 := newTestService(t, blocked, store)
	ctx := context.Background()

	resp, err := svc1.StartRun(ctx, testPlanDoc(t), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	<-dispatched
	if _, err := svc1.CancelRun(resp.RunID); err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
	status, err := svc1.WaitRun(ctx, resp.RunID)
	if err != nil {
		t.Fatalf("WaitRun() error = %v", err)
	}
	if status.State != RunStateCancelled {
		t.Fatalf("State = %s, want cancelled", status.State)
	}
	svc1.Close()

	healthy := &oracle.MockProvider{Responses: map[string]any{
		"summarize": "the summary",
		"format":    "the report",
	}}
	svc2 := newTestService(t, healthy, store)
	resumed, err := svc2.ResumeRun(ctx, resp.RunID, testPlanDoc(t), nil)
	if err != nil {
		t.Fatalf("ResumeRun() after cancel error = %v", err)
	}
	status, err = svc2.WaitRun(ctx, resumed.RunID)
	if err != nil {
		t.Fatalf("WaitRun() error = %v", err)
	}
	if status.State != RunStateCompleted {
		t.Fatalf("resumed state = %s (error %q), want completed", status.State, status.Error)
	}
	if status.Results["report"] != "the report" {
		t.Errorf("Results = %v, want report", status.Results)
	}
	if n := healthy.CallCount("summarize"); n != 1 {
		t.Errorf("interrupted step attempts after resume = %d, want 1", n)
	}
}

func TestResumeRunWithoutCheckpoint(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, &oracle.MockProvider{}, store)

	_, err := svc.ResumeRun(context.Background(), "never-ran", testPlanDoc(t), nil)
	if !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("ResumeRun() error = %v, want checkpoint.ErrNotFound", err)
	}
}

func TestResumeRunWithoutStore(t *testing.T) {
	svc := newTestService(t, &oracle.MockProvider{}, nil)

	_, err := svc.ResumeRun(context.Background(), "any", testPlanDoc(t), nil)
	if !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("ResumeRun() error = %v, want checkpoint.ErrNotFound", err)
	}
}

func TestResumeRejectsActiveRun(t *testing.T) {
	mock := &oracle.MockProvider{Delay: 5 * time.Second}
	store := newTestStore(t)
	svc := newTestService(t, mock, store)
	ctx := context.Background()

	resp, err := svc.StartRun(ctx, testPlanDoc(t), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	defer func() { _, _ = svc.CancelRun(resp.RunID) }()

	_, err = svc.ResumeRun(ctx, resp.RunID, testPlanDoc(t), nil)
	if !errors.Is(err, ErrRunActive) {
		t.Fatalf("ResumeRun() error = %v, want ErrRunActive", err)
	}
}

func TestEventsReplayAndFeed(t *testing.T) {
	mock := &oracle.MockProvider{Responses: map[string]any{
		"summarize": "s", "format": "r",
	}}
	svc := newTestService(t, mock, nil)
	ctx := context.Background()

	resp, err := svc.StartRun(ctx, testPlanDoc(t), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if _, err := svc.WaitRun(ctx, resp.RunID); err != nil {
		t.Fatalf("WaitRun() error = %v", err)
	}

	history, feed, cancel, err := svc.Events(resp.RunID)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	defer cancel()

	types := map[engine.EventType]int{}
	for _, ev := range history {
		types[ev.Type]++
	}
	if types[engine.EventRunStarted] != 1 || types[engine.EventRunCompleted] != 1 {
		t.Errorf("history = %v, want one run.started and one run.completed", types)
	}
	if types[engine.EventInferenceResolved] != 2 {
		t.Errorf("resolved events = %d, want 2", types[engine.EventInferenceResolved])
	}

	// The run is over; the feed is closed.
	if _, ok := <-feed; ok {
		t.Error("feed open after run completion, want closed")
	}
}

func TestCloseRejectsNewRuns(t *testing.T) {
	svc, err := NewService(testServiceConfig(), &oracle.MockProvider{}, nil, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	svc.Close()

	_, err = svc.StartRun(context.Background(), testPlanDoc(t), nil)
	if !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("StartRun() error = %v, want ErrServiceClosed", err)
	}
}

func TestMaxConcurrentRuns(t *testing.T) {
	cfg := testServiceConfig()
	cfg.MaxConcurrentRuns = 1
	mock := &oracle.MockProvider{Delay: 5 * time.Second}
	svc, err := NewService(cfg, mock, nil, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(svc.Close)
	ctx := context.Background()

	first, err := svc.StartRun(ctx, testPlanDoc(t), nil)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	defer func() { _, _ = svc.CancelRun(first.RunID) }()

	if _, err := svc.StartRun(ctx, testPlanDoc(t), nil); !errors.Is(err, ErrRunActive) {
		t.Fatalf("second StartRun() error = %v, want ErrRunActive at capacity", err)
	}
	if svc.ActiveRuns() != 1 {
		t.Errorf("ActiveRuns = %d, want 1", svc.ActiveRuns())
	}
}

func TestServiceConfigValidation(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.EventBuffer = 0
	if _, err := NewService(cfg, &oracle.MockProvider{}, nil, nil); err == nil {
		t.Fatal("NewService() accepted zero event buffer")
	}

	cfg = DefaultServiceConfig()
	cfg.Engine.MaxSemanticConcurrency = 0
	if _, err := NewService(cfg, &oracle.MockProvider{}, nil, nil); err == nil {
		t.Fatal("NewService() accepted zero semantic concurrency")
	}
}
