// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planrun is the run control service around the plan execution
// engine: it accepts compiled plans, executes them asynchronously,
// checkpoints progress, and exposes status and a lifecycle event
// stream per run.
package planrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/inferplan/services/planrun/checkpoint"
	"github.com/AleutianAI/inferplan/services/planrun/engine"
	"github.com/AleutianAI/inferplan/services/planrun/graph"
	"github.com/AleutianAI/inferplan/services/planrun/oracle"
)

// ServiceVersion is the plan run service version.
const ServiceVersion = "0.1.0"

// ServiceConfig holds configuration for the plan run service.
type ServiceConfig struct {
	// Engine configures the executor shared by all runs.
	Engine engine.Config

	// CheckpointInterval is how often an active run's state is
	// checkpointed. Set to 0 to checkpoint only at run end.
	CheckpointInterval time.Duration `validate:"min=0"`

	// EventBuffer is the per-subscriber event channel depth.
	EventBuffer int `validate:"min=1,max=65536"`

	// MaxConcurrentRuns caps simultaneously active runs.
	MaxConcurrentRuns int `validate:"min=1,max=1024"`
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Engine:             engine.DefaultConfig(),
		CheckpointInterval: 10 * time.Second,
		EventBuffer:        256,
		MaxConcurrentRuns:  16,
	}
}

// Validate checks the configuration.
func (c ServiceConfig) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	return validator.New().Struct(c)
}

// run is the service's record of one execution.
type run struct {
	id      string
	plan    *graph.Plan
	state   *engine.State
	emitter *engine.Emitter
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.Mutex
	runState    RunState
	results     map[string]any
	err         error
	startedAt   time.Time
	completedAt *time.Time
}

func (r *run) setTerminal(state RunState, results map[string]any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runState.Terminal() {
		return
	}
	now := time.Now().UTC()
	r.runState = state
	r.results = results
	r.err = err
	r.completedAt = &now
}

func (r *run) status() RunStatusResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	resolved, skipped, failed := r.state.Counts()
	resp := RunStatusResponse{
		RunID:       r.id,
		Plan:        r.plan.Name,
		State:       r.runState,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
		Results:     r.results,
		Resolved:    resolved,
		Skipped:     skipped,
		Failed:      failed,
	}
	if r.err != nil {
		resp.Error = r.err.Error()
	}
	return resp
}

// Service orchestrates plan runs.
//
// Description:
//
//	Each accepted run executes on its own goroutine against a shared
//	executor, with its own resolution table, event feed, and
//	checkpointing loop. Runs stay queryable after completion until the
//	service shuts down; durable state lives in the checkpoint store.
//
// Thread Safety: safe for concurrent use.
type Service struct {
	cfg    ServiceConfig
	exec   *engine.Executor
	store  *checkpoint.Store
	logger *slog.Logger

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// NewService creates the plan run service.
//
// Inputs:
//
//	cfg - Service configuration. Validated here.
//	provider - Semantic operation provider shared by all runs.
//	store - Checkpoint store. May be nil to disable persistence.
//	logger - Logger. If nil, uses slog.Default().
func NewService(cfg ServiceConfig, provider oracle.Provider, store *checkpoint.Store, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	exec, err := engine.NewExecutor(cfg.Engine, provider, logger)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:    cfg,
		exec:   exec,
		store:  store,
		logger: logger,
		runs:   make(map[string]*run),
	}, nil
}

// StartRun loads a plan and begins executing it asynchronously.
//
// Outputs:
//
//	StartRunResponse - Carries the new run id.
//	error - ErrPlanInvalid on a malformed plan, ErrServiceClosed after
//	        shutdown.
func (s *Service) StartRun(ctx context.Context, doc json.RawMessage, targets []string) (StartRunResponse, error) {
	plan, err := loadPlan(doc)
	if err != nil {
		return StartRunResponse{}, err
	}

	runID := uuid.NewString()
	state := engine.NewState(runID, plan.Name)
	return s.launch(ctx, runID, plan, state, targets)
}

// ResumeRun restores a run from its latest checkpoint and continues it.
//
// Description:
//
//	Everything resolved or skipped in the checkpoint is immutable fact:
//	those producing inferences are never re-dispatched. Failed entries
//	were dropped at restore time, so the resumed run retries them. Loop
//	cursors continue from the last recorded index.
//
// Outputs:
//
//	StartRunResponse - Carries the resumed run id (same as requested).
//	error - checkpoint.ErrNotFound when no checkpoint exists,
//	        ErrRunActive when the run is still executing here.
func (s *Service) ResumeRun(ctx context.Context, runID string, doc json.RawMessage, targets []string) (StartRunResponse, error) {
	plan, err := loadPlan(doc)
	if err != nil {
		return StartRunResponse{}, err
	}
	if s.store == nil {
		return StartRunResponse{}, fmt.Errorf("%w: no checkpoint store configured", checkpoint.ErrNotFound)
	}

	s.mu.Lock()
	if existing, ok := s.runs[runID]; ok {
		existing.mu.Lock()
		active := !existing.runState.Terminal()
		existing.mu.Unlock()
		if active {
			s.mu.Unlock()
			return StartRunResponse{}, fmt.Errorf("%w: %s", ErrRunActive, runID)
		}
		delete(s.runs, runID)
	}
	s.mu.Unlock()

	_, snap, err := s.store.Latest(ctx, runID)
	if err != nil {
		return StartRunResponse{}, err
	}
	state := engine.RestoreState(snap)
	return s.launch(ctx, runID, plan, state, targets)
}

// launch registers and starts a run goroutine.
func (s *Service) launch(ctx context.Context, runID string, plan *graph.Plan, state *engine.State, targets []string) (StartRunResponse, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return StartRunResponse{}, ErrServiceClosed
	}
	active := 0
	for _, r := range s.runs {
		r.mu.Lock()
		if !r.runState.Terminal() {
			active++
		}
		r.mu.Unlock()
	}
	if active >= s.cfg.MaxConcurrentRuns {
		s.mu.Unlock()
		return StartRunResponse{}, fmt.Errorf("%w: %d runs active", ErrRunActive, active)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:        runID,
		plan:      plan,
		state:     state,
		emitter:   engine.NewEmitter(s.logger),
		cancel:    cancel,
		done:      make(chan struct{}),
		runState:  RunStateRunning,
		startedAt: time.Now().UTC(),
	}
	s.runs[runID] = r
	s.mu.Unlock()

	go s.execute(runCtx, r, targets)

	return StartRunResponse{RunID: runID, Plan: plan.Name, State: RunStateRunning}, nil
}

// execute drives one run to completion, checkpointing along the way.
func (s *Service) execute(ctx context.Context, r *run, targets []string) {
	defer close(r.done)
	defer r.emitter.Close()

	resolver, err := engine.NewResolver(r.plan, r.state, s.exec, r.emitter, s.logger)
	if err != nil {
		r.setTerminal(RunStateFailed, nil, err)
		return
	}

	stopCheckpoints := s.startCheckpointLoop(r)
	defer stopCheckpoints()

	results, err := resolver.Resolve(ctx, targets)
	s.saveCheckpoint(r)

	switch {
	case ctx.Err() != nil:
		r.setTerminal(RunStateCancelled, results, ctx.Err())
	case err != nil:
		r.setTerminal(RunStateFailed, results, err)
	default:
		r.setTerminal(RunStateCompleted, results, nil)
	}
}

// startCheckpointLoop checkpoints the run periodically. Returns a stop
// function; safe to call with no store configured.
func (s *Service) startCheckpointLoop(r *run) func() {
	if s.store == nil || s.cfg.CheckpointInterval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.CheckpointInterval)
		defer ticker.Stop()
		var lastSeq uint64
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if seq := r.state.Seq(); seq != lastSeq {
					s.saveCheckpoint(r)
					lastSeq = seq
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// saveCheckpoint persists the run's current snapshot, best effort.
func (s *Service) saveCheckpoint(r *run) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.store.Save(ctx, r.state.Snapshot()); err != nil {
		s.logger.Warn("checkpoint save failed",
			slog.String("run_id", r.id),
			slog.String("error", err.Error()),
		)
	}
}

// getRun looks up a run by id.
func (s *Service) getRun(runID string) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// RunStatus returns the current status of a run.
func (s *Service) RunStatus(runID string) (RunStatusResponse, error) {
	r, err := s.getRun(runID)
	if err != nil {
		return RunStatusResponse{}, err
	}
	return r.status(), nil
}

// CancelRun requests cooperative cancellation of an active run.
//
// Description:
//
//	Cancellation is a context flag: in-flight oracle calls finish or
//	time out on their own, pending dispatches observe the flag and are
//	committed skipped. The run transitions to cancelled once the
//	resolver unwinds.
func (s *Service) CancelRun(runID string) (CancelRunResponse, error) {
	r, err := s.getRun(runID)
	if err != nil {
		return CancelRunResponse{}, err
	}
	r.mu.Lock()
	terminal := r.runState.Terminal()
	r.mu.Unlock()
	if terminal {
		return CancelRunResponse{}, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	r.cancel()
	return CancelRunResponse{RunID: runID, State: RunStateRunning}, nil
}

// Events subscribes to a run's lifecycle event feed.
//
// Outputs:
//
//	[]engine.Event - Events emitted before the subscription.
//	<-chan engine.Event - Live feed; closed when the run ends or the
//	                      returned cancel function is called.
//	func() - Unsubscribe.
//	error - ErrRunNotFound.
func (s *Service) Events(runID string) ([]engine.Event, <-chan engine.Event, func(), error) {
	r, err := s.getRun(runID)
	if err != nil {
		return nil, nil, nil, err
	}
	// Subscribe first so no event falls between history and feed.
	ch, cancel := r.emitter.Subscribe(s.cfg.EventBuffer)
	history := r.emitter.History()
	return history, ch, cancel, nil
}

// WaitRun blocks until the run reaches a terminal state or the context
// is cancelled. Used by the CLI's one-shot mode and tests.
func (s *Service) WaitRun(ctx context.Context, runID string) (RunStatusResponse, error) {
	r, err := s.getRun(runID)
	if err != nil {
		return RunStatusResponse{}, err
	}
	select {
	case <-r.done:
		return r.status(), nil
	case <-ctx.Done():
		return RunStatusResponse{}, ctx.Err()
	}
}

// ActiveRuns returns the number of non-terminal runs.
func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := 0
	for _, r := range s.runs {
		r.mu.Lock()
		if !r.runState.Terminal() {
			active++
		}
		r.mu.Unlock()
	}
	return active
}

// Close cancels all active runs and rejects new ones. Blocks until
// every run goroutine has unwound.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		<-r.done
	}
}
