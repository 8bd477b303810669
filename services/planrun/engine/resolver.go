// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/inferplan/services/planrun/graph"
)

// scope is one node in the iteration-scope chain. The root scope has
// an empty key and no parent; each loop iteration pushes a child scope
// that binds exactly one context concept.
type scope struct {
	parent    *scope
	key       string
	contextID string
	iteration int
}

// Resolver walks a plan's concept graph and drives concepts to
// definite statuses.
//
// Description:
//
//	Resolution is demand-driven: asking for a target concept pulls its
//	producing inference, which pulls its inputs, recursively. Every
//	(scope, concept) binding is resolved by at most one goroutine; all
//	other interested parties wait on the same in-flight claim and read
//	the committed outcome, so repeated demand never duplicates an
//	oracle call. Failures and skips are statuses that flow through the
//	graph; selection inferences are the only construct that can catch
//	them.
//
// Thread Safety:
//
//	Safe for concurrent use within one run. A Resolver is bound to one
//	State and must not be shared across runs.
type Resolver struct {
	plan   *graph.Plan
	state  *State
	exec   *Executor
	events *Emitter
	logger *slog.Logger

	// contextDeps maps concept id -> the set of context concept ids the
	// concept's value transitively depends on. Precomputed at
	// construction; decides each concept's home scope.
	contextDeps map[string]map[string]bool

	fatalMu sync.Mutex
	fatal   *RunError
}

// NewResolver creates a resolver for one run.
//
// Inputs:
//
//	plan - The validated plan.
//	state - The run's resolution table (fresh or restored).
//	exec - The executor dispatching inference executions.
//	events - Lifecycle event emitter. Must not be nil.
//	logger - Logger. If nil, uses slog.Default().
func NewResolver(plan *graph.Plan, state *State, exec *Executor, events *Emitter, logger *slog.Logger) (*Resolver, error) {
	if plan == nil || state == nil || exec == nil || events == nil {
		return nil, fmt.Errorf("%w: plan, state, exec, and events must not be nil", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		plan:        plan,
		state:       state,
		exec:        exec,
		events:      events,
		logger:      logger,
		contextDeps: computeContextDeps(plan),
	}, nil
}

// computeContextDeps finds, for every concept, which context concepts
// its value depends on, by fixpoint over producer edges. A loop's
// output does not export a dependency on the loop's own context
// concept: the loop binds it internally, once per iteration.
func computeContextDeps(p *graph.Plan) map[string]map[string]bool {
	deps := make(map[string]map[string]bool, p.ConceptCount())
	p.Concepts(func(c *graph.Concept) {
		if c.Kind == graph.ConceptContext {
			deps[c.ID] = map[string]bool{c.ID: true}
		}
	})

	for changed := true; changed; {
		changed = false
		p.Inferences(func(inf *graph.Inference) {
			out := deps[inf.Output]
			for _, dep := range inf.Dependencies() {
				for ctxID := range deps[dep] {
					if inf.Loop != nil && ctxID == inf.Loop.Context {
						continue
					}
					if !out[ctxID] {
						if out == nil {
							out = make(map[string]bool)
							deps[inf.Output] = out
						}
						out[ctxID] = true
						changed = true
					}
				}
			}
		})
	}
	return deps
}

// homeScope returns the scope that owns a concept's binding: the
// innermost enclosing scope whose bound context concept the concept
// depends on, or the root scope for loop-invariant concepts. Resolving
// at the home scope is what makes memoization maximal: a concept that
// ignores the loop variable is computed once, not once per iteration.
func (r *Resolver) homeScope(sc *scope, conceptID string) *scope {
	needs := r.contextDeps[conceptID]
	root := sc
	for s := sc; s != nil; s = s.parent {
		if s.contextID != "" && needs[s.contextID] {
			return s
		}
		root = s
	}
	return root
}

// recordFatal keeps the first fatal error for run-level diagnostics.
// Concurrent failures race; exactly one wins and is reported.
func (r *Resolver) recordFatal(conceptID, inferenceID string, err error) {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	if r.fatal == nil {
		r.fatal = &RunError{ConceptID: conceptID, InferenceID: inferenceID, Err: err}
	}
}

// firstFatal returns the recorded fatal error, if any.
func (r *Resolver) firstFatal() *RunError {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}

// Resolve drives the given target concepts to completion or failure.
//
// Description:
//
//	Targets resolve concurrently; independent subgraphs overlap subject
//	to the executor's concurrency ceilings. The run succeeds only if
//	every target resolves. A skipped or failed target surfaces the
//	first fatal error recorded during the run.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	targets - Concept ids to resolve. Defaults to the plan's targets
//	          when empty.
//
// Outputs:
//
//	map[string]any - Resolved value per target concept id.
//	error - Non-nil if any target failed to resolve.
func (r *Resolver) Resolve(ctx context.Context, targets []string) (map[string]any, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if len(targets) == 0 {
		targets = r.plan.Targets
	}

	ctx, span := tracer.Start(ctx, "planrun.Resolve",
		trace.WithAttributes(
			attribute.String("run.id", r.state.RunID),
			attribute.String("plan.name", r.plan.Name),
			attribute.Int("targets", len(targets)),
		),
	)
	defer span.End()

	r.events.Emit(Event{Type: EventRunStarted, RunID: r.state.RunID})
	r.logger.Info("run started",
		slog.String("run_id", r.state.RunID),
		slog.String("plan", r.plan.Name),
		slog.Any("targets", targets),
	)

	root := &scope{}
	outcomes := make([]Outcome, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			outcomes[i] = r.resolveConcept(ctx, root, target)
		}(i, target)
	}
	wg.Wait()

	results := make(map[string]any, len(targets))
	var failed error
	for i, target := range targets {
		out := outcomes[i]
		if out.Status == StatusResolved {
			results[target] = out.Value
			continue
		}
		if failed == nil {
			if fatal := r.firstFatal(); fatal != nil {
				failed = fatal
			} else {
				failed = &RunError{ConceptID: target, Err: out.Err}
			}
		}
	}

	if failed != nil {
		r.events.Emit(Event{Type: EventRunFailed, RunID: r.state.RunID, Error: failed.Error()})
		r.logger.Error("run failed",
			slog.String("run_id", r.state.RunID),
			slog.String("error", failed.Error()),
		)
		span.RecordError(failed)
		span.SetStatus(codes.Error, failed.Error())
		return results, failed
	}

	r.events.Emit(Event{Type: EventRunCompleted, RunID: r.state.RunID})
	r.logger.Info("run completed", slog.String("run_id", r.state.RunID))
	span.SetStatus(codes.Ok, "")
	return results, nil
}

// resolveConcept returns the definite outcome for a concept within the
// given scope, computing it at the concept's home scope exactly once.
func (r *Resolver) resolveConcept(ctx context.Context, sc *scope, conceptID string) Outcome {
	home := r.homeScope(sc, conceptID)
	key := BindingKey(home.key, conceptID)

	for {
		out, done, winner, wait := r.state.Claim(key)
		if done {
			return out
		}
		if winner {
			return r.state.Commit(key, r.produce(ctx, home, conceptID))
		}
		select {
		case <-wait:
			// Committed by the winner; re-read.
		case <-ctx.Done():
			// The waiter was cancelled, not the binding. Do not commit.
			return skippedOutcome(fmt.Errorf("%w: %s", ErrDiscarded, ctx.Err()))
		}
	}
}

// produce computes a freshly claimed binding's outcome.
func (r *Resolver) produce(ctx context.Context, home *scope, conceptID string) Outcome {
	c, ok := r.plan.Concept(conceptID)
	if !ok {
		return failedOutcome(fmt.Errorf("%w: unknown concept %q", ErrInvalidInput, conceptID))
	}
	if c.Kind == graph.ConceptContext {
		// A bound context concept is committed by its loop before the
		// body runs, so a claim win here means nothing bound it: the
		// concept was demanded outside its owning loop.
		return failedOutcome(fmt.Errorf("%w: %s", ErrContextOutOfScope, conceptID))
	}
	inf, ok := r.plan.Producer(conceptID)
	if !ok {
		if len(c.Literal) > 0 {
			var v any
			if err := json.Unmarshal(c.Literal, &v); err != nil {
				return failedOutcome(fmt.Errorf("%w: literal for %s: %v", ErrInvalidInput, conceptID, err))
			}
			return resolvedOutcome(v)
		}
		return failedOutcome(fmt.Errorf("%w: %s", ErrNoProducer, conceptID))
	}
	return r.resolveInference(ctx, home, inf)
}

// resolveInference evaluates the guard, then dispatches by shape:
// loop, selection, or plain execution.
func (r *Resolver) resolveInference(ctx context.Context, sc *scope, inf *graph.Inference) Outcome {
	out := r.resolveInferenceBody(ctx, sc, inf)
	r.emitOutcome(sc, inf, out)
	return out
}

func (r *Resolver) resolveInferenceBody(ctx context.Context, sc *scope, inf *graph.Inference) Outcome {
	if inf.Guard != "" {
		g := r.resolveConcept(ctx, sc, inf.Guard)
		switch g.Status {
		case StatusFailed:
			err := fmt.Errorf("%w: guard %s: %v", ErrGuardEvaluation, inf.Guard, g.Err)
			r.recordFatal(inf.Output, inf.ID, err)
			return failedOutcome(err)
		case StatusSkipped:
			// A skipped guard cannot assert anything; treat as false.
			return propagateSkip(g.Err, "guard %s skipped", inf.Guard)
		}
		pass, ok := truthy(g.Value)
		if !ok {
			err := fmt.Errorf("%w: guard %s has value %T", ErrGuardNotBoolean, inf.Guard, g.Value)
			r.recordFatal(inf.Output, inf.ID, err)
			return failedOutcome(err)
		}
		if !pass {
			return skippedOutcome(fmt.Errorf("guard %s is false", inf.Guard))
		}
	}

	switch {
	case inf.Tag.IsLooping():
		return r.resolveLoop(ctx, sc, inf)
	case inf.IsSelection():
		return r.resolveSelection(ctx, sc, inf)
	default:
		return r.resolvePlain(ctx, sc, inf)
	}
}

// resolvePlain resolves all inputs, then dispatches the execution.
// Inputs resolve concurrently; a skip or failure among them propagates
// without dispatching.
func (r *Resolver) resolvePlain(ctx context.Context, sc *scope, inf *graph.Inference) Outcome {
	outs := make([]Outcome, len(inf.Inputs))
	var wg sync.WaitGroup
	for i, in := range inf.Inputs {
		wg.Add(1)
		go func(i int, in string) {
			defer wg.Done()
			outs[i] = r.resolveConcept(ctx, sc, in)
		}(i, in)
	}
	wg.Wait()

	values := make([]any, len(outs))
	for i, out := range outs {
		switch out.Status {
		case StatusResolved:
			values[i] = out.Value
		case StatusSkipped:
			return propagateSkip(out.Err, "input %s skipped", inf.Inputs[i])
		case StatusFailed:
			return failedOutcome(fmt.Errorf("%w: %s: %v", ErrInputFailed, inf.Inputs[i], out.Err))
		}
	}

	// Cancelled before dispatch: a committed selection sibling or a
	// cancelled run. Discard rather than fail.
	if ctx.Err() != nil {
		return skippedOutcome(fmt.Errorf("%w: %s", ErrDiscarded, ctx.Err()))
	}

	r.emitStarted(sc, inf)

	value, err := r.exec.Execute(ctx, inf, values)
	if err != nil {
		if ctx.Err() != nil {
			return skippedOutcome(fmt.Errorf("%w: %s", ErrDiscarded, ctx.Err()))
		}
		r.recordFatal(inf.Output, inf.ID, err)
		return failedOutcome(err)
	}
	return resolvedOutcome(value)
}

// resolveSelection races the candidate inputs and commits as soon as
// the policy is decidable over the definite statuses seen so far.
// Candidates not yet started when the decision lands observe the
// cancelled context and are committed skipped; a candidate already in
// flight finishes and its result is memoized but discarded here.
func (r *Resolver) resolveSelection(ctx context.Context, sc *scope, inf *graph.Inference) Outcome {
	r.emitStarted(sc, inf)

	candCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	arrivals := make(chan candidateArrival, len(inf.Inputs))
	for i, in := range inf.Inputs {
		go func(i int, in string) {
			arrivals <- candidateArrival{index: i, outcome: r.resolveConcept(candCtx, sc, in)}
		}(i, in)
	}

	candidates := make([]Candidate, len(inf.Inputs))
	settled := 0
	for settled < len(inf.Inputs) {
		a := <-arrivals
		settled++
		candidates[a.index] = Candidate{Status: a.outcome.Status, Value: a.outcome.Value}

		d := EvaluateSelection(inf.Policy, candidates)
		if d.Decided {
			cancel()
			go r.drainDiscarded(inf, arrivals, len(inf.Inputs)-settled)
			return resolvedOutcome(d.Value)
		}
		if d.Exhausted {
			break
		}
	}

	err := fmt.Errorf("%w: %s", ErrSelectionExhausted, inf.ID)
	r.recordFatal(inf.Output, inf.ID, err)
	return failedOutcome(err)
}

// candidateArrival is one selection candidate's definite outcome,
// tagged with its declaration index.
type candidateArrival struct {
	index   int
	outcome Outcome
}

// drainDiscarded consumes candidate results arriving after a selection
// committed. The results stay memoized for other consumers; the
// selection just doesn't use them.
func (r *Resolver) drainDiscarded(inf *graph.Inference, arrivals <-chan candidateArrival, n int) {
	for i := 0; i < n; i++ {
		a := <-arrivals
		r.logger.Debug("discarding late selection candidate",
			slog.String("inference", inf.ID),
			slog.String("concept", inf.Inputs[a.index]),
			slog.String("status", string(a.outcome.Status)),
		)
	}
}

// resolveLoop expands a looping inference over its driving collection.
//
// The single input is the body's output concept, resolved once per
// iteration in a fresh scope binding the context concept to the
// current element. Unconditional loops run iterations concurrently;
// results aggregate in collection order regardless of completion
// order. while/until/afterstep loops are sequential by construction.
func (r *Resolver) resolveLoop(ctx context.Context, sc *scope, inf *graph.Inference) Outcome {
	loop := inf.Loop
	bodyOutput := inf.Inputs[0]

	coll := r.resolveConcept(ctx, sc, loop.Collection)
	switch coll.Status {
	case StatusSkipped:
		return propagateSkip(coll.Err, "collection %s skipped", loop.Collection)
	case StatusFailed:
		return failedOutcome(fmt.Errorf("%w: %s: %v", ErrInputFailed, loop.Collection, coll.Err))
	}
	items, err := asCollection(coll.Value)
	if err != nil {
		r.recordFatal(inf.Output, inf.ID, err)
		return failedOutcome(err)
	}

	r.emitStarted(sc, inf)

	cursorKey := BindingKey(sc.key, inf.ID)
	cursor := r.state.Cursor(cursorKey)
	if cursor > len(items) {
		cursor = len(items)
	}

	results := make([]Outcome, len(items))
	// The cursor is a hint, not truth: it can sit past iterations whose
	// bodies never committed (interrupted mid-flight, or failed and
	// dropped on restore). Collect the contiguous committed prefix and
	// re-issue from the first absent binding; anything committed beyond
	// that point is still served from the table without re-dispatch.
	resume := 0
	for idx := 0; idx < cursor; idx++ {
		key := BindingKey(iterationScopeKey(sc.key, inf.ID, idx), bodyOutput)
		out, ok := r.state.Get(key)
		if !ok {
			break
		}
		results[idx] = out
		resume = idx + 1
	}

	if loop.Condition == "" && loop.AfterStep == "" {
		if out := r.runLoopConcurrent(ctx, sc, inf, items, resume, results); out != nil {
			return *out
		}
	} else {
		if out := r.runLoopSequential(ctx, sc, inf, items, resume, results); out != nil {
			return *out
		}
	}

	values := make([]any, 0, len(items))
	for idx, out := range results {
		switch out.Status {
		case StatusResolved:
			values = append(values, out.Value)
		case StatusFailed:
			return failedOutcome(fmt.Errorf("%w: iteration %d: %v", ErrInputFailed, idx, out.Err))
		}
		// Skipped iterations are omitted from the aggregate.
	}
	return resolvedOutcome(values)
}

// iterScope pushes a fresh iteration scope and binds the context
// concept to the element.
func (r *Resolver) iterScope(sc *scope, inf *graph.Inference, idx int, elem any) *scope {
	child := &scope{
		parent:    sc,
		key:       iterationScopeKey(sc.key, inf.ID, idx),
		contextID: inf.Loop.Context,
		iteration: idx,
	}
	r.state.Bind(BindingKey(child.key, inf.Loop.Context), elem)
	return child
}

// runLoopConcurrent issues every remaining iteration at once. Results
// land by index, so aggregation order is collection order no matter
// how completions interleave. Returns a non-nil outcome only on early
// exit (none for unconditional loops).
func (r *Resolver) runLoopConcurrent(ctx context.Context, sc *scope, inf *graph.Inference, items []any, cursor int, results []Outcome) *Outcome {
	it := newLoopIterator(items, cursor)
	var wg sync.WaitGroup
	for {
		idx, elem, ok := it.Next()
		if !ok {
			break
		}
		wg.Add(1)
		go func(idx int, elem any) {
			defer wg.Done()
			child := r.iterScope(sc, inf, idx, elem)
			results[idx] = r.resolveConcept(ctx, child, inf.Inputs[0])
			r.completeIteration(sc, inf, child)
		}(idx, elem)
	}
	wg.Wait()
	return nil
}

// runLoopSequential issues one iteration at a time, honoring the
// termination condition and after-step binding between elements.
func (r *Resolver) runLoopSequential(ctx context.Context, sc *scope, inf *graph.Inference, items []any, cursor int, results []Outcome) *Outcome {
	it := newLoopIterator(items, cursor)
	for {
		idx, elem, ok := it.Next()
		if !ok {
			return nil
		}
		child := r.iterScope(sc, inf, idx, elem)

		// A while loop tests its condition against the freshly bound
		// element before running the body.
		if inf.Tag == graph.TagWhile {
			proceed, out := r.evalCondition(ctx, child, inf, inf.Loop.Condition)
			if out != nil {
				return out
			}
			if !proceed {
				return nil
			}
		}

		results[idx] = r.resolveConcept(ctx, child, inf.Inputs[0])
		if results[idx].Status == StatusFailed {
			r.completeIteration(sc, inf, child)
			return nil
		}

		if inf.Loop.AfterStep != "" {
			if after := r.resolveConcept(ctx, child, inf.Loop.AfterStep); after.Status == StatusFailed {
				out := failedOutcome(fmt.Errorf("%w: after-step %s: %v", ErrInputFailed, inf.Loop.AfterStep, after.Err))
				r.completeIteration(sc, inf, child)
				return &out
			}
		}

		r.completeIteration(sc, inf, child)

		// An until loop tests its condition after the body; true stops
		// issuing further elements.
		if inf.Tag == graph.TagUntil {
			stop, out := r.evalCondition(ctx, child, inf, inf.Loop.Condition)
			if out != nil {
				return out
			}
			if stop {
				return nil
			}
		}
	}
}

// evalCondition resolves a loop termination concept within an
// iteration scope and coerces it to a boolean. The second return is a
// non-nil loop outcome on evaluation failure.
func (r *Resolver) evalCondition(ctx context.Context, child *scope, inf *graph.Inference, conditionID string) (bool, *Outcome) {
	cond := r.resolveConcept(ctx, child, conditionID)
	if cond.Status != StatusResolved {
		out := failedOutcome(fmt.Errorf("%w: loop condition %s: %v", ErrGuardEvaluation, conditionID, cond.Err))
		r.recordFatal(inf.Output, inf.ID, out.Err)
		return false, &out
	}
	v, ok := truthy(cond.Value)
	if !ok {
		out := failedOutcome(fmt.Errorf("%w: loop condition %s has value %T", ErrGuardNotBoolean, conditionID, cond.Value))
		r.recordFatal(inf.Output, inf.ID, out.Err)
		return false, &out
	}
	return v, nil
}

// completeIteration records the cursor advance and emits the iteration
// event. Cursors only move forward, so out-of-order concurrent
// completions are safe.
func (r *Resolver) completeIteration(sc *scope, inf *graph.Inference, child *scope) {
	r.state.SetCursor(BindingKey(sc.key, inf.ID), child.iteration+1)
	r.events.Emit(Event{
		Type:        EventLoopIteration,
		RunID:       r.state.RunID,
		InferenceID: inf.ID,
		ConceptID:   inf.Output,
		Scope:       child.key,
		Iteration:   child.iteration,
	})
}

// emitStarted publishes the start-of-work event for an inference:
// plain executions emit it before dispatch, loops after their
// collection resolves, selections when the candidate race opens.
func (r *Resolver) emitStarted(sc *scope, inf *graph.Inference) {
	r.events.Emit(Event{
		Type:        EventInferenceStarted,
		RunID:       r.state.RunID,
		InferenceID: inf.ID,
		ConceptID:   inf.Output,
		Scope:       sc.key,
	})
}

// propagateSkip carries an input's skip to its consumer. A discard
// (run cancellation or a committed selection sibling) stays a discard
// through the chain, so checkpoints never pin transient skips as fact.
func propagateSkip(cause error, format string, args ...any) Outcome {
	reason := fmt.Errorf(format, args...)
	if errors.Is(cause, ErrDiscarded) {
		return skippedOutcome(fmt.Errorf("%w: %v", ErrDiscarded, reason))
	}
	return skippedOutcome(reason)
}

// emitOutcome publishes the lifecycle event matching a definite
// outcome.
func (r *Resolver) emitOutcome(sc *scope, inf *graph.Inference, out Outcome) {
	ev := Event{
		RunID:       r.state.RunID,
		InferenceID: inf.ID,
		ConceptID:   inf.Output,
		Scope:       sc.key,
	}
	switch out.Status {
	case StatusResolved:
		ev.Type = EventInferenceResolved
	case StatusSkipped:
		ev.Type = EventInferenceSkipped
		if out.Err != nil {
			ev.Error = out.Err.Error()
		}
	case StatusFailed:
		ev.Type = EventInferenceFailed
		if out.Err != nil {
			ev.Error = out.Err.Error()
		}
		r.logger.Warn("inference failed",
			slog.String("run_id", r.state.RunID),
			slog.String("inference", inf.ID),
			slog.String("concept", inf.Output),
			slog.String("error", ev.Error),
		)
	}
	r.events.Emit(ev)
}

// truthy coerces a guard or loop-condition value to a boolean. Oracle
// answers frequently come back as the strings "true"/"false", so those
// are accepted alongside native booleans.
func truthy(v any) (value bool, ok bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch b {
		case "true", "True", "yes":
			return true, true
		case "false", "False", "no":
			return false, true
		}
	}
	return false, false
}
