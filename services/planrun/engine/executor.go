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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/inferplan/services/planrun/graph"
	"github.com/AleutianAI/inferplan/services/planrun/oracle"
)

var (
	tracer = otel.Tracer("aleutian.planrun")
	meter  = otel.Meter("aleutian.planrun")
)

// Executor dispatches inference executions with bounded, kind-separated
// concurrency.
//
// Description:
//
//	Semantic operations (external oracle calls) and syntactic
//	operations (local deterministic transforms) draw from independent
//	semaphores, so cheap local work is never queued behind rate-limited
//	external calls. Semantic calls get a per-attempt deadline and the
//	run's retry policy before a failure surfaces.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Multiple runs can share one
//	Executor.
type Executor struct {
	provider  oracle.Provider
	cfg       Config
	semantic  *Semaphore
	syntactic *Semaphore
	logger    *slog.Logger

	// Metrics (initialized lazily)
	metricsOnce      sync.Once
	execLatency      metric.Float64Histogram
	execSuccesses    metric.Int64Counter
	execFailures     metric.Int64Counter
	activeExecutions metric.Int64UpDownCounter
}

// NewExecutor creates an executor.
//
// Inputs:
//
//	cfg - Engine configuration. Validated here.
//	provider - The semantic operation provider. Must not be nil.
//	logger - Logger for execution logs. If nil, uses slog.Default().
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - Non-nil if cfg is invalid or provider is nil.
func NewExecutor(cfg Config, provider oracle.Provider, logger *slog.Logger) (*Executor, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider must not be nil", ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		provider:  provider,
		cfg:       cfg,
		semantic:  NewSemaphore(cfg.MaxSemanticConcurrency),
		syntactic: NewSemaphore(cfg.MaxSyntacticConcurrency),
		logger:    logger,
	}, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution.
func (x *Executor) initMetrics() {
	x.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		x.execLatency, err = meter.Float64Histogram("planrun_inference_duration_seconds",
			metric.WithDescription("Time spent executing each inference"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "exec_latency: "+err.Error())
		}

		x.execSuccesses, err = meter.Int64Counter("planrun_inference_success_total",
			metric.WithDescription("Number of successful inference executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "exec_successes: "+err.Error())
		}

		x.execFailures, err = meter.Int64Counter("planrun_inference_failure_total",
			metric.WithDescription("Number of failed inference executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "exec_failures: "+err.Error())
		}

		x.activeExecutions, err = meter.Int64UpDownCounter("planrun_active_inferences",
			metric.WithDescription("Number of currently executing inferences"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_executions: "+err.Error())
		}

		if len(initErrors) > 0 {
			x.logger.Error("failed to initialize some planrun metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Execute runs one inference against its resolved input values.
//
// Description:
//
//	Acquires a worker slot for the inference's kind, then either calls
//	the oracle (semantic, with retry) or applies the local transform
//	(syntactic, inline). Cancellation is cooperative: the context is
//	consulted when acquiring a slot and between retry attempts; an
//	in-flight oracle call is never forcibly terminated.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	inf - The inference to execute.
//	inputs - Resolved input values in declaration order.
//
// Outputs:
//
//	any - The produced value.
//	error - Non-nil on failure after retry exhaustion.
func (x *Executor) Execute(ctx context.Context, inf *graph.Inference, inputs []any) (any, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	x.initMetrics()

	ctx, span := tracer.Start(ctx, "planrun.Execute",
		trace.WithAttributes(
			attribute.String("inference.id", inf.ID),
			attribute.String("inference.kind", string(inf.Kind)),
			attribute.String("inference.tag", string(inf.Tag)),
			attribute.Int("inference.inputs", len(inputs)),
		),
	)
	defer span.End()

	if x.activeExecutions != nil {
		x.activeExecutions.Add(ctx, 1)
		defer x.activeExecutions.Add(ctx, -1)
	}

	start := time.Now()
	var value any
	var err error

	switch inf.Kind {
	case graph.ActionSemantic:
		value, err = x.executeSemantic(ctx, inf, inputs)
	default:
		value, err = x.executeSyntactic(ctx, inf, inputs)
	}

	duration := time.Since(start)
	if x.execLatency != nil {
		x.execLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("kind", string(inf.Kind))),
		)
	}

	if err != nil {
		if x.execFailures != nil {
			x.execFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", string(inf.Kind))),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if x.execSuccesses != nil {
		x.execSuccesses.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", string(inf.Kind))),
		)
	}
	span.SetStatus(codes.Ok, "")
	return value, nil
}

// executeSemantic calls the oracle under the semantic concurrency
// ceiling, applying the run's retry policy.
func (x *Executor) executeSemantic(ctx context.Context, inf *graph.Inference, inputs []any) (any, error) {
	if err := x.semantic.Acquire(ctx); err != nil {
		return nil, err
	}
	defer x.semantic.Release()

	var value any
	err := Retry(ctx, x.cfg.Retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			x.logger.Warn("retrying semantic operation",
				slog.String("inference", inf.ID),
				slog.Int("attempt", attempt),
			)
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if x.cfg.SemanticTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, x.cfg.SemanticTimeout)
			defer cancel()
		}

		v, err := x.provider.Invoke(attemptCtx, inf.Action, inputs, x.cfg.Model)
		if err != nil {
			// A per-attempt deadline is an ordinary transient failure,
			// not a distinct cancellation path.
			if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return &oracle.OperationError{
					Kind:    oracle.FailureTimeout,
					Message: "semantic call deadline exceeded",
					Cause:   err,
				}
			}
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// executeSyntactic applies a local deterministic transform. Syntactic
// work never suspends beyond slot acquisition.
func (x *Executor) executeSyntactic(ctx context.Context, inf *graph.Inference, inputs []any) (any, error) {
	if err := x.syntactic.Acquire(ctx); err != nil {
		return nil, err
	}
	defer x.syntactic.Release()

	// Selection policies are evaluated by the resolver, which needs
	// candidate statuses, not just values. Everything else is a
	// pass-through or merge.
	if len(inputs) == 1 {
		return inputs[0], nil
	}
	return append([]any(nil), inputs...), nil
}
