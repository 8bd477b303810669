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
	"errors"
	"fmt"
)

// Sentinel errors for the execution engine.
var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput indicates invalid input parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidConfig indicates an invalid engine configuration.
	ErrInvalidConfig = errors.New("invalid engine configuration")

	// ErrGuardEvaluation indicates a guard concept itself failed to
	// resolve. Propagates like any failed dependency.
	ErrGuardEvaluation = errors.New("guard evaluation failed")

	// ErrGuardNotBoolean indicates a guard or termination concept
	// resolved to a value with no boolean interpretation.
	ErrGuardNotBoolean = errors.New("guard concept is not boolean-valued")

	// ErrSelectionExhausted indicates no candidate of a selection ever
	// became available. Fatal for that branch.
	ErrSelectionExhausted = errors.New("selection exhausted: no candidate available")

	// ErrNotCollection indicates a loop's driving concept did not
	// resolve to an ordered collection.
	ErrNotCollection = errors.New("loop collection did not resolve to a list")

	// ErrContextOutOfScope indicates a context concept was referenced
	// outside the lexical scope of its owning loop.
	ErrContextOutOfScope = errors.New("context concept referenced outside its loop scope")

	// ErrNoProducer indicates a concept with no producing inference
	// was demanded at run time. Load-time validation covers targets;
	// this protects ad-hoc target sets.
	ErrNoProducer = errors.New("concept has no producing inference")

	// ErrInputFailed indicates an input concept failed, propagated to
	// the consuming inference.
	ErrInputFailed = errors.New("input concept failed")

	// ErrDiscarded indicates an execution was skipped because an
	// ancestor selection had already committed to a sibling branch.
	ErrDiscarded = errors.New("branch abandoned after selection committed")
)

// RunError identifies the concept and inference at the origin of a
// run-level failure, for diagnostics. The first fatal error of a run
// is surfaced to the caller even when several failures race.
type RunError struct {
	ConceptID   string
	InferenceID string
	Err         error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.InferenceID != "" {
		return fmt.Sprintf("concept %q (inference %q): %v", e.ConceptID, e.InferenceID, e.Err)
	}
	return fmt.Sprintf("concept %q: %v", e.ConceptID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RunError) Unwrap() error {
	return e.Err
}
