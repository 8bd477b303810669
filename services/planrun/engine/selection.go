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
	"github.com/AleutianAI/inferplan/services/planrun/graph"
)

// Candidate is one selection input's current status and value.
type Candidate struct {
	Status Status
	Value  any
}

// Decision is the outcome of evaluating a selection policy.
type Decision struct {
	// Decided is true once the statuses force a unique result.
	Decided bool

	// Exhausted is true when every candidate is definite and none can
	// satisfy the policy.
	Exhausted bool

	// Chosen is the committed candidate index, or -1 for aggregate
	// policies (groupAll).
	Chosen int

	// Value is the selected or aggregated value, valid when Decided.
	Value any
}

// EvaluateSelection applies a selection policy to a fixed candidate
// status vector.
//
// The function is pure and depends only on the statuses and values in
// declaration order, never on arrival order, so interleavings that
// differ only in timing produce the same decision. Ties between
// candidates that become definite in the same scheduling tick resolve
// to the earliest declaration index by construction.
//
// An undecided result (Decided and Exhausted both false) means more
// candidates must reach a definite status before the policy can
// commit.
func EvaluateSelection(policy graph.SelectionPolicy, candidates []Candidate) Decision {
	switch policy {
	case graph.PolicyFirstAvailable:
		return evaluateFirst(candidates, func(c Candidate) bool { return true })
	case graph.PolicyFirstValid:
		return evaluateFirst(candidates, func(c Candidate) bool { return validValue(c.Value) })
	case graph.PolicyGroupAll:
		return evaluateGroupAll(candidates)
	default:
		return Decision{}
	}
}

// evaluateFirst scans candidates in declaration order. A pending
// candidate blocks the decision only until it is reached: everything
// after the first acceptable resolved candidate is irrelevant.
func evaluateFirst(candidates []Candidate, accept func(Candidate) bool) Decision {
	for i, c := range candidates {
		switch c.Status {
		case StatusResolved:
			if accept(c) {
				return Decision{Decided: true, Chosen: i, Value: c.Value}
			}
			// A resolved-but-unacceptable candidate passes through,
			// same as skipped.
		case StatusSkipped, StatusFailed:
			// Pass to the next candidate.
		default:
			// Pending prefix: not enough information yet.
			return Decision{}
		}
	}
	return Decision{Exhausted: true, Chosen: -1}
}

// evaluateGroupAll aggregates every resolved candidate, in declaration
// order, once all candidates are definite.
func evaluateGroupAll(candidates []Candidate) Decision {
	values := make([]any, 0, len(candidates))
	for _, c := range candidates {
		switch c.Status {
		case StatusResolved:
			values = append(values, c.Value)
		case StatusSkipped, StatusFailed:
			// Omitted from the composite.
		default:
			return Decision{}
		}
	}
	if len(values) == 0 {
		return Decision{Exhausted: true, Chosen: -1}
	}
	return Decision{Decided: true, Chosen: -1, Value: values}
}

// validValue reports whether a resolved value satisfies firstValid:
// non-nil and, for strings and lists, non-empty.
func validValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	default:
		return true
	}
}
