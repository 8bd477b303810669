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
	"reflect"
	"testing"

	"github.com/AleutianAI/inferplan/services/planrun/graph"
)

func TestFirstAvailablePicksEarliestResolved(t *testing.T) {
	d := EvaluateSelection(graph.PolicyFirstAvailable, []Candidate{
		{Status: StatusSkipped},
		{Status: StatusResolved, Value: "fallback"},
		{Status: StatusResolved, Value: "later"},
	})
	if !d.Decided || d.Chosen != 1 || d.Value != "fallback" {
		t.Fatalf("Decision = %+v, want chosen=1 value=fallback", d)
	}
}

func TestFirstAvailableWaitsOnPendingPrefix(t *testing.T) {
	d := EvaluateSelection(graph.PolicyFirstAvailable, []Candidate{
		{Status: StatusPending},
		{Status: StatusResolved, Value: "ready"},
	})
	if d.Decided || d.Exhausted {
		t.Fatalf("Decision = %+v, want undecided while the first candidate is pending", d)
	}
}

func TestFirstAvailableIgnoresPendingAfterWinner(t *testing.T) {
	d := EvaluateSelection(graph.PolicyFirstAvailable, []Candidate{
		{Status: StatusResolved, Value: "winner"},
		{Status: StatusPending},
	})
	if !d.Decided || d.Chosen != 0 {
		t.Fatalf("Decision = %+v, want immediate commit to index 0", d)
	}
}

func TestFirstAvailableExhausted(t *testing.T) {
	d := EvaluateSelection(graph.PolicyFirstAvailable, []Candidate{
		{Status: StatusSkipped},
		{Status: StatusFailed},
	})
	if !d.Exhausted || d.Decided {
		t.Fatalf("Decision = %+v, want exhausted", d)
	}
}

func TestFirstValidSkipsEmptyValues(t *testing.T) {
	d := EvaluateSelection(graph.PolicyFirstValid, []Candidate{
		{Status: StatusResolved, Value: ""},
		{Status: StatusResolved, Value: nil},
		{Status: StatusResolved, Value: "substantial"},
	})
	if !d.Decided || d.Chosen != 2 || d.Value != "substantial" {
		t.Fatalf("Decision = %+v, want chosen=2", d)
	}
}

func TestGroupAllAggregatesInDeclarationOrder(t *testing.T) {
	d := EvaluateSelection(graph.PolicyGroupAll, []Candidate{
		{Status: StatusResolved, Value: "source A"},
		{Status: StatusResolved, Value: "source B"},
		{Status: StatusResolved, Value: "source C"},
	})
	if !d.Decided {
		t.Fatalf("Decision = %+v, want decided", d)
	}
	want := []any{"source A", "source B", "source C"}
	if !reflect.DeepEqual(d.Value, want) {
		t.Fatalf("Value = %v, want %v", d.Value, want)
	}
}

func TestGroupAllWaitsForAllDefinite(t *testing.T) {
	d := EvaluateSelection(graph.PolicyGroupAll, []Candidate{
		{Status: StatusResolved, Value: "a"},
		{Status: StatusPending},
	})
	if d.Decided || d.Exhausted {
		t.Fatalf("Decision = %+v, want undecided with one pending candidate", d)
	}
}

func TestGroupAllOmitsSkippedAndFailed(t *testing.T) {
	d := EvaluateSelection(graph.PolicyGroupAll, []Candidate{
		{Status: StatusResolved, Value: "a"},
		{Status: StatusSkipped},
		{Status: StatusFailed},
		{Status: StatusResolved, Value: "d"},
	})
	want := []any{"a", "d"}
	if !d.Decided || !reflect.DeepEqual(d.Value, want) {
		t.Fatalf("Decision = %+v, want values %v", d, want)
	}
}

func TestSelectionArrivalOrderIndependence(t *testing.T) {
	// The same status vector must produce the same decision no matter
	// which arrival sequence built it.
	final := []Candidate{
		{Status: StatusFailed},
		{Status: StatusResolved, Value: "b"},
		{Status: StatusResolved, Value: "c"},
	}
	for _, policy := range []graph.SelectionPolicy{
		graph.PolicyFirstAvailable, graph.PolicyFirstValid, graph.PolicyGroupAll,
	} {
		first := EvaluateSelection(policy, final)
		for i := 0; i < 10; i++ {
			if got := EvaluateSelection(policy, final); !reflect.DeepEqual(got, first) {
				t.Fatalf("policy %s: decision varies across evaluations: %+v vs %+v", policy, got, first)
			}
		}
	}
}
