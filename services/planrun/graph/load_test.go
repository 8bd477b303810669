// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"encoding/json"
	"errors"
	"testing"
)

func lit(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func validRepo() *Repository {
	return &Repository{
		Name: "test-plan",
		Concepts: []Concept{
			{ID: "raw", Kind: ConceptValue, Literal: lit("input data")},
			{ID: "summary", Kind: ConceptValue},
			{ID: "report", Kind: ConceptValue},
		},
		Inferences: []Inference{
			{ID: "i-summarize", Output: "summary", Inputs: []string{"raw"}, Action: "summarize", Kind: ActionSemantic, Tag: TagBy},
			{ID: "i-report", Output: "report", Inputs: []string{"summary"}, Action: "format report", Kind: ActionSemantic, Tag: TagBy},
		},
		Targets: []string{"report"},
	}
}

func TestLoadValidPlan(t *testing.T) {
	plan, err := Load(validRepo())
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if plan.Name != "test-plan" {
		t.Errorf("Name = %q, want %q", plan.Name, "test-plan")
	}
	if plan.ConceptCount() != 3 || plan.InferenceCount() != 2 {
		t.Errorf("counts = (%d, %d), want (3, 2)", plan.ConceptCount(), plan.InferenceCount())
	}
	inf, ok := plan.Producer("report")
	if !ok || inf.ID != "i-report" {
		t.Errorf("Producer(report) = %v, %v, want i-report", inf, ok)
	}
}

func TestLoadRejectsUnknownInput(t *testing.T) {
	repo := validRepo()
	repo.Inferences[0].Inputs = []string{"nonexistent"}

	_, err := Load(repo)
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("Load() error = %v, want ErrStructural", err)
	}
	var serr *StructuralError
	if !errors.As(err, &serr) {
		t.Fatalf("error is not a StructuralError: %v", err)
	}
	found := false
	for _, id := range serr.IDs {
		if id == "nonexistent" {
			found = true
		}
	}
	if !found {
		t.Errorf("StructuralError.IDs = %v, want to contain %q", serr.IDs, "nonexistent")
	}
}

func TestLoadRejectsDuplicateProducer(t *testing.T) {
	repo := validRepo()
	repo.Inferences = append(repo.Inferences, Inference{
		ID: "i-dup", Output: "summary", Inputs: []string{"raw"},
		Action: "summarize again", Kind: ActionSemantic, Tag: TagBy,
	})

	_, err := Load(repo)
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("Load() error = %v, want ErrStructural", err)
	}
}

func TestLoadRejectsProducerForContextConcept(t *testing.T) {
	repo := validRepo()
	repo.Concepts = append(repo.Concepts, Concept{ID: "item", Kind: ConceptContext})
	repo.Inferences = append(repo.Inferences, Inference{
		ID: "i-bad", Output: "item", Inputs: []string{"raw"},
		Action: "produce item", Kind: ActionSyntactic, Tag: TagIdentity,
	})

	_, err := Load(repo)
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("Load() error = %v, want ErrStructural", err)
	}
}

func TestLoadRejectsUnproducibleInput(t *testing.T) {
	repo := validRepo()
	// Drop the literal: "raw" now has no producer and no value.
	repo.Concepts[0].Literal = nil

	_, err := Load(repo)
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("Load() error = %v, want ErrStructural", err)
	}
}

func TestLoadRejectsCycle(t *testing.T) {
	repo := &Repository{
		Name: "cyclic",
		Concepts: []Concept{
			{ID: "a", Kind: ConceptValue},
			{ID: "b", Kind: ConceptValue},
		},
		Inferences: []Inference{
			{ID: "i-a", Output: "a", Inputs: []string{"b"}, Action: "x", Kind: ActionSyntactic, Tag: TagIdentity},
			{ID: "i-b", Output: "b", Inputs: []string{"a"}, Action: "y", Kind: ActionSyntactic, Tag: TagIdentity},
		},
		Targets: []string{"a"},
	}

	_, err := Load(repo)
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("Load() error = %v, want ErrStructural", err)
	}
	var serr *StructuralError
	if !errors.As(err, &serr) {
		t.Fatalf("error is not a StructuralError: %v", err)
	}
	if len(serr.IDs) < 3 {
		t.Errorf("cycle path = %v, want at least 3 nodes", serr.IDs)
	}
}

func TestLoadGuardCycleThroughGuardEdge(t *testing.T) {
	repo := validRepo()
	// report guards summarize, summarize feeds report: a cycle only
	// visible through the guard edge.
	repo.Inferences[0].Guard = "report"

	_, err := Load(repo)
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("Load() error = %v, want ErrStructural", err)
	}
}

func TestLoadLoopValidation(t *testing.T) {
	base := func() *Repository {
		return &Repository{
			Name: "loop-plan",
			Concepts: []Concept{
				{ID: "items", Kind: ConceptValue, Literal: lit([]string{"a", "b"})},
				{ID: "item", Kind: ConceptContext},
				{ID: "mapped", Kind: ConceptValue},
				{ID: "all", Kind: ConceptValue},
			},
			Inferences: []Inference{
				{ID: "i-map", Output: "mapped", Inputs: []string{"item"}, Action: "map item", Kind: ActionSemantic, Tag: TagBy},
				{ID: "i-loop", Output: "all", Inputs: []string{"mapped"}, Action: "for each", Kind: ActionSyntactic, Tag: TagWhile,
					Loop: &LoopSpec{Collection: "items", Context: "item", Condition: "mapped"}},
			},
			Targets: []string{"all"},
		}
	}

	if _, err := Load(base()); err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	t.Run("missing loop metadata", func(t *testing.T) {
		repo := base()
		repo.Inferences[1].Loop = nil
		if _, err := Load(repo); !errors.Is(err, ErrStructural) {
			t.Errorf("Load() error = %v, want ErrStructural", err)
		}
	})

	t.Run("while requires condition", func(t *testing.T) {
		repo := base()
		repo.Inferences[1].Loop.Condition = ""
		if _, err := Load(repo); !errors.Is(err, ErrStructural) {
			t.Errorf("Load() error = %v, want ErrStructural", err)
		}
	})

	t.Run("context must be a context concept", func(t *testing.T) {
		repo := base()
		repo.Inferences[1].Loop.Context = "items"
		if _, err := Load(repo); !errors.Is(err, ErrStructural) {
			t.Errorf("Load() error = %v, want ErrStructural", err)
		}
	})

	t.Run("loop body is a single input", func(t *testing.T) {
		repo := base()
		repo.Inferences[1].Inputs = []string{"mapped", "items"}
		if _, err := Load(repo); !errors.Is(err, ErrStructural) {
			t.Errorf("Load() error = %v, want ErrStructural", err)
		}
	})
}

func TestLoadAcceptsLoopBodyUsingContext(t *testing.T) {
	// The body output depends on the loop's own context concept.
	// Context concepts have no producer, so the collapsed graph stays
	// acyclic.
	repo := &Repository{
		Name: "map-plan",
		Concepts: []Concept{
			{ID: "items", Kind: ConceptValue, Literal: lit([]any{"a"})},
			{ID: "item", Kind: ConceptContext},
			{ID: "mapped", Kind: ConceptValue},
			{ID: "all", Kind: ConceptValue},
		},
		Inferences: []Inference{
			{ID: "i-map", Output: "mapped", Inputs: []string{"item"}, Action: "transform", Kind: ActionSemantic, Tag: TagBy},
			{ID: "i-loop", Output: "all", Inputs: []string{"mapped"}, Action: "for each", Kind: ActionSyntactic, Tag: TagUntil,
				Loop: &LoopSpec{Collection: "items", Context: "item", Condition: "mapped"}},
		},
		Targets: []string{"all"},
	}
	if _, err := Load(repo); err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
}

func TestDependenciesIncludesGuardAndLoopRefs(t *testing.T) {
	inf := &Inference{
		ID: "i", Output: "o", Inputs: []string{"a", "b"}, Guard: "g",
		Loop: &LoopSpec{Collection: "coll", Context: "ctx", Condition: "cond", AfterStep: "after"},
	}
	deps := inf.Dependencies()
	want := map[string]bool{"a": true, "b": true, "g": true, "coll": true, "cond": true, "after": true}
	if len(deps) != len(want) {
		t.Fatalf("Dependencies() = %v, want %d entries", deps, len(want))
	}
	for _, d := range deps {
		if !want[d] {
			t.Errorf("unexpected dependency %q", d)
		}
	}
}
