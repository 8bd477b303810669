// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph holds the in-memory model of a compiled plan: concepts
// (named value slots) and inferences (the operations that produce
// them), with structural validation at load time.
//
// The structure is immutable after Load. Run-time state (resolution
// table, iteration bindings) lives in the engine package, never here.
package graph

import "encoding/json"

// ConceptKind distinguishes ordinary values from loop-local bindings.
type ConceptKind string

const (
	// ConceptValue is produced once per run (per iteration scope when
	// it depends on a context concept).
	ConceptValue ConceptKind = "value"

	// ConceptContext is a loop-local binding ("current item"), bound
	// implicitly by its owning loop once per iteration and invisible
	// outside that iteration's scope.
	ConceptContext ConceptKind = "context"
)

// ActionKind distinguishes external semantic calls from local
// deterministic transforms.
type ActionKind string

const (
	// ActionSemantic invokes the external oracle.
	ActionSemantic ActionKind = "semantic"

	// ActionSyntactic is a fixed deterministic transform
	// (group, select, merge, identity).
	ActionSyntactic ActionKind = "syntactic"
)

// StructuralTag classifies an inference's grammatical role in the
// compiled plan.
type StructuralTag string

const (
	// Assignment tags.
	TagIdentity       StructuralTag = "identity"
	TagSpecification  StructuralTag = "specification"
	TagNominalization StructuralTag = "nominalization"

	// Imperative tags.
	TagBy     StructuralTag = "by"
	TagAfter  StructuralTag = "after"
	TagBefore StructuralTag = "before"
	TagWith   StructuralTag = "with"

	// Judgement tags.
	TagIf       StructuralTag = "if"
	TagOnlyIf   StructuralTag = "onlyIf"
	TagIfOnlyIf StructuralTag = "ifOnlyIf"

	// Looping tags.
	TagWhile     StructuralTag = "while"
	TagUntil     StructuralTag = "until"
	TagAfterStep StructuralTag = "afterstep"
)

// IsLooping reports whether the tag denotes a loop construct.
func (t StructuralTag) IsLooping() bool {
	switch t {
	case TagWhile, TagUntil, TagAfterStep:
		return true
	default:
		return false
	}
}

// Known reports whether the tag is one of the compiled vocabulary.
func (t StructuralTag) Known() bool {
	switch t {
	case TagIdentity, TagSpecification, TagNominalization,
		TagBy, TagAfter, TagBefore, TagWith,
		TagIf, TagOnlyIf, TagIfOnlyIf,
		TagWhile, TagUntil, TagAfterStep:
		return true
	default:
		return false
	}
}

// SelectionPolicy names a deterministic choice/merge strategy for
// syntactic selection inferences.
type SelectionPolicy string

const (
	// PolicyNone marks a non-selection inference.
	PolicyNone SelectionPolicy = ""

	// PolicyFirstAvailable picks the first candidate, in declaration
	// order, that resolves. Skipped or failed candidates pass through.
	PolicyFirstAvailable SelectionPolicy = "firstAvailable"

	// PolicyFirstValid is PolicyFirstAvailable restricted to
	// non-empty values.
	PolicyFirstValid SelectionPolicy = "firstValid"

	// PolicyGroupAll aggregates all resolved candidates into a list in
	// declaration order.
	PolicyGroupAll SelectionPolicy = "groupAll"
)

// Known reports whether the policy is part of the vocabulary.
func (p SelectionPolicy) Known() bool {
	switch p {
	case PolicyNone, PolicyFirstAvailable, PolicyFirstValid, PolicyGroupAll:
		return true
	default:
		return false
	}
}

// Concept is a named, once-resolved value slot.
type Concept struct {
	// ID is the unique identifier within the plan.
	ID string `json:"id"`

	// Name is the display name from the compiler.
	Name string `json:"name"`

	// Kind is value or context.
	Kind ConceptKind `json:"kind"`

	// Literal is the compiled-in value for source concepts that have
	// no producing inference ("input data", a fixed guard). Raw JSON
	// so false and null literals stay distinguishable from absence.
	Literal json.RawMessage `json:"literal,omitempty"`
}

// LoopSpec is the loop metadata carried by a looping inference.
type LoopSpec struct {
	// Collection is the concept id whose resolved value drives the
	// loop. It must resolve to an ordered collection.
	Collection string `json:"collection"`

	// Context is the context concept bound to the current element,
	// once per iteration.
	Context string `json:"context"`

	// Condition is the termination concept for while/until loops,
	// evaluated within each iteration's scope. Optional.
	Condition string `json:"condition,omitempty"`

	// AfterStep is a concept resolved within each iteration's scope
	// after the body completes and before the next element is issued.
	// Only meaningful for afterstep loops. Optional.
	AfterStep string `json:"after_step,omitempty"`
}

// Inference is the sole producer of exactly one output concept.
type Inference struct {
	// ID is the unique identifier within the plan.
	ID string `json:"id"`

	// Output is the concept this inference produces.
	Output string `json:"output"`

	// Inputs are the consumed concept ids, in order. Order is
	// positional for semantic calls. For looping inferences the single
	// input is the loop body's output concept, resolved per iteration.
	Inputs []string `json:"inputs"`

	// Action is the free-form instruction text.
	Action string `json:"action"`

	// Kind selects semantic or syntactic execution.
	Kind ActionKind `json:"kind"`

	// Tag is the structural classification.
	Tag StructuralTag `json:"tag"`

	// Policy is set for syntactic selection/grouping inferences.
	Policy SelectionPolicy `json:"policy,omitempty"`

	// Guard is an optional boolean concept gating execution. When it
	// evaluates false the output is skipped, not failed.
	Guard string `json:"guard,omitempty"`

	// Loop is set when Tag is a looping tag.
	Loop *LoopSpec `json:"loop,omitempty"`
}

// IsSelection reports whether the inference is a syntactic
// selection/grouping over its inputs.
func (inf *Inference) IsSelection() bool {
	return inf.Kind == ActionSyntactic && inf.Policy != PolicyNone
}

// Plan is the validated, immutable concept/inference graph.
type Plan struct {
	// Name identifies the plan in logs, metrics, and checkpoints.
	Name string

	// Targets are the top-level output concept ids.
	Targets []string

	concepts   map[string]*Concept
	inferences map[string]*Inference
	producers  map[string]*Inference // output concept id -> inference
}

// Concept returns the concept with the given id.
func (p *Plan) Concept(id string) (*Concept, bool) {
	c, ok := p.concepts[id]
	return c, ok
}

// Inference returns the inference with the given id.
func (p *Plan) Inference(id string) (*Inference, bool) {
	inf, ok := p.inferences[id]
	return inf, ok
}

// Producer returns the inference producing the given concept, if any.
// Context concepts never have a producer.
func (p *Plan) Producer(conceptID string) (*Inference, bool) {
	inf, ok := p.producers[conceptID]
	return inf, ok
}

// ConceptCount returns the number of concepts in the plan.
func (p *Plan) ConceptCount() int { return len(p.concepts) }

// InferenceCount returns the number of inferences in the plan.
func (p *Plan) InferenceCount() int { return len(p.inferences) }

// Inferences calls fn for every inference in the plan. Iteration order
// is unspecified.
func (p *Plan) Inferences(fn func(*Inference)) {
	for _, inf := range p.inferences {
		fn(inf)
	}
}

// Concepts calls fn for every concept in the plan. Iteration order is
// unspecified.
func (p *Plan) Concepts(fn func(*Concept)) {
	for _, c := range p.concepts {
		fn(c)
	}
}
