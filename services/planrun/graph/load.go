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
	"fmt"
	"os"
	"sort"
)

// Repository is the compiled plan document produced by the text
// compiler: two keyed collections plus the target concept ids.
type Repository struct {
	// Name identifies the plan.
	Name string `json:"name"`

	// Concepts is the concept collection.
	Concepts []Concept `json:"concepts"`

	// Inferences is the inference collection.
	Inferences []Inference `json:"inferences"`

	// Targets are the top-level output concept ids.
	Targets []string `json:"targets"`
}

// Load builds and validates a Plan from a compiled repository.
//
// Description:
//
//	Indexes concepts and inferences, then validates structural
//	integrity: every referenced concept exists, every non-context
//	concept has exactly one producing inference, guards and loop
//	metadata reference known concepts, and the dependency graph is
//	acyclic. All violations are StructuralError values naming the
//	offending ids; a malformed plan never becomes a runtime surprise.
//
// Inputs:
//
//	repo - The compiled repository. Must not be nil.
//
// Outputs:
//
//	*Plan - The validated, immutable plan.
//	error - A StructuralError on the first violation found.
func Load(repo *Repository) (*Plan, error) {
	if repo == nil {
		return nil, structuralf(nil, "repository must not be nil")
	}
	if len(repo.Concepts) == 0 {
		return nil, structuralf(nil, "plan has no concepts")
	}

	p := &Plan{
		Name:       repo.Name,
		Targets:    append([]string(nil), repo.Targets...),
		concepts:   make(map[string]*Concept, len(repo.Concepts)),
		inferences: make(map[string]*Inference, len(repo.Inferences)),
		producers:  make(map[string]*Inference, len(repo.Inferences)),
	}

	for i := range repo.Concepts {
		c := repo.Concepts[i]
		if c.ID == "" {
			return nil, structuralf(nil, "concept with empty id")
		}
		if c.Kind == "" {
			c.Kind = ConceptValue
		}
		if c.Kind != ConceptValue && c.Kind != ConceptContext {
			return nil, structuralf([]string{c.ID}, "unknown concept kind %q", c.Kind)
		}
		if _, dup := p.concepts[c.ID]; dup {
			return nil, structuralf([]string{c.ID}, "duplicate concept id")
		}
		p.concepts[c.ID] = &c
	}

	for i := range repo.Inferences {
		inf := repo.Inferences[i]
		if inf.ID == "" {
			return nil, structuralf(nil, "inference with empty id")
		}
		if _, dup := p.inferences[inf.ID]; dup {
			return nil, structuralf([]string{inf.ID}, "duplicate inference id")
		}
		p.inferences[inf.ID] = &inf
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFile reads a compiled repository from a JSON file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var repo Repository
	if err := json.Unmarshal(data, &repo); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	return Load(&repo)
}

// validate enforces the structural invariants. Called once by Load.
func (p *Plan) validate() error {
	for _, inf := range p.inferences {
		out, ok := p.concepts[inf.Output]
		if !ok {
			return structuralf([]string{inf.ID, inf.Output}, "inference output is not a known concept")
		}
		if out.Kind == ConceptContext {
			return structuralf([]string{inf.ID, inf.Output}, "context concept must not have a producing inference")
		}
		if prev, dup := p.producers[inf.Output]; dup {
			return structuralf([]string{prev.ID, inf.ID, inf.Output}, "concept has more than one producing inference")
		}
		p.producers[inf.Output] = inf

		if inf.Kind != ActionSemantic && inf.Kind != ActionSyntactic {
			return structuralf([]string{inf.ID}, "unknown action kind %q", inf.Kind)
		}
		if !inf.Tag.Known() {
			return structuralf([]string{inf.ID}, "unknown structural tag %q", inf.Tag)
		}
		if !inf.Policy.Known() {
			return structuralf([]string{inf.ID}, "unknown selection policy %q", inf.Policy)
		}
		if inf.Policy != PolicyNone && inf.Kind != ActionSyntactic {
			return structuralf([]string{inf.ID}, "selection policy requires a syntactic inference")
		}

		for _, in := range inf.Inputs {
			if _, ok := p.concepts[in]; !ok {
				return structuralf([]string{inf.ID, in}, "inference input is not a known concept")
			}
		}
		if inf.Guard != "" {
			if _, ok := p.concepts[inf.Guard]; !ok {
				return structuralf([]string{inf.ID, inf.Guard}, "guard is not a known concept")
			}
		}

		if err := p.validateLoop(inf); err != nil {
			return err
		}
	}

	// Every consumed value concept must be producible: an inference,
	// a literal, or a loop-bound context. Anything else would surface
	// as a runtime failure, which validation exists to prevent.
	for _, inf := range p.inferences {
		for _, dep := range inf.Dependencies() {
			c := p.concepts[dep]
			if c.Kind == ConceptContext {
				continue
			}
			if _, ok := p.producers[dep]; !ok && len(c.Literal) == 0 {
				return structuralf([]string{inf.ID, dep}, "concept has no producing inference and no literal value")
			}
		}
	}

	for _, target := range p.Targets {
		c, ok := p.concepts[target]
		if !ok {
			return structuralf([]string{target}, "target is not a known concept")
		}
		if c.Kind == ConceptContext {
			return structuralf([]string{target}, "target must not be a context concept")
		}
		if _, ok := p.producers[target]; !ok && len(c.Literal) == 0 {
			return structuralf([]string{target}, "target has no producing inference and no literal value")
		}
	}

	return p.checkAcyclic()
}

// validateLoop checks loop metadata consistency.
func (p *Plan) validateLoop(inf *Inference) error {
	if !inf.Tag.IsLooping() {
		if inf.Loop != nil {
			return structuralf([]string{inf.ID}, "loop metadata on non-looping tag %q", inf.Tag)
		}
		return nil
	}

	if inf.Loop == nil {
		return structuralf([]string{inf.ID}, "looping inference is missing loop metadata")
	}
	if len(inf.Inputs) != 1 {
		return structuralf([]string{inf.ID}, "looping inference must have exactly one input (the body output)")
	}

	l := inf.Loop
	if _, ok := p.concepts[l.Collection]; !ok {
		return structuralf([]string{inf.ID, l.Collection}, "loop collection is not a known concept")
	}
	ctx, ok := p.concepts[l.Context]
	if !ok {
		return structuralf([]string{inf.ID, l.Context}, "loop context is not a known concept")
	}
	if ctx.Kind != ConceptContext {
		return structuralf([]string{inf.ID, l.Context}, "loop context must be a context concept")
	}
	if l.Condition != "" {
		if _, ok := p.concepts[l.Condition]; !ok {
			return structuralf([]string{inf.ID, l.Condition}, "loop condition is not a known concept")
		}
	}
	if (inf.Tag == TagWhile || inf.Tag == TagUntil) && l.Condition == "" {
		return structuralf([]string{inf.ID}, "%s loop requires a termination condition concept", inf.Tag)
	}
	if l.AfterStep != "" {
		if _, ok := p.concepts[l.AfterStep]; !ok {
			return structuralf([]string{inf.ID, l.AfterStep}, "loop after-step is not a known concept")
		}
	}
	return nil
}

// Dependencies returns the concept ids the given inference reads:
// inputs, guard, and loop metadata references.
func (inf *Inference) Dependencies() []string {
	deps := append([]string(nil), inf.Inputs...)
	if inf.Guard != "" {
		deps = append(deps, inf.Guard)
	}
	if inf.Loop != nil {
		deps = append(deps, inf.Loop.Collection)
		if inf.Loop.Condition != "" {
			deps = append(deps, inf.Loop.Condition)
		}
		if inf.Loop.AfterStep != "" {
			deps = append(deps, inf.Loop.AfterStep)
		}
	}
	return deps
}

// checkAcyclic runs a DFS over concept dependencies. Context concepts
// have no producer, so loop bodies collapse to sources parameterized
// by their context binding and a valid plan is a DAG.
func (p *Plan) checkAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(p.concepts))
	var path []string

	// Deterministic iteration order keeps the reported cycle stable.
	ids := make([]string, 0, len(p.concepts))
	for id := range p.concepts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var dfs func(id string) error
	dfs = func(id string) error {
		state[id] = visiting
		path = append(path, id)

		if inf, ok := p.producers[id]; ok {
			for _, dep := range inf.Dependencies() {
				switch state[dep] {
				case done:
				case visiting:
					start := 0
					for i, n := range path {
						if n == dep {
							start = i
							break
						}
					}
					cycle := append(append([]string(nil), path[start:]...), dep)
					return structuralf(cycle, "dependency cycle")
				default:
					if err := dfs(dep); err != nil {
						return err
					}
				}
			}
		}

		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}
