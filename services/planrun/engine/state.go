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
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Status is a concept's resolution status. Transitions are monotonic:
// pending -> resolved|skipped|failed, never reverted within a run.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Definite reports whether the status is final for this run.
func (s Status) Definite() bool {
	return s == StatusResolved || s == StatusSkipped || s == StatusFailed
}

// Outcome is the result of resolving one concept binding.
type Outcome struct {
	Status Status
	Value  any
	Err    error
}

// resolvedOutcome is a convenience constructor.
func resolvedOutcome(v any) Outcome {
	return Outcome{Status: StatusResolved, Value: v}
}

// skippedOutcome marks a binding definitively skipped.
func skippedOutcome(reason error) Outcome {
	return Outcome{Status: StatusSkipped, Err: reason}
}

// failedOutcome marks a binding definitively failed.
func failedOutcome(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

// bindingSep joins scope key and concept id into a binding key. The
// unit separator cannot appear in ids, so keys never collide.
const bindingSep = "\x1f"

// BindingKey builds the resolution-table key for a concept within an
// iteration scope. The root scope key is the empty string.
func BindingKey(scopeKey, conceptID string) string {
	return scopeKey + bindingSep + conceptID
}

// State is a run's resolution table: concept binding -> outcome, plus
// loop cursors and a monotonically increasing transition sequence.
//
// The table is the only mutable shared state of a run. All mutations
// are append-only status transitions with per-binding exclusivity: at
// most one writer resolves a given binding, enforced by Claim.
//
// Thread Safety: safe for concurrent use.
type State struct {
	// RunID identifies this run.
	RunID string

	// PlanName is the plan being executed.
	PlanName string

	// StartedAt is the run start in Unix milliseconds UTC.
	StartedAt int64

	mu       sync.RWMutex
	entries  map[string]Outcome
	inflight map[string]chan struct{}
	cursors  map[string]int
	seq      uint64
}

// NewState creates an empty resolution table for a new run.
func NewState(runID, planName string) *State {
	return &State{
		RunID:     runID,
		PlanName:  planName,
		StartedAt: time.Now().UnixMilli(),
		entries:   make(map[string]Outcome),
		inflight:  make(map[string]chan struct{}),
		cursors:   make(map[string]int),
	}
}

// Get returns the committed outcome for a binding, if any.
func (s *State) Get(key string) (Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.entries[key]
	return out, ok
}

// Claim acquires the exclusive right to resolve a binding.
//
// Outputs:
//
//	out - The committed outcome, valid when done is true.
//	done - True if the binding already has a definite outcome.
//	winner - True if the caller now owns resolution of this binding
//	         and must eventually call Commit exactly once.
//	wait - When neither done nor winner, a channel closed on commit;
//	       callers re-Get after it closes.
func (s *State) Claim(key string) (out Outcome, done bool, winner bool, wait <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if out, ok := s.entries[key]; ok {
		return out, true, false, nil
	}
	if ch, ok := s.inflight[key]; ok {
		return Outcome{}, false, false, ch
	}
	ch := make(chan struct{})
	s.inflight[key] = ch
	return Outcome{}, false, true, nil
}

// Commit records the definite outcome for a claimed binding and wakes
// all waiters. First writer wins: a second commit for the same binding
// is ignored, preserving monotonicity.
func (s *State) Commit(key string, out Outcome) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		return existing
	}
	s.entries[key] = out
	s.seq++
	if ch, ok := s.inflight[key]; ok {
		close(ch)
		delete(s.inflight, key)
	}
	return out
}

// Bind directly records a resolved context binding for an iteration
// scope. Idempotent: re-binding an existing key is a no-op, which is
// what resume wants.
func (s *State) Bind(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return
	}
	s.entries[key] = resolvedOutcome(value)
	s.seq++
}

// Cursor returns the next unissued iteration index for a loop binding.
func (s *State) Cursor(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[key]
}

// SetCursor advances a loop cursor. Cursors only move forward.
func (s *State) SetCursor(key string, next int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next > s.cursors[key] {
		s.cursors[key] = next
	}
}

// Seq returns the current transition sequence number.
func (s *State) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Counts returns the number of bindings per definite status.
func (s *State) Counts() (resolved, skipped, failed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, out := range s.entries {
		switch out.Status {
		case StatusResolved:
			resolved++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}
	return
}

// SnapshotEntry is the serializable form of a committed outcome.
type SnapshotEntry struct {
	Status Status `json:"status"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Snapshot is a durable copy of a run's resolution table and loop
// cursors, sufficient to resume without recomputing anything already
// resolved. In-flight bindings are simply absent (still pending).
type Snapshot struct {
	RunID     string                   `json:"run_id"`
	PlanName  string                   `json:"plan_name"`
	StartedAt int64                    `json:"started_at"`
	Seq       uint64                   `json:"seq"`
	Entries   map[string]SnapshotEntry `json:"entries"`
	Cursors   map[string]int           `json:"cursors"`
}

// Snapshot captures the current quiesced-enough view of the run.
//
// Only committed (definite) bindings appear; an inference still in
// flight is represented by its binding's absence, i.e. pending. Skips
// that merely record a discard are also absent, so a resumed run
// re-attempts them. Values are deep-copied via a JSON roundtrip so
// later mutation of live values cannot corrupt the snapshot.
func (s *State) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make(map[string]SnapshotEntry, len(s.entries))
	for k, out := range s.entries {
		// Discards are transient: the work was never attempted, only
		// abandoned when a selection committed or the run was
		// cancelled. Persisting them would pin the binding skipped on
		// resume, so they stay pending in the snapshot.
		if out.Status == StatusSkipped && errors.Is(out.Err, ErrDiscarded) {
			continue
		}
		e := SnapshotEntry{Status: out.Status, Value: deepCopyValue(out.Value)}
		if out.Err != nil {
			e.Error = out.Err.Error()
		}
		entries[k] = e
	}

	cursors := make(map[string]int, len(s.cursors))
	for k, v := range s.cursors {
		cursors[k] = v
	}

	return &Snapshot{
		RunID:     s.RunID,
		PlanName:  s.PlanName,
		StartedAt: s.StartedAt,
		Seq:       s.seq,
		Entries:   entries,
		Cursors:   cursors,
	}
}

// RestoreState rebuilds a State from a snapshot.
//
// Resolved and skipped bindings are restored as immutable fact and
// their producing inferences will never be re-dispatched. Failed
// bindings are dropped so a resumed run retries them, matching the
// checkpoint-for-resumed-retry contract.
func RestoreState(snap *Snapshot) *State {
	s := &State{
		RunID:     snap.RunID,
		PlanName:  snap.PlanName,
		StartedAt: snap.StartedAt,
		entries:   make(map[string]Outcome, len(snap.Entries)),
		inflight:  make(map[string]chan struct{}),
		cursors:   make(map[string]int, len(snap.Cursors)),
		seq:       snap.Seq,
	}
	for k, e := range snap.Entries {
		switch e.Status {
		case StatusResolved:
			s.entries[k] = resolvedOutcome(e.Value)
		case StatusSkipped:
			s.entries[k] = skippedOutcome(restoredError(e.Error))
		}
	}
	for k, v := range snap.Cursors {
		s.cursors[k] = v
	}
	return s
}

// restoredError rebuilds an error from its checkpointed message.
func restoredError(msg string) error {
	if msg == "" {
		return nil
	}
	return &restoredErr{msg: msg}
}

type restoredErr struct{ msg string }

func (e *restoredErr) Error() string { return e.msg }

// deepCopyValue copies JSON-shaped values (strings, numbers, bools,
// []any, map[string]any). Non-JSON values fall back to the original
// reference.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case string, bool, float64, int, int64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
