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
	"sync"
	"testing"
)

func TestClaimGrantsSingleWinner(t *testing.T) {
	s := NewState("run-1", "plan")
	key := BindingKey("", "concept-a")

	const n = 16
	var wg sync.WaitGroup
	winners := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, done, winner, wait := s.Claim(key)
			if done {
				return
			}
			if winner {
				winners <- struct{}{}
				s.Commit(key, resolvedOutcome("value"))
				return
			}
			<-wait
			out, ok := s.Get(key)
			if !ok || out.Value != "value" {
				t.Errorf("waiter Get() = %+v, %v, want committed value", out, ok)
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}
}

func TestCommitFirstWriterWins(t *testing.T) {
	s := NewState("run-1", "plan")
	key := BindingKey("", "concept-a")

	s.Claim(key)
	first := s.Commit(key, resolvedOutcome("first"))
	second := s.Commit(key, failedOutcome(errors.New("late")))

	if first.Value != "first" || second.Value != "first" {
		t.Fatalf("Commit results = %+v / %+v, want first writer preserved", first, second)
	}
	if out, _ := s.Get(key); out.Status != StatusResolved {
		t.Fatalf("status = %s, want resolved (never reverted)", out.Status)
	}
}

func TestBindIsIdempotent(t *testing.T) {
	s := NewState("run-1", "plan")
	key := BindingKey("/loop[0]", "item")

	s.Bind(key, "a")
	s.Bind(key, "overwritten")

	out, ok := s.Get(key)
	if !ok || out.Value != "a" {
		t.Fatalf("Get() = %+v, want first binding retained", out)
	}
}

func TestCursorMovesForwardOnly(t *testing.T) {
	s := NewState("run-1", "plan")
	s.SetCursor("loop", 3)
	s.SetCursor("loop", 2)
	if got := s.Cursor("loop"); got != 3 {
		t.Fatalf("Cursor = %d, want 3", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewState("run-1", "plan")

	k1 := BindingKey("", "a")
	s.Claim(k1)
	s.Commit(k1, resolvedOutcome("va"))

	k2 := BindingKey("", "b")
	s.Claim(k2)
	s.Commit(k2, skippedOutcome(errors.New("guard false")))

	k3 := BindingKey("", "c")
	s.Claim(k3)
	s.Commit(k3, failedOutcome(errors.New("oracle down")))

	s.SetCursor(BindingKey("", "i-loop"), 2)

	snap := s.Snapshot()
	if snap.RunID != "run-1" || len(snap.Entries) != 3 {
		t.Fatalf("snapshot = %+v, want 3 entries for run-1", snap)
	}

	restored := RestoreState(snap)

	// Resolved and skipped restore as immutable fact.
	if out, ok := restored.Get(k1); !ok || out.Status != StatusResolved || out.Value != "va" {
		t.Errorf("restored a = %+v, %v, want resolved va", out, ok)
	}
	if out, ok := restored.Get(k2); !ok || out.Status != StatusSkipped {
		t.Errorf("restored b = %+v, %v, want skipped", out, ok)
	}
	// Failed entries are dropped so the resumed run retries them.
	if _, ok := restored.Get(k3); ok {
		t.Errorf("restored c should be absent (pending for retry)")
	}
	if got := restored.Cursor(BindingKey("", "i-loop")); got != 2 {
		t.Errorf("restored cursor = %d, want 2", got)
	}
}

func TestSnapshotOmitsDiscardedSkips(t *testing.T) {
	s := NewState("run-1", "plan")

	kept := BindingKey("", "kept")
	s.Claim(kept)
	s.Commit(kept, resolvedOutcome("v"))

	// A genuine skip (guard false) is durable fact.
	guarded := BindingKey("", "guarded")
	s.Claim(guarded)
	s.Commit(guarded, skippedOutcome(errors.New("guard x is false")))

	// A discard records that work was abandoned, not decided; it must
	// read as pending after a restore so the resumed run attempts it.
	discarded := BindingKey("", "abandoned")
	s.Claim(discarded)
	s.Commit(discarded, skippedOutcome(fmt.Errorf("%w: context canceled", ErrDiscarded)))

	snap := s.Snapshot()
	if _, ok := snap.Entries[discarded]; ok {
		t.Error("discarded skip persisted in the snapshot")
	}
	if _, ok := snap.Entries[kept]; !ok {
		t.Error("resolved entry missing from the snapshot")
	}
	if _, ok := snap.Entries[guarded]; !ok {
		t.Error("guard-false skip missing from the snapshot")
	}

	restored := RestoreState(snap)
	if _, ok := restored.Get(discarded); ok {
		t.Error("discarded skip restored as fact; must be pending")
	}
}

func TestSnapshotExcludesInflight(t *testing.T) {
	s := NewState("run-1", "plan")
	key := BindingKey("", "slow")
	_, _, winner, _ := s.Claim(key)
	if !winner {
		t.Fatal("expected to win the claim")
	}

	snap := s.Snapshot()
	if _, ok := snap.Entries[key]; ok {
		t.Fatal("in-flight binding must be absent from the snapshot (still pending)")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := NewState("run-1", "plan")
	key := BindingKey("", "list")
	s.Claim(key)
	live := []any{"x"}
	s.Commit(key, resolvedOutcome(live))

	snap := s.Snapshot()
	live[0] = "mutated"

	entry := snap.Entries[key]
	items, ok := entry.Value.([]any)
	if !ok || items[0] != "x" {
		t.Fatalf("snapshot value = %+v, want deep copy unaffected by mutation", entry.Value)
	}
}
