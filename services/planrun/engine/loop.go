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
	"fmt"
)

// loopIterator yields (index, element) bindings over an ordered
// collection: lazy, finite, ordered, non-restartable. A checkpointed
// cursor lets a resumed run skip indices whose iterations were already
// recorded, without re-issuing them.
type loopIterator struct {
	items []any
	next  int
}

// newLoopIterator builds an iterator starting at the given cursor.
func newLoopIterator(items []any, cursor int) *loopIterator {
	if cursor < 0 {
		cursor = 0
	}
	return &loopIterator{items: items, next: cursor}
}

// Next returns the next unconsumed (index, element) binding. The
// second return is false once the collection is exhausted.
func (it *loopIterator) Next() (int, any, bool) {
	if it.next >= len(it.items) {
		return 0, nil, false
	}
	idx := it.next
	it.next++
	return idx, it.items[idx], true
}

// Len returns the collection length.
func (it *loopIterator) Len() int { return len(it.items) }

// Remaining returns how many bindings have not been issued yet.
func (it *loopIterator) Remaining() int { return len(it.items) - it.next }

// asCollection coerces a resolved concept value into an ordered
// collection. JSON-decoded plans produce []any; []string appears from
// syntactic transforms and tests.
func asCollection(v any) ([]any, error) {
	switch items := v.(type) {
	case []any:
		return items, nil
	case []string:
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrNotCollection, v)
	}
}

// iterationScopeKey names one iteration's binding overlay.
func iterationScopeKey(parentKey, loopInferenceID string, index int) string {
	return fmt.Sprintf("%s/%s[%d]", parentKey, loopInferenceID, index)
}
