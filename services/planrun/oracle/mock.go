// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Invocation records one call observed by the MockProvider.
type Invocation struct {
	Action string
	Inputs []any
}

// MockProvider is a scriptable Provider for tests and the `run` CLI's
// --dry-run mode. Responses are keyed by action text; unknown actions
// fall through to Fn if set, then to a deterministic echo.
//
// Thread Safety: safe for concurrent use.
type MockProvider struct {
	mu sync.Mutex

	// Responses maps action text to the value to return.
	Responses map[string]any

	// Errors maps action text to the error to return. Takes
	// precedence over Responses.
	Errors map[string]error

	// FailuresBeforeSuccess maps action text to a number of leading
	// calls that fail with a retryable server error before the
	// scripted response is returned. Used to exercise retry.
	FailuresBeforeSuccess map[string]int

	// Fn, if set, handles actions with no scripted response.
	Fn func(ctx context.Context, action string, inputs []any) (any, error)

	// Delay is an artificial latency applied to every call.
	Delay time.Duration

	calls    []Invocation
	failures map[string]int
}

// Invoke implements Provider.
func (m *MockProvider) Invoke(ctx context.Context, action string, inputs []any, _ ModelConfig) (any, error) {
	if strings.TrimSpace(action) == "" {
		return nil, ErrEmptyAction
	}

	m.mu.Lock()
	m.calls = append(m.calls, Invocation{Action: action, Inputs: append([]any(nil), inputs...)})
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	budget := m.FailuresBeforeSuccess[action]
	used := m.failures[action]
	failNow := used < budget
	if failNow {
		m.failures[action] = used + 1
	}
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if failNow {
		return nil, &OperationError{Kind: FailureServer, Message: "scripted transient failure"}
	}

	m.mu.Lock()
	err, hasErr := m.Errors[action]
	resp, hasResp := m.Responses[action]
	m.mu.Unlock()

	if hasErr {
		return nil, err
	}
	if hasResp {
		return resp, nil
	}
	if m.Fn != nil {
		return m.Fn(ctx, action, inputs)
	}
	return fmt.Sprintf("%s(%v)", action, inputs), nil
}

// Calls returns a copy of the recorded invocations.
func (m *MockProvider) Calls() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Invocation(nil), m.calls...)
}

// CallCount returns the number of invocations for the given action.
func (m *MockProvider) CallCount(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}
