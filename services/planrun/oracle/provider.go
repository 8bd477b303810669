// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle defines the boundary to the external semantic
// operation provider.
//
// A semantic operation is an instruction in free text plus an ordered
// list of already-resolved input values. The provider turns that into
// a single output value, usually by calling a language model. The
// engine treats the provider as opaque, slow, and unreliable: failures
// are classified into retryable and non-retryable kinds, and no
// idempotence is assumed across retries.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies a provider failure for retry decisions.
type FailureKind string

const (
	// FailureRateLimited indicates the provider rejected the call due
	// to rate limiting. Retryable.
	FailureRateLimited FailureKind = "rate_limited"

	// FailureTimeout indicates the call exceeded its deadline. Retryable.
	FailureTimeout FailureKind = "timeout"

	// FailureServer indicates a provider-side error (5xx). Retryable.
	FailureServer FailureKind = "server"

	// FailureInvalid indicates the request itself was rejected as
	// malformed. Not retryable; retrying cannot succeed.
	FailureInvalid FailureKind = "invalid"
)

// Sentinel errors for the oracle boundary.
var (
	// ErrEmptyAction indicates an invocation with no action text.
	ErrEmptyAction = errors.New("action text must not be empty")

	// ErrEmptyResponse indicates the provider returned no content.
	ErrEmptyResponse = errors.New("provider returned empty response")
)

// OperationError is a classified semantic operation failure.
//
// OperationError wraps the underlying cause so callers can use
// errors.Is/errors.As, and carries the FailureKind the retry policy
// consults.
type OperationError struct {
	Kind    FailureKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("semantic operation failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("semantic operation failed (%s)", e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether this failure kind is transient.
func (e *OperationError) Retryable() bool {
	switch e.Kind {
	case FailureRateLimited, FailureTimeout, FailureServer:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err should trigger another attempt.
//
// Context cancellation and deadline expiry at the caller level are
// never retryable here; the engine surfaces deadline expiry of a
// single call as FailureTimeout before it reaches this check.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Retryable()
	}
	return false
}

// ModelConfig selects and tunes the model behind the provider.
type ModelConfig struct {
	// Model is the provider-specific model identifier.
	Model string `json:"model"`

	// Temperature controls sampling randomness. Lower values produce
	// more deterministic output, which plan execution prefers.
	Temperature float32 `json:"temperature"`

	// MaxTokens caps the response length. 0 means provider default.
	MaxTokens int `json:"max_tokens"`

	// Timeout bounds a single invocation. 0 means no extra deadline.
	Timeout time.Duration `json:"timeout"`
}

// DefaultModelConfig returns conservative defaults for plan execution.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
		MaxTokens:   1024,
		Timeout:     30 * time.Second,
	}
}

// Provider executes semantic operations.
//
// Thread Safety: implementations must be safe for concurrent use; the
// engine invokes the provider from multiple workers.
type Provider interface {
	// Invoke executes one semantic operation.
	//
	// Inputs:
	//
	//	ctx - Context for cancellation and deadline. Must not be nil.
	//	action - The instruction text. Must not be empty.
	//	inputs - Resolved input values in declaration order. Order is
	//	         semantically significant.
	//	cfg - Model selection and tuning.
	//
	// Outputs:
	//
	//	any - The produced value.
	//	error - *OperationError on classified failure, or a plain error
	//	        for programming mistakes (empty action, nil context).
	Invoke(ctx context.Context, action string, inputs []any, cfg ModelConfig) (any, error)
}
