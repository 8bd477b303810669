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
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/inferplan/services/planrun/oracle"
)

var validate = validator.New()

// Config configures a run of the execution engine.
type Config struct {
	// MaxSemanticConcurrency caps concurrent oracle calls. External
	// calls are rate- and cost-sensitive. Default: 4
	MaxSemanticConcurrency int `json:"max_semantic_concurrency" validate:"gte=1"`

	// MaxSyntacticConcurrency caps concurrent local transforms.
	// Syntactic work is cheap, so the ceiling is higher. Default: 16
	MaxSyntacticConcurrency int `json:"max_syntactic_concurrency" validate:"gte=1"`

	// SemanticTimeout bounds a single oracle attempt. Timeouts surface
	// as ordinary transient failures subject to the retry policy.
	// Default: 60s
	SemanticTimeout time.Duration `json:"semantic_timeout" validate:"gt=0"`

	// Retry is the retry policy for semantic operations.
	Retry RetryConfig `json:"retry"`

	// Model selects and tunes the oracle model.
	Model oracle.ModelConfig `json:"model"`
}

// DefaultConfig returns sensible defaults for plan execution.
func DefaultConfig() Config {
	return Config{
		MaxSemanticConcurrency:  4,
		MaxSyntacticConcurrency: 16,
		SemanticTimeout:         60 * time.Second,
		Retry:                   DefaultRetryConfig(),
		Model:                   oracle.DefaultModelConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
