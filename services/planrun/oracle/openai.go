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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// systemPrompt frames every semantic operation. The action text and
// positional inputs carry the actual instruction.
const systemPrompt = "You execute one step of a declarative plan. " +
	"Apply the instruction to the numbered inputs and reply with the result value only, no commentary."

// OpenAIProvider implements Provider using the OpenAI chat completion API.
type OpenAIProvider struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIProvider creates a provider from the environment.
//
// Reads OPENAI_API_KEY, falling back to the Podman secret mount at
// /run/secrets/openai_api_key, matching the orchestrator's LLM client.
//
// Outputs:
//
//	*OpenAIProvider - The configured provider.
//	error - Non-nil if no API key is available.
func NewOpenAIProvider(logger *slog.Logger) (*OpenAIProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		keyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			logger.Error("OPENAI_API_KEY not set and secret not found",
				slog.String("path", secretPath))
			return nil, errors.New("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		logger.Info("read OpenAI API key from secret mount")
	}

	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		logger: logger,
	}, nil
}

// Invoke implements Provider.
func (p *OpenAIProvider) Invoke(ctx context.Context, action string, inputs []any, cfg ModelConfig) (any, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	if strings.TrimSpace(action) == "" {
		return nil, ErrEmptyAction
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModelConfig().Model
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(action, inputs)},
		},
	}
	if cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = cfg.MaxTokens
	}

	p.logger.Debug("invoking semantic operation",
		slog.String("model", model),
		slog.Int("inputs", len(inputs)),
	)

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &OperationError{Kind: FailureServer, Message: "no choices returned", Cause: ErrEmptyResponse}
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// buildPrompt renders the action text plus the ordered inputs.
// Input order is positional and must be preserved.
func buildPrompt(action string, inputs []any) string {
	var b strings.Builder
	b.WriteString(action)
	for i, in := range inputs {
		fmt.Fprintf(&b, "\n\nInput %d:\n%v", i+1, in)
	}
	return b.String()
}

// classifyOpenAIError maps transport/API errors to OperationError kinds.
func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &OperationError{Kind: FailureTimeout, Message: "request deadline exceeded", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &OperationError{Kind: FailureRateLimited, Message: apiErr.Message, Cause: err}
		case apiErr.HTTPStatusCode >= 500:
			return &OperationError{Kind: FailureServer, Message: apiErr.Message, Cause: err}
		default:
			return &OperationError{Kind: FailureInvalid, Message: apiErr.Message, Cause: err}
		}
	}

	// Network-level failures are treated as server-side transients.
	return &OperationError{Kind: FailureServer, Message: err.Error(), Cause: err}
}
