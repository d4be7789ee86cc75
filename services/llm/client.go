// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm wraps the language model backend behind two narrow interfaces:
// structured completion and text embedding.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrMissingAPIKey is returned when no API key can be resolved.
	ErrMissingAPIKey = errors.New("llm: API key not set")

	// ErrNoChoices is returned when the backend answers with no choices.
	ErrNoChoices = errors.New("llm: model returned no choices")

	// ErrRefused is returned when the model refuses to produce the schema.
	ErrRefused = errors.New("llm: model refused the request")

	// ErrInvalidOutput is returned when the model output does not decode
	// into the requested shape.
	ErrInvalidOutput = errors.New("llm: model output does not match schema")
)

// Chat roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest is one structured completion call.
type CompletionRequest struct {
	// SchemaName names the response shape for the backend. Required.
	SchemaName string

	Messages []Message

	Temperature *float32
	MaxTokens   *int
}

// Completer produces a completion decoded into a caller-supplied shape.
//
// out must be a non-nil pointer to a struct. Its json, description and enum
// tags define the schema the model is constrained to.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest, out any) (Usage, error)
}

// Embedder maps texts to vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
