// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	// DefaultEmbeddingModel is used when no embedding model is configured.
	DefaultEmbeddingModel = string(openai.SmallEmbedding3)

	// DefaultSecretPath is where container secrets mount the API key.
	DefaultSecretPath = "/run/secrets/openai_api_key"
)

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string

	// BaseURL overrides the API endpoint. Empty uses the public API.
	BaseURL string
}

// OpenAIClient implements Completer and Embedder against the OpenAI API.
//
// Thread Safety:
//
//	Safe for concurrent use.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel string
}

var (
	_ Completer = (*OpenAIClient)(nil)
	_ Embedder  = (*OpenAIClient)(nil)
)

// NewOpenAIClient creates a client from cfg.
//
// Inputs:
//
//	cfg - APIKey is required. Empty models take the package defaults.
//
// Outputs:
//
//	*OpenAIClient - Ready to use.
//	error - ErrMissingAPIKey if cfg.APIKey is empty.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
		slog.Warn("OpenAI model not set, defaulting", "model", DefaultModel)
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing OpenAI client", "model", cfg.Model, "embedding_model", cfg.EmbeddingModel)
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(oc),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
	}, nil
}

// Model returns the completion model name.
func (o *OpenAIClient) Model() string {
	return o.model
}

// Complete implements Completer using JSON-schema structured output.
func (o *OpenAIClient) Complete(ctx context.Context, req CompletionRequest, out any) (Usage, error) {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return Usage{}, fmt.Errorf("llm: out must be a non-nil pointer, got %T", out)
	}
	schema, err := jsonschema.GenerateSchemaForType(rv.Elem().Interface())
	if err != nil {
		return Usage{}, fmt.Errorf("llm: build schema for %s: %w", req.SchemaName, err)
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	creq := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.SchemaName,
				Schema: schema,
				Strict: true,
			},
		},
	}
	if req.Temperature != nil {
		creq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		creq.MaxCompletionTokens = *req.MaxTokens
	}

	slog.Debug("Requesting structured completion", "model", o.model, "schema", req.SchemaName)
	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return Usage{}, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if len(resp.Choices) == 0 {
		return usage, ErrNoChoices
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return usage, fmt.Errorf("%w: %s", ErrRefused, msg.Refusal)
	}
	if err := json.Unmarshal([]byte(msg.Content), out); err != nil {
		return usage, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	slog.Debug("Received structured completion",
		"schema", req.SchemaName,
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", usage.TotalTokens,
	)
	return usage, nil
}

// Embed implements Embedder.
func (o *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI embeddings call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("llm: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}
