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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classification struct {
	Reasoning  string  `json:"reasoning" description:"why"`
	Intent     string  `json:"intent" enum:"mindfulness,ignore"`
	Confidence float64 `json:"confidence"`
}

// fakeOpenAI serves canned chat and embedding responses and captures the
// last chat request body.
func fakeOpenAI(t *testing.T, chat string, lastReq *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			if lastReq != nil {
				require.NoError(t, json.NewDecoder(r.Body).Decode(lastReq))
			}
			_, _ = w.Write([]byte(chat))
		case "/v1/embeddings":
			_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[
				{"object":"embedding","index":1,"embedding":[0.2,0.3]},
				{"object":"embedding","index":0,"embedding":[0.0,0.1]}
			],"usage":{"prompt_tokens":2,"total_tokens":2}}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestClient(t *testing.T, srv *httptest.Server) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	return c
}

func TestNewOpenAIClient(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, c.Model())
	assert.Equal(t, DefaultEmbeddingModel, c.embeddingModel)
}

func TestOpenAIClient_Complete(t *testing.T) {
	chat := `{"id":"c1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,
		"message":{"role":"assistant","content":"{\"reasoning\":\"calm\",\"intent\":\"mindfulness\",\"confidence\":0.8}"},
		"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`
	var req map[string]any
	srv := fakeOpenAI(t, chat, &req)
	defer srv.Close()
	c := newTestClient(t, srv)

	var out classification
	usage, err := c.Complete(context.Background(), CompletionRequest{
		SchemaName: "analysis",
		Messages: []Message{
			{Role: RoleSystem, Content: "classify"},
			{Role: RoleUser, Content: "hello"},
		},
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, classification{Reasoning: "calm", Intent: "mindfulness", Confidence: 0.8}, out)
	assert.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}, usage)

	format, ok := req["response_format"].(map[string]any)
	require.True(t, ok, "response_format is sent")
	assert.Equal(t, "json_schema", format["type"])
	js := format["json_schema"].(map[string]any)
	assert.Equal(t, "analysis", js["name"])
	assert.Equal(t, true, js["strict"])
	assert.Len(t, req["messages"], 2)
}

func TestOpenAIClient_CompleteErrors(t *testing.T) {
	tests := []struct {
		name    string
		chat    string
		wantErr error
	}{
		{
			name:    "no choices",
			chat:    `{"id":"c","object":"chat.completion","choices":[],"usage":{}}`,
			wantErr: ErrNoChoices,
		},
		{
			name:    "refusal",
			chat:    `{"id":"c","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"","refusal":"no"}}]}`,
			wantErr: ErrRefused,
		},
		{
			name:    "not json",
			chat:    `{"id":"c","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"plain words"}}]}`,
			wantErr: ErrInvalidOutput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeOpenAI(t, tt.chat, nil)
			defer srv.Close()
			c := newTestClient(t, srv)

			var out classification
			_, err := c.Complete(context.Background(), CompletionRequest{SchemaName: "x"}, &out)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOpenAIClient_CompleteRejectsNonPointer(t *testing.T) {
	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), CompletionRequest{SchemaName: "x"}, classification{})
	assert.Error(t, err)
}

func TestOpenAIClient_EmbedKeepsInputOrder(t *testing.T) {
	srv := fakeOpenAI(t, "", nil)
	defer srv.Close()
	c := newTestClient(t, srv)

	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.0, 0.1}, {0.2, 0.3}}, vecs)

	none, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}
