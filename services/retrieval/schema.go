// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval is the knowledge-base layer: semantic search over
// embedded chunks in Weaviate and the ingestion path that fills it.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding knowledge-base chunks.
const ClassName = "KnowledgeChunk"

// KnowledgeChunkSchema returns the class definition for ClassName.
//
// Vectors are supplied by the caller; the class has no vectorizer.
func KnowledgeChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ClassName,
		Description: "A chunk of knowledge-base text with its category, source and headings.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "category",
				DataType:        []string{"text"},
				Description:     "Message intent this chunk answers, used as a search filter.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "URL or file the chunk was extracted from.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "author",
				DataType:        []string{"text"},
				Description:     "Author of the source, when known.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "headings",
				DataType:     []string{"text[]"},
				Description:  "Section headings above the chunk in its source.",
				Tokenization: "word",
			},
			{
				Name:        "chunk_index",
				DataType:    []string{"int"},
				Description: "Position of the chunk within its source.",
			},
			{
				Name:        "ingested_at",
				DataType:    []string{"int"},
				Description: "Unix milliseconds of ingestion.",
			},
		},
	}
}

// EnsureSchema creates the KnowledgeChunk class if it does not exist.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	class := KnowledgeChunkSchema()
	slog.Info("Checking schema", "class", class.Class)

	if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
		slog.Info("Schema already exists", "class", class.Class)
		return nil
	}

	slog.Info("Schema not found, creating it", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create schema for class %s: %w", class.Class, err)
	}
	slog.Info("Successfully created schema", "class", class.Class)
	return nil
}

// ParseGraphQLResponse decodes a Weaviate GraphQL response into T.
//
// T must carry json tags matching the response shape. Errors reported by
// Weaviate in the response body are returned as an error.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &out, nil
}
