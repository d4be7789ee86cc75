// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/psychevoyage/voyagebot/services/llm"
)

// DefaultMaxQueryChars bounds the query text sent for embedding.
const DefaultMaxQueryChars = 8000

// Filter restricts results to chunks whose properties equal the given
// values. An empty filter matches everything.
type Filter map[string]string

// Searcher is the retrieval capability used by the message pipeline.
type Searcher interface {
	// Search returns up to limit snippets ordered by decreasing similarity.
	Search(ctx context.Context, query string, filter Filter, limit int) ([]string, error)
}

// Hit is one search result.
type Hit struct {
	Content   string  `json:"content"`
	Category  string  `json:"category"`
	Source    string  `json:"source"`
	Certainty float64 `json:"certainty"`
}

type chunkResult struct {
	Content    string `json:"content"`
	Category   string `json:"category"`
	Source     string `json:"source"`
	Additional struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

type chunkQueryResponse struct {
	Get struct {
		KnowledgeChunk []chunkResult `json:"KnowledgeChunk"`
	} `json:"Get"`
}

// =============================================================================
// Weaviate Searcher
// =============================================================================

// WeaviateSearcher embeds the query and runs a nearVector search.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateSearcher struct {
	client        *weaviate.Client
	embedder      llm.Embedder
	maxQueryChars int
	logger        *slog.Logger
}

var _ Searcher = (*WeaviateSearcher)(nil)

// NewWeaviateSearcher creates a searcher. A nil logger uses slog.Default().
func NewWeaviateSearcher(client *weaviate.Client, embedder llm.Embedder, logger *slog.Logger) *WeaviateSearcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeaviateSearcher{
		client:        client,
		embedder:      embedder,
		maxQueryChars: DefaultMaxQueryChars,
		logger:        logger,
	}
}

// Search implements Searcher.
func (s *WeaviateSearcher) Search(ctx context.Context, query string, filter Filter, limit int) ([]string, error) {
	hits, err := s.SearchHits(ctx, query, filter, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Content
	}
	return out, nil
}

// SearchHits is Search with metadata and certainty kept.
func (s *WeaviateSearcher) SearchHits(ctx context.Context, query string, filter Filter, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	query = truncateUTF8(query, s.maxQueryChars)

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vectors[0])

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "category"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	get := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit)
	if where := buildWhere(filter); where != nil {
		get = get.WithWhere(where)
	}

	result, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	parsed, err := ParseGraphQLResponse[chunkQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	hits := make([]Hit, 0, len(parsed.Get.KnowledgeChunk))
	for _, r := range parsed.Get.KnowledgeChunk {
		if r.Content == "" {
			continue
		}
		hits = append(hits, Hit{
			Content:   r.Content,
			Category:  r.Category,
			Source:    r.Source,
			Certainty: r.Additional.Certainty,
		})
	}
	s.logger.Debug("Knowledge base search complete", "filter", filter, "hits", len(hits))
	return hits, nil
}

// buildWhere turns a Filter into an equality where-clause. Keys are applied
// in sorted order so the clause is stable.
func buildWhere(filter Filter) *filters.WhereBuilder {
	if len(filter) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	operands := make([]*filters.WhereBuilder, 0, len(keys))
	for _, k := range keys {
		operands = append(operands, filters.Where().
			WithPath([]string{k}).
			WithOperator(filters.Equal).
			WithValueString(filter[k]))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)
}

// =============================================================================
// Static Searcher
// =============================================================================

// Static is a Searcher over a fixed list of hits, matched by filter only.
// It backs deployments without a vector store and tests.
type Static struct {
	Hits []Hit
}

var _ Searcher = (*Static)(nil)

// Search implements Searcher. The query is ignored.
func (s *Static) Search(_ context.Context, _ string, filter Filter, limit int) ([]string, error) {
	var out []string
	for _, h := range s.Hits {
		if len(out) >= limit {
			break
		}
		if c, ok := filter["category"]; ok && c != h.Category {
			continue
		}
		if src, ok := filter["source"]; ok && src != h.Source {
			continue
		}
		out = append(out, h.Content)
	}
	return out, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
