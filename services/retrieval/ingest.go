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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/psychevoyage/voyagebot/services/llm"
)

var (
	ChunkSize         = 1000
	ChunkOverlap      = int(float64(ChunkSize) * 0.10)
	defaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}
)

// chunkNamespace seeds deterministic chunk ids so re-ingesting an unchanged
// document overwrites its chunks instead of duplicating them.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://psychevoyage.com/knowledge-chunk"))

// Document is one knowledge-base entry before chunking.
//
// Extraction output stores the body under "text" rather than "content";
// both keys are accepted when decoding.
type Document struct {
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Source   string   `json:"source"`
	Author   string   `json:"author,omitempty"`
	Headings []string `json:"headings,omitempty"`
}

// UnmarshalJSON decodes a Document, taking the body from "text" when
// "content" is absent or blank.
func (d *Document) UnmarshalJSON(data []byte) error {
	type plain Document
	var aux struct {
		plain
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = Document(aux.plain)
	if strings.TrimSpace(d.Content) == "" {
		d.Content = aux.Text
	}
	return nil
}

// key identifies the document for chunk ids. Documents that share a
// source, such as every section of one site, differ by content.
func (d Document) key() string {
	return d.Source + "\x00" + d.Content
}

// IngestStats summarizes an Ingest call.
type IngestStats struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Imported  int `json:"imported"`
	Failed    int `json:"failed"`
}

// ChunkID returns the deterministic object id for chunk index of the
// document identified by key.
func ChunkID(key string, index int) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", key, index))).String())
}

// NewSplitter returns the recursive character splitter used for ingestion.
func NewSplitter() textsplitter.TextSplitter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ChunkSize),
		textsplitter.WithChunkOverlap(ChunkOverlap),
		textsplitter.WithSeparators(defaultSeparators),
	)
}

// LoadDocuments reads every .json file in dir. Each file holds a single
// Document or an array of them. Documents with blank content are dropped
// and counted in a warning per file.
func LoadDocuments(dir string, recursive bool) ([]Document, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(files)

	var docs []Document
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		parsed, err := decodeDocuments(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", f, err)
		}
		blank := 0
		for _, d := range parsed {
			if strings.TrimSpace(d.Content) == "" {
				blank++
				continue
			}
			if d.Source == "" {
				d.Source = filepath.Base(f)
			}
			docs = append(docs, d)
		}
		if blank > 0 {
			slog.Warn("Dropped documents with no content or text", "file", f, "dropped", blank, "kept", len(parsed)-blank)
		}
	}
	return docs, nil
}

func decodeDocuments(raw []byte) ([]Document, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var docs []Document
		err := json.Unmarshal(raw, &docs)
		return docs, err
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return []Document{d}, nil
}

// =============================================================================
// Ingester
// =============================================================================

// Ingester chunks, embeds and imports documents.
type Ingester struct {
	client    *weaviate.Client
	embedder  llm.Embedder
	splitter  textsplitter.TextSplitter
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// NewIngester creates an Ingester with the default splitter and a batch
// size of 64 chunks.
func NewIngester(client *weaviate.Client, embedder llm.Embedder, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		client:    client,
		embedder:  embedder,
		splitter:  NewSplitter(),
		batchSize: 64,
		now:       time.Now,
		logger:    logger,
	}
}

// chunk is a split piece of a document awaiting import.
type chunk struct {
	doc   Document
	index int
	text  string
}

// split breaks documents into chunks.
func (in *Ingester) split(docs []Document) ([]chunk, error) {
	var out []chunk
	for _, d := range docs {
		parts, err := in.splitter.SplitText(d.Content)
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", d.Source, err)
		}
		for i, p := range parts {
			out = append(out, chunk{doc: d, index: i, text: p})
		}
	}
	return out, nil
}

// Ingest imports docs into Weaviate.
//
// # Description
//
// Each document is split, each batch of chunks is embedded in one call and
// imported with the objects batcher. Per-object failures are counted and
// logged. An embedding or transport failure aborts the run.
//
// # Outputs
//
//   - IngestStats: Counts so far, also on error.
//   - error: Non-nil on split, embed or batch transport failure.
func (in *Ingester) Ingest(ctx context.Context, docs []Document) (IngestStats, error) {
	stats := IngestStats{Documents: len(docs)}
	chunks, err := in.split(docs)
	if err != nil {
		return stats, err
	}
	stats.Chunks = len(chunks)
	in.logger.Info("Split documents into chunks", "documents", len(docs), "chunks", len(chunks))

	for start := 0; start < len(chunks); start += in.batchSize {
		end := min(start+in.batchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.text
		}
		vectors, err := in.embedder.Embed(ctx, texts)
		if err != nil {
			return stats, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		if len(vectors) != len(batch) {
			return stats, errors.New("embedding service returned mismatched vector count")
		}

		objects := make([]*models.Object, len(batch))
		ingestedAt := in.now().UnixMilli()
		for i, c := range batch {
			props := map[string]interface{}{
				"content":     c.text,
				"category":    c.doc.Category,
				"source":      c.doc.Source,
				"chunk_index": c.index,
				"ingested_at": ingestedAt,
			}
			if c.doc.Author != "" {
				props["author"] = c.doc.Author
			}
			if len(c.doc.Headings) > 0 {
				props["headings"] = c.doc.Headings
			}
			objects[i] = &models.Object{
				Class:      ClassName,
				ID:         ChunkID(c.doc.key(), c.index),
				Vector:     vectors[i],
				Properties: props,
			}
		}

		resp, err := in.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return stats, fmt.Errorf("failed to save objects to Weaviate: %w", err)
		}
		for _, item := range resp {
			if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
				stats.Imported++
				continue
			}
			stats.Failed++
			if item.Result != nil && item.Result.Errors != nil {
				for _, e := range item.Result.Errors.Error {
					in.logger.Warn("Error in Weaviate batch item", "id", item.ID, "error", e.Message)
				}
			}
		}
	}

	in.logger.Info("Knowledge base ingestion complete",
		"documents", stats.Documents,
		"chunks", stats.Chunks,
		"imported", stats.Imported,
		"failed", stats.Failed,
	)
	return stats, nil
}
