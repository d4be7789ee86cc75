// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists chat events and generated wellness content.
//
// Three backends implement Store:
//
//   - sqlite: relational store on modernc.org/sqlite (default)
//   - badger: embedded key-value store on dgraph-io/badger
//   - memory: process-local maps, used for tests and as the fallback
//
// Fallback wraps a durable backend and degrades to an in-memory store when
// the durable backend returns an error, so a database outage never blocks
// content generation.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/psychevoyage/voyagebot/services/datatypes"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("unknown store driver")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// =============================================================================
// Records
// =============================================================================

// EventRecord is a stored chat event.
type EventRecord struct {
	ID        datatypes.Snowflake `json:"id"`
	ChannelID datatypes.Snowflake `json:"channel_id"`
	AuthorID  datatypes.Snowflake `json:"author_id"`
	Event     datatypes.Event     `json:"event"`
	CreatedAt time.Time           `json:"created_at"`
}

// Content is a generated wellness post.
type Content struct {
	ID          string              `json:"id"`
	Content     string              `json:"content"`
	ContentType string              `json:"content_type"`
	ChannelID   datatypes.Snowflake `json:"channel_id"`
	Posted      bool                `json:"posted"`
	Reasoning   string              `json:"reasoning"`
	Confidence  float64             `json:"confidence"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	PostedAt    *time.Time          `json:"posted_at,omitempty"`
}

// =============================================================================
// Interfaces
// =============================================================================

// EventLog stores inbound events for conversation history.
type EventLog interface {
	// AppendEvent stores ev. Re-appending the same event id is a no-op.
	AppendEvent(ctx context.Context, ev *datatypes.Event) error

	// RecentEvents returns up to limit events for channelID, newest first.
	RecentEvents(ctx context.Context, channelID datatypes.Snowflake, limit int) ([]EventRecord, error)
}

// ContentStore stores generated wellness content.
type ContentStore interface {
	// SaveContent inserts c, assigning ID and timestamps when empty.
	SaveContent(ctx context.Context, c Content) (Content, error)

	// GetContent loads one item.
	GetContent(ctx context.Context, id string) (Content, error)

	// MarkPosted sets Posted, PostedAt and UpdatedAt.
	MarkPosted(ctx context.Context, id string, at time.Time) error

	// ListPosted returns posted content ordered by UpdatedAt, newest first.
	// channelID 0 matches every channel.
	ListPosted(ctx context.Context, channelID datatypes.Snowflake, limit int) ([]Content, error)
}

// Store is the full persistence surface.
type Store interface {
	EventLog
	ContentStore
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config selects and configures a backend.
type Config struct {
	// Driver is "sqlite", "badger" or "memory". Default: "sqlite".
	Driver string `yaml:"driver"`

	// DataDir holds database files. Default: "./data".
	DataDir string `yaml:"data_dir"`

	// Fallback wraps the durable backend with an in-memory fallback.
	Fallback bool `yaml:"fallback"`
}

// DefaultConfig returns the sqlite backend under ./data with fallback.
func DefaultConfig() Config {
	return Config{Driver: "sqlite", DataDir: "./data", Fallback: true}
}

// Open constructs the backend named by cfg.Driver.
//
// Inputs:
//
//	cfg - Backend selection. Zero fields take DefaultConfig values.
//	logger - Logger for backend and fallback messages. Nil uses slog.Default().
//
// Outputs:
//
//	Store - The opened store. Caller must Close it.
//	error - ErrUnknownDriver or a backend open failure.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	def := DefaultConfig()
	if cfg.Driver == "" {
		cfg.Driver = def.Driver
	}
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if logger == nil {
		logger = slog.Default()
	}

	var (
		primary Store
		err     error
	)
	switch cfg.Driver {
	case "sqlite":
		primary, err = OpenSQLite(filepath.Join(cfg.DataDir, "voyagebot.db"))
	case "badger":
		bcfg := DefaultBadgerConfig()
		bcfg.Path = filepath.Join(cfg.DataDir, "badger")
		bcfg.Logger = logger.With(slog.String("component", "badger"))
		primary, err = OpenBadger(bcfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("store opened", slog.String("driver", cfg.Driver), slog.String("data_dir", cfg.DataDir))
	if cfg.Fallback {
		return NewFallback(primary, NewMemory(), logger), nil
	}
	return primary, nil
}

// sortPostedNewestFirst orders content by UpdatedAt desc, then ID for ties.
func sortPostedNewestFirst(items []Content) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
}
