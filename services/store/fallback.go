// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/psychevoyage/voyagebot/services/datatypes"
)

// Fallback routes to a durable store and degrades to a secondary store on
// error.
//
// # Description
//
// Writes that fail on the primary are retried once on the secondary.
// Reads that fail on the primary are served from the secondary. Content
// lookups by id check both, since an item saved during an outage lives only
// in the secondary. ListPosted merges both sources.
//
// # Limitations
//
//   - Nothing written to the secondary is copied back to the primary.
//   - The secondary is normally a Memory store, so its data dies with the
//     process.
type Fallback struct {
	primary   Store
	secondary Store
	logger    *slog.Logger
}

var _ Store = (*Fallback)(nil)

// NewFallback wraps primary with secondary.
func NewFallback(primary, secondary Store, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *Fallback) degrade(op string, err error) {
	f.logger.Warn("primary store failed, using fallback store",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}

// AppendEvent implements EventLog.
func (f *Fallback) AppendEvent(ctx context.Context, ev *datatypes.Event) error {
	if err := f.primary.AppendEvent(ctx, ev); err != nil {
		f.degrade("append_event", err)
		return f.secondary.AppendEvent(ctx, ev)
	}
	return nil
}

// RecentEvents implements EventLog.
func (f *Fallback) RecentEvents(ctx context.Context, channelID datatypes.Snowflake, limit int) ([]EventRecord, error) {
	out, err := f.primary.RecentEvents(ctx, channelID, limit)
	if err != nil {
		f.degrade("recent_events", err)
		return f.secondary.RecentEvents(ctx, channelID, limit)
	}
	return out, nil
}

// SaveContent implements ContentStore.
func (f *Fallback) SaveContent(ctx context.Context, c Content) (Content, error) {
	saved, err := f.primary.SaveContent(ctx, c)
	if err != nil {
		f.degrade("save_content", err)
		return f.secondary.SaveContent(ctx, c)
	}
	return saved, nil
}

// GetContent implements ContentStore.
func (f *Fallback) GetContent(ctx context.Context, id string) (Content, error) {
	c, err := f.primary.GetContent(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		f.degrade("get_content", err)
	}
	return f.secondary.GetContent(ctx, id)
}

// MarkPosted implements ContentStore.
func (f *Fallback) MarkPosted(ctx context.Context, id string, at time.Time) error {
	err := f.primary.MarkPosted(ctx, id, at)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		f.degrade("mark_posted", err)
	}
	return f.secondary.MarkPosted(ctx, id, at)
}

// ListPosted implements ContentStore.
func (f *Fallback) ListPosted(ctx context.Context, channelID datatypes.Snowflake, limit int) ([]Content, error) {
	primary, err := f.primary.ListPosted(ctx, channelID, limit)
	if err != nil {
		f.degrade("list_posted", err)
		primary = nil
	}
	secondary, serr := f.secondary.ListPosted(ctx, channelID, limit)
	if serr != nil && err != nil {
		return nil, errors.Join(err, serr)
	}

	merged := append(primary, secondary...)
	sortPostedNewestFirst(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Close closes both stores.
func (f *Fallback) Close() error {
	return errors.Join(f.primary.Close(), f.secondary.Close())
}
