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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psychevoyage/voyagebot/services/datatypes"
)

// timeNow is swapped in tests.
var timeNow = time.Now

// Memory is an in-process Store.
//
// Contents are lost on restart. Memory backs tests and serves as the
// fallback behind a durable store.
type Memory struct {
	mu       sync.RWMutex
	events   map[datatypes.Snowflake][]EventRecord
	seen     map[datatypes.Snowflake]bool
	contents map[string]Content
	closed   bool
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		events:   make(map[datatypes.Snowflake][]EventRecord),
		seen:     make(map[datatypes.Snowflake]bool),
		contents: make(map[string]Content),
	}
}

var _ Store = (*Memory)(nil)

// AppendEvent implements EventLog.
func (m *Memory) AppendEvent(_ context.Context, ev *datatypes.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.seen[ev.ID] {
		return nil
	}
	m.seen[ev.ID] = true
	m.events[ev.ChannelID] = append(m.events[ev.ChannelID], EventRecord{
		ID:        ev.ID,
		ChannelID: ev.ChannelID,
		AuthorID:  ev.Author.ID,
		Event:     *ev,
		CreatedAt: timeNow(),
	})
	return nil
}

// RecentEvents implements EventLog.
func (m *Memory) RecentEvents(_ context.Context, channelID datatypes.Snowflake, limit int) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	all := m.events[channelID]
	out := make([]EventRecord, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// SaveContent implements ContentStore.
func (m *Memory) SaveContent(_ context.Context, c Content) (Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Content{}, ErrClosed
	}
	prepareContent(&c)
	m.contents[c.ID] = c
	return c, nil
}

// GetContent implements ContentStore.
func (m *Memory) GetContent(_ context.Context, id string) (Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contents[id]
	if !ok {
		return Content{}, ErrNotFound
	}
	return c, nil
}

// MarkPosted implements ContentStore.
func (m *Memory) MarkPosted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c, ok := m.contents[id]
	if !ok {
		return ErrNotFound
	}
	c.Posted = true
	c.PostedAt = &at
	c.UpdatedAt = at
	m.contents[id] = c
	return nil
}

// ListPosted implements ContentStore.
func (m *Memory) ListPosted(_ context.Context, channelID datatypes.Snowflake, limit int) ([]Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Content
	for _, c := range m.contents {
		if !c.Posted {
			continue
		}
		if channelID != 0 && c.ChannelID != channelID {
			continue
		}
		out = append(out, c)
	}
	sortPostedNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// prepareContent fills ID and timestamps on a new record.
func prepareContent(c *Content) {
	now := timeNow().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
}
