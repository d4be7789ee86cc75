// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wellness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/delivery"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/prompts"
	"github.com/psychevoyage/voyagebot/services/store"
)

const (
	// DefaultPreviousLimit is how many earlier posts are shown to the model.
	DefaultPreviousLimit = 100

	// DeliveryLabel names wellness posts in delivery reports.
	DeliveryLabel = "wellness content"

	// EmptyContentMessage is reported when the model returns blank content.
	EmptyContentMessage = "Empty content received"
)

// ErrNoChannel is returned when neither the request nor the config names a
// channel.
var ErrNoChannel = errors.New("wellness: no channel configured")

// Config configures a Manager.
type Config struct {
	// ChannelID is the default destination channel.
	ChannelID datatypes.Snowflake `yaml:"channel_id"`

	// PreviousLimit bounds the history shown to the model. Default: 100.
	PreviousLimit int `yaml:"previous_limit"`
}

// Manager runs the generate, store, post flow.
//
// # Description
//
// Content is persisted through the configured ContentStore. When that store
// fails, the Manager degrades to an in-process store so the flow still
// completes; such content is lost on restart.
//
// # Thread Safety
//
// Safe for concurrent use. The scheduler runs at most one cycle at a time.
type Manager struct {
	cfg       Config
	contents  store.ContentStore
	mock      *store.Memory
	completer llm.Completer
	prompts   *prompts.Manager
	deliverer *delivery.Deliverer
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.now = fn }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager. contents may be nil, in which case only the
// in-process store is used.
func NewManager(cfg Config, contents store.ContentStore, completer llm.Completer, pm *prompts.Manager, d *delivery.Deliverer, opts ...Option) *Manager {
	if cfg.PreviousLimit <= 0 {
		cfg.PreviousLimit = DefaultPreviousLimit
	}
	m := &Manager{
		cfg:       cfg,
		contents:  contents,
		mock:      store.NewMemory(),
		completer: completer,
		prompts:   pm,
		deliverer: d,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// Storage with degrade
// =============================================================================

func (m *Manager) save(ctx context.Context, c store.Content) (store.Content, error) {
	if m.contents != nil {
		saved, err := m.contents.SaveContent(ctx, c)
		if err == nil {
			return saved, nil
		}
		m.logger.Warn("Content store unavailable, storing in memory", "error", err)
	}
	return m.mock.SaveContent(ctx, c)
}

func (m *Manager) markPosted(ctx context.Context, id string, at time.Time) error {
	if m.contents != nil {
		err := m.contents.MarkPosted(ctx, id, at)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("Content store unavailable, marking posted in memory", "id", id, "error", err)
		}
	}
	return m.mock.MarkPosted(ctx, id, at)
}

func (m *Manager) listPosted(ctx context.Context, channelID datatypes.Snowflake, limit int) []store.Content {
	var out []store.Content
	if m.contents != nil {
		got, err := m.contents.ListPosted(ctx, channelID, limit)
		if err != nil {
			m.logger.Warn("Failed to read posted content", "channel_id", channelID, "error", err)
		}
		out = got
	}
	mocked, _ := m.mock.ListPosted(ctx, channelID, limit)
	if len(mocked) == 0 {
		return out
	}
	out = append(out, mocked...)
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// =============================================================================
// Flow
// =============================================================================

// PreviousContent returns up to limit posted items, newest first. Posts to
// channelID come first; if there are fewer than limit, posts to other
// channels fill the rest.
func (m *Manager) PreviousContent(ctx context.Context, channelID datatypes.Snowflake, limit int) []store.Content {
	if limit <= 0 {
		return nil
	}
	out := m.listPosted(ctx, channelID, limit)
	if len(out) >= limit {
		return out
	}

	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c.ID] = true
	}
	for _, c := range m.listPosted(ctx, 0, limit) {
		if len(out) >= limit {
			break
		}
		if seen[c.ID] || c.Content == "" {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	m.logger.Info("Retrieved previous content", "channel_id", channelID, "count", len(out))
	return out
}

// PrepareContext builds the model context.
//
// # Inputs
//
//   - channelID: Destination. Zero uses the configured channel.
//   - contentType: An explicit type. Empty or unknown follows the rotation.
//
// # Outputs
//
//   - Context: Ready for Generate.
//   - error: ErrNoChannel if no channel is known.
func (m *Manager) PrepareContext(ctx context.Context, channelID datatypes.Snowflake, contentType string) (Context, error) {
	if channelID == 0 {
		channelID = m.cfg.ChannelID
	}
	if channelID == 0 {
		return Context{}, ErrNoChannel
	}

	previous := m.PreviousContent(ctx, channelID, m.cfg.PreviousLimit)
	texts := make([]string, 0, len(previous))
	for _, p := range previous {
		texts = append(texts, p.Content)
	}

	ct, ok := ParseContentType(contentType)
	if ok {
		m.logger.Info("Using requested content type", "content_type", ct)
	} else {
		if contentType != "" {
			m.logger.Warn("Unknown content type requested, following rotation", "content_type", contentType)
		}
		ct = DetermineContentType(previous)
	}

	c := Context{
		DayOfWeek:       m.now().Weekday().String(),
		ContentType:     ct,
		PreviousContent: texts,
		ChannelID:       channelID,
	}
	m.logger.Info("Prepared wellness context", "content_type", ct, "day_of_week", c.DayOfWeek, "previous", len(texts))
	return c, nil
}

// Generate asks the model for a post and stores it unposted.
func (m *Manager) Generate(ctx context.Context, c Context) (*Generated, error) {
	system, err := m.prompts.Render(prompts.WellnessContent, prompts.WellnessData{
		DayOfWeek:       c.DayOfWeek,
		ContentType:     string(c.ContentType),
		PreviousContent: c.PreviousContent,
	})
	if err != nil {
		return nil, err
	}

	previous := "No previous content available"
	if len(c.PreviousContent) > 0 {
		previous = "- " + strings.Join(c.PreviousContent, "\n- ")
	}
	user := fmt.Sprintf("# Context:\nDay of Week: %s\nContent Type: %s\n\n# Previous Content (for reference to ensure uniqueness):\n%s",
		c.DayOfWeek, c.ContentType, previous)

	var resp Response
	usage, err := m.completer.Complete(ctx, llm.CompletionRequest{
		SchemaName: "wellness_content",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", c.ContentType, err)
	}
	resp.Confidence = min(max(resp.Confidence, 0), 1)

	saved, err := m.save(ctx, store.Content{
		Content:     resp.Content,
		ContentType: string(c.ContentType),
		ChannelID:   c.ChannelID,
		Reasoning:   resp.Reasoning,
		Confidence:  resp.Confidence,
	})
	if err != nil {
		return nil, fmt.Errorf("store generated content: %w", err)
	}

	m.logger.Info("Generated wellness content", "id", saved.ID, "content_type", c.ContentType, "confidence", resp.Confidence)
	return &Generated{
		ID:          saved.ID,
		Content:     resp.Content,
		ContentType: c.ContentType,
		ChannelID:   c.ChannelID,
		GeneratedAt: saved.CreatedAt,
		Reasoning:   resp.Reasoning,
		Confidence:  resp.Confidence,
		Usage:       &usage,
	}, nil
}

// Post delivers g and flags it posted on success.
func (m *Manager) Post(ctx context.Context, g *Generated) PostResult {
	res := m.deliverer.Deliver(ctx, delivery.Request{
		ChannelID:    g.ChannelID,
		Text:         g.Content,
		Label:        DeliveryLabel,
		EmptyMessage: EmptyContentMessage,
	})
	out := PostResult{
		Success:      res.Success,
		ErrorMessage: res.ErrorMessage,
		ChannelID:    g.ChannelID,
		ContentID:    g.ID,
		Attempts:     res.Attempts,
	}
	if !res.Success {
		m.logger.Error("Failed to post wellness content", "id", g.ID, "error", res.ErrorMessage)
		return out
	}

	at := m.now()
	if res.DeliveredAt != nil {
		at = *res.DeliveredAt
	}
	out.PostedAt = &at
	if err := m.markPosted(ctx, g.ID, at); err != nil {
		m.logger.Warn("Posted content could not be flagged", "id", g.ID, "error", err)
	}
	m.logger.Info("Posted wellness content", "id", g.ID, "channel_id", g.ChannelID)
	return out
}

// GenerateAndPost runs the whole flow. Failures are reported in the
// Outcome; it never panics on collaborator errors.
func (m *Manager) GenerateAndPost(ctx context.Context, req Request) Outcome {
	c, err := m.PrepareContext(ctx, req.ChannelID, req.ContentType)
	if err != nil {
		return Outcome{Error: err.Error()}
	}
	g, err := m.Generate(ctx, c)
	if err != nil {
		m.logger.Error("Wellness generation failed", "error", err)
		return Outcome{Error: err.Error()}
	}
	if req.GenerateOnly {
		return Outcome{Success: true, Generated: g}
	}

	post := m.Post(ctx, g)
	out := Outcome{Success: post.Success, Generated: g, Post: &post}
	if !post.Success {
		out.Error = post.ErrorMessage
	}
	return out
}

func sortNewestFirst(cs []store.Content) {
	// Insertion sort; lists are bounded by PreviousLimit.
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].UpdatedAt.After(cs[j-1].UpdatedAt); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}
