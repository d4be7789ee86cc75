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
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/delivery"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/prompts"
	"github.com/psychevoyage/voyagebot/services/store"
)

const (
	testChannel  datatypes.Snowflake = 1336800475016859658
	otherChannel datatypes.Snowflake = 1336800475016859659
)

// Sunday.
var fixedNow = time.Date(2025, 2, 16, 20, 0, 0, 0, time.UTC)

// =============================================================================
// Fakes
// =============================================================================

type fakeCompleter struct {
	mu       sync.Mutex
	resp     Response
	err      error
	requests []llm.CompletionRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest, out any) (llm.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return llm.Usage{}, f.err
	}
	raw, err := json.Marshal(f.resp)
	if err != nil {
		return llm.Usage{}, err
	}
	return llm.Usage{TotalTokens: 11}, json.Unmarshal(raw, out)
}

type fakeSender struct {
	mu    sync.Mutex
	failN int
	calls int
	sent  []string
}

func (s *fakeSender) Send(_ context.Context, _ datatypes.Snowflake, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failN < 0 || s.calls <= s.failN {
		return errors.New("discord unavailable")
	}
	s.sent = append(s.sent, text)
	return nil
}

// brokenStore fails every call.
type brokenStore struct{}

var errBroken = errors.New("database is locked")

func (brokenStore) SaveContent(context.Context, store.Content) (store.Content, error) {
	return store.Content{}, errBroken
}

func (brokenStore) GetContent(context.Context, string) (store.Content, error) {
	return store.Content{}, errBroken
}

func (brokenStore) MarkPosted(context.Context, string, time.Time) error {
	return errBroken
}

func (brokenStore) ListPosted(context.Context, datatypes.Snowflake, int) ([]store.Content, error) {
	return nil, errBroken
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	completer *fakeCompleter
	sender    *fakeSender
	sleeps    []time.Duration
	manager   *Manager
}

func newFixture(t *testing.T, contents store.ContentStore) *fixture {
	t.Helper()
	pm, err := prompts.New("", quietLogger())
	require.NoError(t, err)

	f := &fixture{
		completer: &fakeCompleter{resp: Response{
			Reasoning:  "Sunday evening suits a slow practice",
			Content:    "Take five slow breaths before bed tonight.",
			Confidence: 0.9,
		}},
		sender: &fakeSender{},
	}
	d := delivery.New(f.sender, delivery.DefaultPolicy(),
		delivery.WithLogger(quietLogger()),
		delivery.WithClock(func() time.Time { return fixedNow }),
		delivery.WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		}),
	)
	f.manager = NewManager(Config{ChannelID: testChannel}, contents, f.completer, pm, d,
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(quietLogger()),
	)
	return f
}

func seedPosted(t *testing.T, s store.ContentStore, ch datatypes.Snowflake, ct ContentType, text string, at time.Time) store.Content {
	t.Helper()
	ctx := context.Background()
	c, err := s.SaveContent(ctx, store.Content{Content: text, ContentType: string(ct), ChannelID: ch})
	require.NoError(t, err)
	require.NoError(t, s.MarkPosted(ctx, c.ID, at))
	return c
}

// =============================================================================
// Rotation
// =============================================================================

func TestContentType_Next(t *testing.T) {
	assert.Equal(t, WeeklyChallenge, MeditationTip.Next())
	assert.Equal(t, MeditationTip, StressManagement.Next(), "wraps at the end")
	assert.Equal(t, DefaultContentType, ContentType("yoga").Next())
	assert.Len(t, Rotation, 10)
}

func TestDetermineContentType(t *testing.T) {
	tests := []struct {
		name     string
		previous []store.Content
		want     ContentType
	}{
		{"empty history", nil, MeditationTip},
		{"advances", []store.Content{{ContentType: "sleep optimization"}}, GratitudePractice},
		{"newest wins", []store.Content{{ContentType: "weekly challenge"}, {ContentType: "meditation tip"}}, MindfulnessPractice},
		{"wraps", []store.Content{{ContentType: "stress management"}}, MeditationTip},
		{"unknown", []store.Content{{ContentType: "tarot"}}, MeditationTip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineContentType(tt.previous))
		})
	}
}

func TestParseContentType(t *testing.T) {
	ct, ok := ParseContentType("breathwork technique")
	assert.True(t, ok)
	assert.Equal(t, BreathworkTechnique, ct)

	_, ok = ParseContentType("Breathwork Technique")
	assert.False(t, ok)
}

// =============================================================================
// Manager
// =============================================================================

func TestPreviousContent_TopsUpFromOtherChannels(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, mem)

	a1 := seedPosted(t, mem, testChannel, MeditationTip, "a1", fixedNow.Add(-5*time.Hour))
	a2 := seedPosted(t, mem, testChannel, WeeklyChallenge, "a2", fixedNow.Add(-4*time.Hour))
	b1 := seedPosted(t, mem, otherChannel, MindfulnessPractice, "b1", fixedNow.Add(-3*time.Hour))
	b2 := seedPosted(t, mem, otherChannel, EmotionalWellness, "b2", fixedNow.Add(-2*time.Hour))
	seedPosted(t, mem, otherChannel, SomaticExercise, "b3", fixedNow.Add(-6*time.Hour))

	got := f.manager.PreviousContent(context.Background(), testChannel, 4)
	require.Len(t, got, 4)
	assert.Equal(t, []string{a2.ID, a1.ID, b2.ID, b1.ID},
		[]string{got[0].ID, got[1].ID, got[2].ID, got[3].ID})

	assert.Empty(t, f.manager.PreviousContent(context.Background(), testChannel, 0))
}

func TestPrepareContext(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, mem)
	seedPosted(t, mem, testChannel, SleepOptimization, "sleep", fixedNow.Add(-time.Hour))

	t.Run("rotation", func(t *testing.T) {
		c, err := f.manager.PrepareContext(context.Background(), 0, "")
		require.NoError(t, err)
		assert.Equal(t, "Sunday", c.DayOfWeek)
		assert.Equal(t, GratitudePractice, c.ContentType)
		assert.Equal(t, testChannel, c.ChannelID)
		assert.Equal(t, []string{"sleep"}, c.PreviousContent)
	})

	t.Run("explicit type", func(t *testing.T) {
		c, err := f.manager.PrepareContext(context.Background(), otherChannel, "boundary setting")
		require.NoError(t, err)
		assert.Equal(t, BoundarySetting, c.ContentType)
		assert.Equal(t, otherChannel, c.ChannelID)
	})

	t.Run("unknown type follows rotation", func(t *testing.T) {
		c, err := f.manager.PrepareContext(context.Background(), 0, "tarot")
		require.NoError(t, err)
		assert.Equal(t, GratitudePractice, c.ContentType)
	})
}

func TestPrepareContext_NoChannel(t *testing.T) {
	pm, err := prompts.New("", quietLogger())
	require.NoError(t, err)
	m := NewManager(Config{}, nil, &fakeCompleter{}, pm, delivery.New(&fakeSender{}, delivery.DefaultPolicy()),
		WithLogger(quietLogger()))

	_, err = m.PrepareContext(context.Background(), 0, "")
	assert.ErrorIs(t, err, ErrNoChannel)

	out := m.GenerateAndPost(context.Background(), Request{})
	assert.False(t, out.Success)
	assert.Equal(t, ErrNoChannel.Error(), out.Error)
}

func TestGenerateAndPost_Success(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, mem)

	out := f.manager.GenerateAndPost(context.Background(), Request{})
	require.True(t, out.Success, out.Error)
	require.NotNil(t, out.Generated)
	require.NotNil(t, out.Post)

	assert.Equal(t, MeditationTip, out.Generated.ContentType)
	assert.Equal(t, []string{"Take five slow breaths before bed tonight."}, f.sender.sent)
	assert.Equal(t, 1, out.Post.Attempts)
	require.NotNil(t, out.Post.PostedAt)
	assert.Equal(t, fixedNow, *out.Post.PostedAt)

	stored, err := mem.GetContent(context.Background(), out.Generated.ID)
	require.NoError(t, err)
	assert.True(t, stored.Posted)
	assert.Equal(t, "meditation tip", stored.ContentType)

	require.Len(t, f.completer.requests, 1)
	req := f.completer.requests[0]
	assert.Equal(t, "wellness_content", req.SchemaName)
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[1].Content, "Day of Week: Sunday")
	assert.Contains(t, req.Messages[1].Content, "No previous content available")

	// The next cycle advances the rotation and sees the first post.
	out = f.manager.GenerateAndPost(context.Background(), Request{})
	require.True(t, out.Success)
	assert.Equal(t, WeeklyChallenge, out.Generated.ContentType)
	assert.Contains(t, f.completer.requests[1].Messages[1].Content, "- Take five slow breaths")
}

func TestGenerateAndPost_GenerateOnly(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, mem)

	out := f.manager.GenerateAndPost(context.Background(), Request{GenerateOnly: true, ContentType: "stress management"})
	require.True(t, out.Success)
	assert.Nil(t, out.Post)
	assert.Equal(t, StressManagement, out.Generated.ContentType)
	assert.Zero(t, f.sender.calls)

	stored, err := mem.GetContent(context.Background(), out.Generated.ID)
	require.NoError(t, err)
	assert.False(t, stored.Posted)
}

func TestGenerateAndPost_BrokenStoreFallsBack(t *testing.T) {
	f := newFixture(t, brokenStore{})

	out := f.manager.GenerateAndPost(context.Background(), Request{})
	require.True(t, out.Success, out.Error)
	require.NotEmpty(t, out.Generated.ID)

	// The fallback store remembers the post for the rotation.
	out = f.manager.GenerateAndPost(context.Background(), Request{})
	require.True(t, out.Success)
	assert.Equal(t, WeeklyChallenge, out.Generated.ContentType)
}

func TestGenerateAndPost_DeliveryExhausted(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, mem)
	f.sender.failN = -1

	out := f.manager.GenerateAndPost(context.Background(), Request{})
	assert.False(t, out.Success)
	require.NotNil(t, out.Post)
	assert.Equal(t, 3, out.Post.Attempts)
	assert.Equal(t, "Failed to send wellness content after 3 attempts. Last error: discord unavailable", out.Error)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)

	stored, err := mem.GetContent(context.Background(), out.Generated.ID)
	require.NoError(t, err)
	assert.False(t, stored.Posted, "unposted content stays unposted")
}

func TestGenerateAndPost_EmptyContent(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	f.completer.resp.Content = "  "

	out := f.manager.GenerateAndPost(context.Background(), Request{})
	assert.False(t, out.Success)
	assert.Equal(t, EmptyContentMessage, out.Error)
	assert.Zero(t, f.sender.calls)
}

func TestGenerateAndPost_CompletionError(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	f.completer.err = llm.ErrRefused

	out := f.manager.GenerateAndPost(context.Background(), Request{})
	assert.False(t, out.Success)
	assert.Nil(t, out.Generated)
	assert.True(t, strings.HasPrefix(out.Error, "generate meditation tip:"), out.Error)
}

// =============================================================================
// Scheduler
// =============================================================================

type countingRunner struct {
	calls   atomic.Int32
	release chan struct{}
}

func (r *countingRunner) GenerateAndPost(ctx context.Context, _ Request) Outcome {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	return Outcome{Success: true}
}

func TestScheduler_Ticks(t *testing.T) {
	r := &countingRunner{}
	var outcomes atomic.Int32
	s := NewScheduler(r, SchedulerConfig{Interval: 10 * time.Millisecond},
		WithSchedulerLogger(quietLogger()),
		WithOutcomeHook(func(Outcome) { outcomes.Add(1) }),
	)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerRunning)
	assert.True(t, s.Running())

	assert.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	assert.Equal(t, r.calls.Load(), outcomes.Load())
}

func TestScheduler_SkipsOverlappingCycles(t *testing.T) {
	r := &countingRunner{release: make(chan struct{})}
	s := NewScheduler(r, SchedulerConfig{Interval: 5 * time.Millisecond, RunOnStart: true},
		WithSchedulerLogger(quietLogger()))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := s.RunNow(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrCycleInProgress)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), r.calls.Load(), "ticks during a cycle are skipped")

	close(r.release)
	s.Stop()
}

func TestScheduler_RunNow(t *testing.T) {
	r := &countingRunner{}
	s := NewScheduler(r, SchedulerConfig{}, WithSchedulerLogger(quietLogger()))

	out, err := s.RunNow(context.Background(), Request{ChannelID: testChannel})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.False(t, s.Running())
}

func TestDefaultSchedulerConfig(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	assert.Equal(t, 600*time.Second, cfg.Interval)
	assert.False(t, cfg.RunOnStart)
}
