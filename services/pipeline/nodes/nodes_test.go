// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/delivery"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/pipeline"
	"github.com/psychevoyage/voyagebot/services/prompts"
	"github.com/psychevoyage/voyagebot/services/retrieval"
	"github.com/psychevoyage/voyagebot/services/store"
)

const testBotID datatypes.Snowflake = 1339861530430406657

// =============================================================================
// Fakes
// =============================================================================

// fakeCompleter answers by schema name and records every request.
type fakeCompleter struct {
	mu        sync.Mutex
	responses map[string]any
	errs      map[string]error
	requests  []llm.CompletionRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest, out any) (llm.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := f.errs[req.SchemaName]; err != nil {
		return llm.Usage{}, err
	}
	v, ok := f.responses[req.SchemaName]
	if !ok {
		return llm.Usage{}, fmt.Errorf("unexpected schema %s", req.SchemaName)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return llm.Usage{}, err
	}
	return llm.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}, json.Unmarshal(raw, out)
}

func (f *fakeCompleter) calls(schema string) []llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []llm.CompletionRequest
	for _, r := range f.requests {
		if r.SchemaName == schema {
			out = append(out, r)
		}
	}
	return out
}

// fakeSender fails the first failN sends.
type fakeSender struct {
	mu    sync.Mutex
	failN int
	err   error
	sent  []string
	calls int
	chans []datatypes.Snowflake
}

func (s *fakeSender) Send(_ context.Context, channelID datatypes.Snowflake, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failN < 0 || s.calls <= s.failN {
		return s.err
	}
	s.sent = append(s.sent, text)
	s.chans = append(s.chans, channelID)
	return nil
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, string, retrieval.Filter, int) ([]string, error) {
	return nil, errors.New("weaviate unavailable")
}

type harness struct {
	completer *fakeCompleter
	sender    *fakeSender
	events    *store.Memory
	sleeps    []time.Duration
	pipe      *pipeline.Pipeline
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, completer *fakeCompleter, sender *fakeSender, searcher retrieval.Searcher) *harness {
	t.Helper()
	h := &harness{completer: completer, sender: sender, events: store.NewMemory()}

	pm, err := prompts.New("", quietLogger())
	require.NoError(t, err)
	d := delivery.New(sender, delivery.DefaultPolicy(),
		delivery.WithLogger(quietLogger()),
		delivery.WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	)
	pipe, err := NewMessagePipeline(Deps{
		BotID:     testBotID,
		BotName:   "Voyage",
		Events:    h.events,
		Completer: completer,
		Searcher:  searcher,
		Prompts:   pm,
		Deliverer: d,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	h.pipe = pipe
	return h
}

func event(id, channel, author datatypes.Snowflake, content string) *datatypes.Event {
	return &datatypes.Event{
		ID:        id,
		ChannelID: channel,
		Content:   content,
		Author:    datatypes.DiscordUser{ID: author, Username: "member"},
		Timestamp: "2025-03-01T12:00:00Z",
	}
}

func answering(intent MessageIntent, reply string) *fakeCompleter {
	return &fakeCompleter{responses: map[string]any{
		"message_analysis": Analysis{Reasoning: "r", Intent: intent, Confidence: 0.9},
		"message_response": Generation{Reasoning: "g", Response: reply, Confidence: 0.8},
	}}
}

func results(t *testing.T, tc *pipeline.TaskContext) (AnalysisResult, GenerationResult, delivery.Result) {
	t.Helper()
	a, err := pipeline.ResultAs[AnalysisResult](tc, AnalyzeMessageName)
	require.NoError(t, err)
	g, err := pipeline.ResultAs[GenerationResult](tc, GenerateResponseName)
	require.NoError(t, err)
	d, err := pipeline.ResultAs[delivery.Result](tc, SendReplyName)
	require.NoError(t, err)
	return a, g, d
}

// =============================================================================
// Scenario Tests
// =============================================================================

func TestMessagePipeline_BotOwnMessageIsIgnored(t *testing.T) {
	completer := answering(IntentMindfulness, "should never be sent")
	sender := &fakeSender{}
	h := newHarness(t, completer, sender, nil)

	tc, err := h.pipe.Run(context.Background(), event(1, 42, testBotID, "hello"))
	require.NoError(t, err)

	a, g, d := results(t, tc)
	assert.Equal(t, IntentIgnore, a.Intent)
	assert.Equal(t, 1.0, a.Confidence)
	assert.Equal(t, BotSelfReasoning, a.Reasoning)
	assert.Nil(t, a.Usage, "no model call")
	assert.Empty(t, g.Response)

	assert.True(t, d.Success)
	assert.Equal(t, "Message ignored as per intent", d.ErrorMessage)
	assert.Zero(t, d.Attempts)
	assert.Zero(t, sender.calls)
	assert.Empty(t, completer.requests)
}

func TestMessagePipeline_RoundTrip(t *testing.T) {
	completer := answering(IntentMindfulness, "Try a three minute body scan.")
	sender := &fakeSender{}
	searcher := &retrieval.Static{Hits: []retrieval.Hit{
		{Content: "Body scans calm the nervous system.", Category: "mindfulness"},
		{Content: "Box breathing uses four counts.", Category: "breathwork"},
	}}
	h := newHarness(t, completer, sender, searcher)

	ev := event(100, 777, 5, "any tips to relax?")
	tc, err := h.pipe.Run(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, []pipeline.NodeName{AnalyzeMessageName, GenerateResponseName, SendReplyName}, tc.Executed())
	a, g, d := results(t, tc)
	assert.Equal(t, IntentMindfulness, a.Intent)
	require.NotNil(t, a.Usage)
	assert.Equal(t, 7, a.Usage.TotalTokens)
	assert.Equal(t, []string{"Body scans calm the nervous system."}, g.RAGContext, "filtered by intent")

	assert.True(t, d.Success)
	assert.Equal(t, ev.ChannelID, d.ChannelID)
	assert.Equal(t, "Try a three minute body scan.", d.MessageSent)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, []datatypes.Snowflake{777}, sender.chans)

	gen := completer.calls("message_response")
	require.Len(t, gen, 1)
	user := gen[0].Messages[1].Content
	assert.Contains(t, user, "# Retrieved information:")
	assert.Contains(t, user, "Body scans calm the nervous system.")
	assert.Contains(t, user, `"intent": "mindfulness"`)
	assert.Contains(t, gen[0].Messages[0].Content, "You are Voyage")
}

func TestMessagePipeline_ModelSaysIgnore(t *testing.T) {
	completer := answering(IntentIgnore, "unused")
	sender := &fakeSender{}
	h := newHarness(t, completer, sender, nil)

	tc, err := h.pipe.Run(context.Background(), event(2, 42, 5, "lol"))
	require.NoError(t, err)

	_, _, d := results(t, tc)
	assert.True(t, d.Success)
	assert.Equal(t, delivery.IgnoredMessage, d.ErrorMessage)
	assert.Empty(t, completer.calls("message_response"), "no generation for ignored messages")
	assert.Zero(t, sender.calls)
}

func TestMessagePipeline_EmptyReplyNeverSent(t *testing.T) {
	for _, reply := range []string{"", "   \n\t"} {
		t.Run(fmt.Sprintf("%q", reply), func(t *testing.T) {
			sender := &fakeSender{}
			h := newHarness(t, answering(IntentBreathwork, reply), sender, nil)

			tc, err := h.pipe.Run(context.Background(), event(3, 42, 5, "how to breathe"))
			require.NoError(t, err)

			_, _, d := results(t, tc)
			assert.False(t, d.Success)
			assert.Equal(t, "Empty response received", d.ErrorMessage)
			assert.Zero(t, sender.calls)
		})
	}
}

func TestMessagePipeline_DeliveryRetries(t *testing.T) {
	tests := []struct {
		name         string
		failN        int
		wantSuccess  bool
		wantAttempts int
		wantSleeps   []time.Duration
	}{
		{"first try", 0, true, 1, nil},
		{"one failure", 1, true, 2, []time.Duration{time.Second}},
		{"two failures", 2, true, 3, []time.Duration{time.Second, 2 * time.Second}},
		{"always failing", -1, false, 3, []time.Duration{time.Second, 2 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{failN: tt.failN, err: errors.New("discord 502")}
			h := newHarness(t, answering(IntentHypnosis, "reply"), sender, nil)

			tc, err := h.pipe.Run(context.Background(), event(4, 42, 5, "hypnosis?"))
			require.NoError(t, err, "delivery failure never aborts the run")

			_, _, d := results(t, tc)
			assert.Equal(t, tt.wantSuccess, d.Success)
			assert.Equal(t, tt.wantAttempts, d.Attempts)
			assert.Equal(t, tt.wantAttempts, sender.calls)
			assert.Equal(t, tt.wantSleeps, h.sleeps)
			if !tt.wantSuccess {
				assert.Equal(t, "Failed to send message after 3 attempts. Last error: discord 502", d.ErrorMessage)
			}
		})
	}
}

func TestMessagePipeline_CompletionFailureIsFatal(t *testing.T) {
	completer := answering(IntentMindfulness, "x")
	completer.errs = map[string]error{"message_analysis": errors.New("rate limited")}
	sender := &fakeSender{}
	h := newHarness(t, completer, sender, nil)

	tc, err := h.pipe.Run(context.Background(), event(5, 42, 5, "hi"))
	require.Error(t, err)
	assert.Nil(t, tc)

	var nodeErr *pipeline.NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, AnalyzeMessageName, nodeErr.NodeName)
	assert.ErrorContains(t, err, "rate limited")
	assert.Zero(t, sender.calls)
}

func TestMessagePipeline_SearchFailureIsRecoverable(t *testing.T) {
	sender := &fakeSender{}
	h := newHarness(t, answering(IntentTraumaSomaticTherapy, "reply"), sender, failingSearcher{})

	tc, err := h.pipe.Run(context.Background(), event(6, 42, 5, "somatic work?"))
	require.NoError(t, err)
	_, g, d := results(t, tc)
	assert.Empty(t, g.RAGContext)
	assert.True(t, d.Success)
}

func TestAnalyzeMessage_UnknownIntentBecomesIgnore(t *testing.T) {
	completer := &fakeCompleter{responses: map[string]any{
		"message_analysis": map[string]any{"reasoning": "?", "intent": "astrology", "confidence": 3.5},
	}}
	sender := &fakeSender{}
	h := newHarness(t, completer, sender, nil)

	tc, err := h.pipe.Run(context.Background(), event(7, 42, 5, "what is my sign"))
	require.NoError(t, err)
	a, _, d := results(t, tc)
	assert.Equal(t, IntentIgnore, a.Intent)
	assert.Equal(t, 1.0, a.Confidence, "clamped")
	assert.True(t, d.Success)
	assert.Zero(t, sender.calls)
}

func TestAnalyzeMessage_HistoryIsChronological(t *testing.T) {
	completer := answering(IntentMindfulness, "ok")
	h := newHarness(t, completer, &fakeSender{}, nil)
	ctx := context.Background()

	for i, text := range []string{"first earlier", "second earlier"} {
		require.NoError(t, h.events.AppendEvent(ctx, event(datatypes.Snowflake(10+i), 42, 5, text)))
	}
	require.NoError(t, h.events.AppendEvent(ctx, event(99, 43, 5, "other channel")))
	current := event(20, 42, 5, "the current one")
	require.NoError(t, h.events.AppendEvent(ctx, current))

	_, err := h.pipe.Run(ctx, current)
	require.NoError(t, err)

	calls := completer.calls("message_analysis")
	require.Len(t, calls, 1)
	user := calls[0].Messages[1].Content
	historyPart, newPart, found := strings.Cut(user, "# New message:")
	require.True(t, found)

	assert.Less(t, strings.Index(historyPart, "first earlier"), strings.Index(historyPart, "second earlier"))
	assert.NotContains(t, historyPart, "the current one")
	assert.NotContains(t, historyPart, "other channel")
	assert.Contains(t, newPart, "the current one")
}

func TestLoadHistory_Limit(t *testing.T) {
	events := store.NewMemory()
	ctx := context.Background()
	for i := 1; i <= 15; i++ {
		require.NoError(t, events.AppendEvent(ctx, event(datatypes.Snowflake(i), 1, 5, fmt.Sprintf("m%d", i))))
	}

	got := loadHistory(ctx, events, event(15, 1, 5, "m15"), DefaultHistoryLimit, quietLogger())
	require.Len(t, got, DefaultHistoryLimit)
	assert.Equal(t, "m5", got[0].Content)
	assert.Equal(t, "m14", got[9].Content)

	assert.NotNil(t, loadHistory(ctx, nil, event(1, 1, 5, ""), 10, quietLogger()))
}

// =============================================================================
// Wiring Tests
// =============================================================================

func TestSendReply_MissingUpstreamIsFatal(t *testing.T) {
	n := NewSendReply(delivery.New(&fakeSender{}, delivery.DefaultPolicy()), quietLogger())
	tc := pipeline.NewTaskContext("run", event(1, 2, 3, "x"))

	_, err := n.Process(context.Background(), tc)
	assert.ErrorIs(t, err, pipeline.ErrMissingResult)

	require.NoError(t, tc.Record(AnalyzeMessageName, AnalysisResult{Analysis: Analysis{Intent: IntentMindfulness}}))
	_, err = n.Process(context.Background(), tc)
	assert.ErrorIs(t, err, pipeline.ErrMissingResult)
}

func TestGenerateResponse_WrongUpstreamTypeIsFatal(t *testing.T) {
	pm, err := prompts.New("", quietLogger())
	require.NoError(t, err)
	n := NewGenerateResponse("V", nil, nil, &fakeCompleter{}, pm, quietLogger())
	tc := pipeline.NewTaskContext("run", event(1, 2, 3, "x"))
	require.NoError(t, tc.Record(AnalyzeMessageName, "not an analysis"))

	_, err = n.Process(context.Background(), tc)
	assert.ErrorIs(t, err, pipeline.ErrResultType)
}

func TestMessageSchema(t *testing.T) {
	_, err := MessageSchema(Deps{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "completer is required")
	assert.ErrorContains(t, err, "deliverer is required")

	pm, err := prompts.New("", quietLogger())
	require.NoError(t, err)
	schema, err := MessageSchema(Deps{
		Completer: &fakeCompleter{},
		Prompts:   pm,
		Deliverer: delivery.New(&fakeSender{}, delivery.DefaultPolicy()),
	})
	require.NoError(t, err)
	assert.Equal(t, AnalyzeMessageName, schema.Start())
	assert.Equal(t, []pipeline.NodeName{AnalyzeMessageName, GenerateResponseName, SendReplyName}, schema.Order())
}

func TestMessageIntent(t *testing.T) {
	assert.Len(t, Intents, 7)
	for _, i := range Intents {
		assert.True(t, i.Valid(), i)
		assert.False(t, i.Escalate())
	}
	assert.False(t, MessageIntent("astrology").Valid())
}
