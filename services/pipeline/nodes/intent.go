// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nodes holds the message pipeline steps: classify the incoming
// message, generate a reply, deliver it.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/pipeline"
	"github.com/psychevoyage/voyagebot/services/store"
)

// Node names of the message pipeline.
const (
	AnalyzeMessageName   pipeline.NodeName = "AnalyzeMessage"
	GenerateResponseName pipeline.NodeName = "GenerateResponse"
	SendReplyName        pipeline.NodeName = "SendReply"
)

// DefaultHistoryLimit is how many earlier channel messages are shown to the
// model.
const DefaultHistoryLimit = 10

// MessageIntent is the classification label produced by AnalyzeMessage.
type MessageIntent string

const (
	IntentPlatformBusinessInfo     MessageIntent = "platform and business info"
	IntentPersonalGrowthCreativity MessageIntent = "personal growth and creativity"
	IntentMindfulness              MessageIntent = "mindfulness"
	IntentBreathwork               MessageIntent = "breathwork"
	IntentHypnosis                 MessageIntent = "hypnosis"
	IntentTraumaSomaticTherapy     MessageIntent = "trauma and somatic therapy"
	IntentIgnore                   MessageIntent = "ignore"
)

// Intents lists every intent in declaration order.
var Intents = []MessageIntent{
	IntentPlatformBusinessInfo,
	IntentPersonalGrowthCreativity,
	IntentMindfulness,
	IntentBreathwork,
	IntentHypnosis,
	IntentTraumaSomaticTherapy,
	IntentIgnore,
}

// Valid reports whether i is a known intent.
func (i MessageIntent) Valid() bool {
	for _, known := range Intents {
		if i == known {
			return true
		}
	}
	return false
}

// Escalate reports whether the intent alone calls for a human. No intent
// currently does.
func (i MessageIntent) Escalate() bool {
	return false
}

func intentStrings() []string {
	out := make([]string, len(Intents))
	for i, in := range Intents {
		out[i] = string(in)
	}
	return out
}

// =============================================================================
// Shared helpers
// =============================================================================

// messageContext is the new message as shown to the model.
type messageContext struct {
	datatypes.HistoryEntry
	Intent MessageIntent `json:"intent,omitempty"`
}

// loadHistory returns up to limit earlier messages of the channel in
// chronological order, excluding the message being handled. A failing
// event log yields an empty history.
func loadHistory(ctx context.Context, events store.EventLog, ev *datatypes.Event, limit int, logger *slog.Logger) []datatypes.HistoryEntry {
	if events == nil || limit <= 0 {
		return []datatypes.HistoryEntry{}
	}
	recs, err := events.RecentEvents(ctx, ev.ChannelID, limit+1)
	if err != nil {
		logger.Warn("Failed to load conversation history", "channel_id", ev.ChannelID, "error", err)
		return []datatypes.HistoryEntry{}
	}

	history := make([]datatypes.HistoryEntry, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].ID == ev.ID {
			continue
		}
		history = append(history, recs[i].Event.History())
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// userMessage renders the sections of the user turn as labelled JSON blocks.
func userMessage(sections ...section) (string, error) {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		raw, err := json.MarshalIndent(s.value, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", s.title, err)
		}
		fmt.Fprintf(&b, "# %s:\n%s", s.title, raw)
	}
	return b.String(), nil
}

type section struct {
	title string
	value any
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func usagePtr(u llm.Usage) *llm.Usage {
	return &u
}
