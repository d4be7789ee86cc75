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
	"fmt"
	"log/slog"

	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/pipeline"
	"github.com/psychevoyage/voyagebot/services/prompts"
	"github.com/psychevoyage/voyagebot/services/store"
)

// BotSelfReasoning is recorded when the message was written by the bot.
const BotSelfReasoning = "The message is from the bot itself, so it is ignored."

// Analysis is the shape the model fills in for a classification.
type Analysis struct {
	Reasoning  string        `json:"reasoning" description:"Explain the reasoning behind the intent classification"`
	Intent     MessageIntent `json:"intent" enum:"platform and business info,personal growth and creativity,mindfulness,breathwork,hypnosis,trauma and somatic therapy,ignore"`
	Confidence float64       `json:"confidence" description:"Confidence score for the intent classification, between 0 and 1"`
	Escalate   bool          `json:"escalate" description:"Flag to indicate if the message requires escalation"`
}

// AnalysisResult is AnalyzeMessage's output. Usage is nil when no model
// call was made.
type AnalysisResult struct {
	Analysis
	Usage *llm.Usage `json:"usage,omitempty"`
}

// AnalyzeMessage classifies the event's intent.
//
// # Description
//
// Messages authored by the bot are classified as ignore with confidence 1
// and no model call. Otherwise the model sees the channel's recent history
// and the new message. An unknown intent from the model is treated as
// ignore.
//
// # Errors
//
// A failing completion call is fatal to the run.
type AnalyzeMessage struct {
	botID        datatypes.Snowflake
	events       store.EventLog
	completer    llm.Completer
	prompts      *prompts.Manager
	historyLimit int
	logger       *slog.Logger
}

var _ pipeline.Node = (*AnalyzeMessage)(nil)

// NewAnalyzeMessage creates the classification node.
func NewAnalyzeMessage(botID datatypes.Snowflake, events store.EventLog, completer llm.Completer, pm *prompts.Manager, logger *slog.Logger) *AnalyzeMessage {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyzeMessage{
		botID:        botID,
		events:       events,
		completer:    completer,
		prompts:      pm,
		historyLimit: DefaultHistoryLimit,
		logger:       logger,
	}
}

// Name implements pipeline.Node.
func (n *AnalyzeMessage) Name() pipeline.NodeName {
	return AnalyzeMessageName
}

// Process implements pipeline.Node.
func (n *AnalyzeMessage) Process(ctx context.Context, tc *pipeline.TaskContext) (*pipeline.TaskContext, error) {
	ev := tc.Event()

	if ev.Author.ID == n.botID {
		n.logger.Debug("Ignoring message from the bot itself", "message_id", ev.ID)
		return tc, tc.Record(AnalyzeMessageName, AnalysisResult{Analysis: Analysis{
			Reasoning:  BotSelfReasoning,
			Intent:     IntentIgnore,
			Confidence: 1.0,
		}})
	}

	system, err := n.prompts.Render(prompts.MessageAnalysis, prompts.AnalysisData{Intents: intentStrings()})
	if err != nil {
		return nil, err
	}
	history := loadHistory(ctx, n.events, ev, n.historyLimit, n.logger)
	user, err := userMessage(
		section{"Conversation History", history},
		section{"New message", messageContext{HistoryEntry: ev.History()}},
	)
	if err != nil {
		return nil, err
	}

	var out Analysis
	usage, err := n.completer.Complete(ctx, llm.CompletionRequest{
		SchemaName: "message_analysis",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("classify message %s: %w", ev.ID, err)
	}

	if !out.Intent.Valid() {
		n.logger.Warn("Model returned unknown intent, treating as ignore", "intent", out.Intent)
		out.Intent = IntentIgnore
	}
	out.Confidence = clampConfidence(out.Confidence)
	out.Escalate = out.Escalate || out.Intent.Escalate()

	n.logger.Info("Message classified",
		"message_id", ev.ID,
		"intent", out.Intent,
		"confidence", out.Confidence,
		"history", len(history),
	)
	return tc, tc.Record(AnalyzeMessageName, AnalysisResult{Analysis: out, Usage: usagePtr(usage)})
}
