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

	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/pipeline"
	"github.com/psychevoyage/voyagebot/services/prompts"
	"github.com/psychevoyage/voyagebot/services/retrieval"
	"github.com/psychevoyage/voyagebot/services/store"
)

// DefaultSearchLimit is how many knowledge-base snippets feed a reply.
const DefaultSearchLimit = 10

// Generation is the shape the model fills in for a reply.
type Generation struct {
	Reasoning  string  `json:"reasoning" description:"The reasoning for the response"`
	Response   string  `json:"response" description:"The reply to post in the channel"`
	Confidence float64 `json:"confidence" description:"Confidence score for how helpful the response is, between 0 and 1"`
}

// GenerationResult is GenerateResponse's output.
type GenerationResult struct {
	Generation
	RAGContext []string   `json:"rag_context"`
	Usage      *llm.Usage `json:"usage,omitempty"`
}

// GenerateResponse writes the reply text.
//
// # Description
//
// Reads the AnalyzeMessage result. For the ignore intent it records an
// empty generation without calling the model. Otherwise it gathers channel
// history and knowledge-base snippets filtered by the intent as category,
// and asks the model for a reply. A failing search is logged and the reply
// is generated without snippets.
//
// # Errors
//
// A missing AnalyzeMessage result or a failing completion call is fatal.
type GenerateResponse struct {
	botName      string
	events       store.EventLog
	searcher     retrieval.Searcher
	completer    llm.Completer
	prompts      *prompts.Manager
	historyLimit int
	searchLimit  int
	logger       *slog.Logger
}

var _ pipeline.Node = (*GenerateResponse)(nil)

// NewGenerateResponse creates the reply node. searcher may be nil, in
// which case no snippets are retrieved.
func NewGenerateResponse(botName string, events store.EventLog, searcher retrieval.Searcher, completer llm.Completer, pm *prompts.Manager, logger *slog.Logger) *GenerateResponse {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerateResponse{
		botName:      botName,
		events:       events,
		searcher:     searcher,
		completer:    completer,
		prompts:      pm,
		historyLimit: DefaultHistoryLimit,
		searchLimit:  DefaultSearchLimit,
		logger:       logger,
	}
}

// Name implements pipeline.Node.
func (n *GenerateResponse) Name() pipeline.NodeName {
	return GenerateResponseName
}

// Process implements pipeline.Node.
func (n *GenerateResponse) Process(ctx context.Context, tc *pipeline.TaskContext) (*pipeline.TaskContext, error) {
	analysis, err := pipeline.ResultAs[AnalysisResult](tc, AnalyzeMessageName)
	if err != nil {
		return nil, err
	}
	ev := tc.Event()

	if analysis.Intent == IntentIgnore {
		n.logger.Debug("Skipping generation for ignored message", "message_id", ev.ID)
		return tc, tc.Record(GenerateResponseName, GenerationResult{RAGContext: []string{}})
	}

	ragContext := n.search(ctx, ev.Content, analysis.Intent)

	system, err := n.prompts.Render(prompts.MessageResponse, prompts.ResponseData{BotName: n.botName})
	if err != nil {
		return nil, err
	}
	history := loadHistory(ctx, n.events, ev, n.historyLimit, n.logger)
	user, err := userMessage(
		section{"Conversation History", history},
		section{"New message", messageContext{HistoryEntry: ev.History(), Intent: analysis.Intent}},
		section{"Retrieved information", ragContext},
	)
	if err != nil {
		return nil, err
	}

	var out Generation
	usage, err := n.completer.Complete(ctx, llm.CompletionRequest{
		SchemaName: "message_response",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("generate reply for message %s: %w", ev.ID, err)
	}
	out.Confidence = clampConfidence(out.Confidence)

	n.logger.Info("Reply generated",
		"message_id", ev.ID,
		"intent", analysis.Intent,
		"snippets", len(ragContext),
		"confidence", out.Confidence,
	)
	return tc, tc.Record(GenerateResponseName, GenerationResult{
		Generation: out,
		RAGContext: ragContext,
		Usage:      usagePtr(usage),
	})
}

func (n *GenerateResponse) search(ctx context.Context, query string, intent MessageIntent) []string {
	if n.searcher == nil {
		return []string{}
	}
	snippets, err := n.searcher.Search(ctx, query, retrieval.Filter{"category": string(intent)}, n.searchLimit)
	if err != nil {
		n.logger.Warn("Knowledge base search failed, replying without it", "intent", intent, "error", err)
		return []string{}
	}
	if snippets == nil {
		return []string{}
	}
	return snippets
}
