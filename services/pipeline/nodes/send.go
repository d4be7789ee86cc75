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
	"log/slog"

	"github.com/psychevoyage/voyagebot/services/delivery"
	"github.com/psychevoyage/voyagebot/services/pipeline"
)

// SendReply posts the generated reply to the event's channel.
//
// The ignore intent gates delivery off. Delivery failures are recorded as
// a failed delivery.Result and never abort the run. Missing upstream
// results are fatal.
type SendReply struct {
	deliverer *delivery.Deliverer
	logger    *slog.Logger
}

var _ pipeline.Node = (*SendReply)(nil)

// NewSendReply creates the delivery node.
func NewSendReply(d *delivery.Deliverer, logger *slog.Logger) *SendReply {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendReply{deliverer: d, logger: logger}
}

// Name implements pipeline.Node.
func (n *SendReply) Name() pipeline.NodeName {
	return SendReplyName
}

// Process implements pipeline.Node.
func (n *SendReply) Process(ctx context.Context, tc *pipeline.TaskContext) (*pipeline.TaskContext, error) {
	analysis, err := pipeline.ResultAs[AnalysisResult](tc, AnalyzeMessageName)
	if err != nil {
		return nil, err
	}
	generation, err := pipeline.ResultAs[GenerationResult](tc, GenerateResponseName)
	if err != nil {
		return nil, err
	}

	ev := tc.Event()
	res := n.deliverer.Deliver(ctx, delivery.Request{
		ChannelID: ev.ChannelID,
		Text:      generation.Response,
		Skip:      analysis.Intent == IntentIgnore,
	})
	if !res.Success {
		n.logger.Warn("Reply not delivered",
			"message_id", ev.ID,
			"channel_id", ev.ChannelID,
			"attempts", res.Attempts,
			"error", res.ErrorMessage,
		)
	}
	return tc, tc.Record(SendReplyName, res)
}
