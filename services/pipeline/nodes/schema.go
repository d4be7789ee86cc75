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
	"errors"
	"log/slog"

	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/delivery"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/pipeline"
	"github.com/psychevoyage/voyagebot/services/prompts"
	"github.com/psychevoyage/voyagebot/services/retrieval"
	"github.com/psychevoyage/voyagebot/services/store"
)

// MessagePipelineName names the message schema.
const MessagePipelineName = "message"

// Deps are the collaborators of the message pipeline. Each is constructed
// once per process and shared by every run.
type Deps struct {
	BotID     datatypes.Snowflake
	BotName   string
	Events    store.EventLog
	Completer llm.Completer
	Searcher  retrieval.Searcher
	Prompts   *prompts.Manager
	Deliverer *delivery.Deliverer
	Logger    *slog.Logger
}

func (d Deps) validate() error {
	var errs []error
	if d.Completer == nil {
		errs = append(errs, errors.New("completer is required"))
	}
	if d.Prompts == nil {
		errs = append(errs, errors.New("prompts are required"))
	}
	if d.Deliverer == nil {
		errs = append(errs, errors.New("deliverer is required"))
	}
	return errors.Join(errs...)
}

// MessageSchema returns AnalyzeMessage -> GenerateResponse -> SendReply.
func MessageSchema(d Deps) (*pipeline.Schema, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return pipeline.NewSchema(
		MessagePipelineName,
		"Classify an incoming chat message, generate a reply and post it",
		AnalyzeMessageName,
		pipeline.NodeConfig{
			Node:        NewAnalyzeMessage(d.BotID, d.Events, d.Completer, d.Prompts, logger),
			Connections: []pipeline.NodeName{GenerateResponseName},
			Description: "Classify message intent",
		},
		pipeline.NodeConfig{
			Node:        NewGenerateResponse(d.BotName, d.Events, d.Searcher, d.Completer, d.Prompts, logger),
			Connections: []pipeline.NodeName{SendReplyName},
			Description: "Generate a reply with retrieved context",
		},
		pipeline.NodeConfig{
			Node:        NewSendReply(d.Deliverer, logger),
			Description: "Post the reply to the originating channel",
		},
	)
}

// NewMessagePipeline builds the message pipeline.
func NewMessagePipeline(d Deps) (*pipeline.Pipeline, error) {
	schema, err := MessageSchema(d)
	if err != nil {
		return nil, err
	}
	return pipeline.New(schema, d.Logger)
}
