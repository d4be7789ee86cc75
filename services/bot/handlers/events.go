// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psychevoyage/voyagebot/services/bot/observability"
	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/delivery"
	"github.com/psychevoyage/voyagebot/services/pipeline"
	"github.com/psychevoyage/voyagebot/services/store"
)

// ApologyMessage is posted to the originating channel when a run fails.
const ApologyMessage = "Sorry, I encountered an error processing your message."

// DefaultRunTimeout bounds one background pipeline run.
const DefaultRunTimeout = 2 * time.Minute

var handlerTracer = otel.Tracer("voyagebot.bot.handlers")

// PipelineRunner runs one event through a pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, event *datatypes.Event) (*pipeline.TaskContext, error)
}

// EventDeps are the collaborators of HandleEvent.
type EventDeps struct {
	// Events records each accepted event. Optional.
	Events store.EventLog

	// Pipeline runs the event. Required.
	Pipeline PipelineRunner

	// PipelineName labels metrics. Default: "message".
	PipelineName string

	// Notifier receives the apology when a run fails. Optional.
	Notifier delivery.Sender

	// Runs owns the background goroutines. Required.
	Runs *Background

	// RunTimeout bounds one run. Default: DefaultRunTimeout.
	RunTimeout time.Duration

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// EventAccepted is the 202 response body.
type EventAccepted struct {
	Status  string              `json:"status"`
	RunID   string              `json:"run_id"`
	EventID datatypes.Snowflake `json:"event_id"`
}

// HandleEvent accepts a chat event and runs it through the pipeline in the
// background.
//
// # Description
//
// The request body is decoded and validated; a malformed event gets 400.
// The event is appended to the event log before the run starts so the
// pipeline's history lookup sees a consistent log. The handler answers 202
// with the run id as soon as the run is scheduled. If the run fails, the
// apology is posted to the event's channel.
//
// # Limitations
//
//   - The run outlives the request but not the server: it is canceled when
//     the Background context ends.
func HandleEvent(deps EventDeps) gin.HandlerFunc {
	if deps.PipelineName == "" {
		deps.PipelineName = "message"
	}
	if deps.RunTimeout <= 0 {
		deps.RunTimeout = DefaultRunTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleEvent")
		defer span.End()

		var ev datatypes.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			rejectEvent(c, span, deps.Metrics, logger, "Invalid event body", err)
			return
		}
		if err := ev.Validate(); err != nil {
			rejectEvent(c, span, deps.Metrics, logger, "Invalid event", err)
			return
		}
		span.SetAttributes(
			attribute.String("event.id", ev.ID.String()),
			attribute.String("event.channel_id", ev.ChannelID.String()),
		)

		if deps.Events != nil {
			if err := deps.Events.AppendEvent(ctx, &ev); err != nil {
				// History degrades; the reply can still be produced.
				logger.Warn("Failed to store event", "event_id", ev.ID, "error", err)
			}
		}

		runID := pipeline.NewRunID()
		parent := trace.SpanContextFromContext(ctx)
		started := deps.Runs.Go(func(runCtx context.Context) {
			runCtx = trace.ContextWithSpanContext(runCtx, parent)
			runCtx = pipeline.WithRunID(runCtx, runID)
			runCtx, cancel := context.WithTimeout(runCtx, deps.RunTimeout)
			defer cancel()

			done := deps.Metrics.StartRun(deps.PipelineName)
			_, err := deps.Pipeline.Run(runCtx, &ev)
			done(err)
			if err == nil {
				return
			}
			if errors.Is(err, context.Canceled) {
				logger.Info("Pipeline run canceled", "run_id", runID, "event_id", ev.ID)
				return
			}
			logger.Error("Pipeline run failed", "run_id", runID, "event_id", ev.ID, "error", err)
			apologize(runCtx, deps.Notifier, ev.ChannelID, logger)
		})
		if !started {
			deps.Metrics.RecordEvent(observability.EventDropped)
			span.SetStatus(codes.Error, "shutting down")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service is shutting down"})
			return
		}

		deps.Metrics.RecordEvent(observability.EventAccepted)
		span.SetAttributes(attribute.String("pipeline.run_id", runID))
		logger.Info("Event accepted", "event_id", ev.ID, "channel_id", ev.ChannelID, "run_id", runID)
		c.JSON(http.StatusAccepted, EventAccepted{Status: "accepted", RunID: runID, EventID: ev.ID})
	}
}

func rejectEvent(c *gin.Context, span trace.Span, m *observability.Metrics, logger *slog.Logger, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.RecordEvent(observability.EventInvalid)
	logger.Warn(msg, "error", err)
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "details": err.Error()})
}

// apologize posts ApologyMessage once. The run's own deadline may already
// have passed, so the send gets a fresh one.
func apologize(ctx context.Context, n delivery.Sender, channelID datatypes.Snowflake, logger *slog.Logger) {
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := n.Send(ctx, channelID, ApologyMessage); err != nil {
		logger.Error("Failed to send apology", "channel_id", channelID, "error", err)
	}
}
