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
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/psychevoyage/voyagebot/services/wellness"
)

// WellnessRunner runs one wellness cycle on demand.
type WellnessRunner interface {
	RunNow(ctx context.Context, req wellness.Request) (wellness.Outcome, error)
}

// HandleWellness runs a wellness cycle synchronously and returns its Outcome.
//
// # Description
//
// The body is optional. An empty body posts the next rotation type to the
// configured channel. Responses:
//   - 200: the cycle succeeded
//   - 400: malformed body or unknown content_type
//   - 409: a cycle is already running
//   - 500: the cycle failed; the body is the Outcome with its error
func HandleWellness(runner WellnessRunner, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleWellness")
		defer span.End()

		var req wellness.Request
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			span.RecordError(err)
			logger.Warn("Invalid wellness request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
		if req.ContentType != "" {
			if _, ok := wellness.ParseContentType(req.ContentType); !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown content_type", "details": req.ContentType})
				return
			}
		}
		span.SetAttributes(
			attribute.String("wellness.channel_id", req.ChannelID.String()),
			attribute.String("wellness.content_type", req.ContentType),
			attribute.Bool("wellness.generate_only", req.GenerateOnly),
		)

		outcome, err := runner.RunNow(ctx, req)
		if errors.Is(err, wellness.ErrCycleInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !outcome.Success {
			span.SetStatus(codes.Error, outcome.Error)
			c.JSON(http.StatusInternalServerError, outcome)
			return
		}
		c.JSON(http.StatusOK, outcome)
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
