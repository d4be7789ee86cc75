// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psychevoyage/voyagebot/services/bot/handlers"
)

// Deps are everything the routes need.
type Deps struct {
	Events handlers.EventDeps

	// Wellness enables POST /v1/wellness when non-nil.
	Wellness handlers.WellnessRunner

	// Metrics serves GET /metrics. Nil uses promhttp.Handler().
	Metrics http.Handler

	// Auth guards the write routes when non-nil.
	Auth gin.HandlerFunc

	Logger *slog.Logger
}

// SetupRoutes registers every route on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics))

	var guard []gin.HandlerFunc
	if deps.Auth != nil {
		guard = append(guard, deps.Auth)
	}
	router.POST("/events", append(guard, handlers.HandleEvent(deps.Events))...)

	v1 := router.Group("/v1", guard...)
	{
		if deps.Wellness != nil {
			v1.POST("/wellness", handlers.HandleWellness(deps.Wellness, deps.Logger))
		}
	}
}
