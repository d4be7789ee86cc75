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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"

	"github.com/psychevoyage/voyagebot/services/bot/handlers"
	"github.com/psychevoyage/voyagebot/services/wellness"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type idleWellness struct{}

func (idleWellness) RunNow(context.Context, wellness.Request) (wellness.Outcome, error) {
	return wellness.Outcome{Success: true}, nil
}

func hasRoute(router *gin.Engine, method, path string) bool {
	for _, r := range router.Routes() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	bg := handlers.NewBackground(context.Background())
	t.Cleanup(func() { _ = bg.Shutdown(context.Background()) })
	return Deps{
		Events:  handlers.EventDeps{Runs: bg},
		Metrics: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	}
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_CoreRoutes(t *testing.T) {
	router := gin.New()
	deps := testDeps(t)
	deps.Wellness = idleWellness{}
	SetupRoutes(router, deps)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/events"},
		{"POST", "/v1/wellness"},
	}
	for _, e := range expected {
		if !hasRoute(router, e.method, e.path) {
			t.Errorf("Expected route %s %s not found", e.method, e.path)
		}
	}
}

func TestSetupRoutes_WellnessRouteNeedsRunner(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps(t))

	assert.False(t, hasRoute(router, "POST", "/v1/wellness"))
	assert.True(t, hasRoute(router, "POST", "/events"))
}

func TestSetupRoutes_HealthAndMetricsServe(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps(t))

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestSetupRoutes_AuthGuardsWriteRoutesOnly(t *testing.T) {
	router := gin.New()
	deps := testDeps(t)
	deps.Wellness = idleWellness{}
	deps.Auth = func(c *gin.Context) {
		c.AbortWithStatus(http.StatusUnauthorized)
	}
	SetupRoutes(router, deps)

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/events", http.StatusUnauthorized},
		{http.MethodPost, "/v1/wellness", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, w.Code, tc.path)
	}
}
