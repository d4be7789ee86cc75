// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the bot service.
//
// # Authentication Flow
//
// The events endpoint lets its caller make the bot speak in any channel, so
// it can be restricted to holders of a shared token. The Discord gateway
// sends the same token when it forwards messages.
//
//	Request
//	   │
//	   ▼
//	BearerAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Compare with the configured token in constant time
//	   │
//	   └─► 401 {"error": "unauthorized"} or c.Next()
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// callerKey marks requests that passed BearerAuth.
const callerKey = "voyagebot_authenticated"

// BearerAuth rejects requests whose bearer token differs from token.
//
// # Inputs
//
//   - token: The shared secret. Must be non-empty; callers skip the
//     middleware entirely when no token is configured.
//
// # Outputs
//
//   - gin.HandlerFunc: Aborts with 401 on a missing or wrong token.
func BearerAuth(token string) gin.HandlerFunc {
	// Hashing first makes the comparison length independent.
	want := sha256.Sum256([]byte(token))
	return func(c *gin.Context) {
		got := extractBearerToken(c)
		sum := sha256.Sum256([]byte(got))
		if got == "" || subtle.ConstantTimeCompare(want[:], sum[:]) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Set(callerKey, true)
		c.Next()
	}
}

// Authenticated reports whether the request passed BearerAuth.
func Authenticated(c *gin.Context) bool {
	return c.GetBool(callerKey)
}

// extractBearerToken extracts the token from the Authorization header.
// Returns "" unless the header has the form "Bearer <token>".
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
