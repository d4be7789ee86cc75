// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wellness generates periodic wellness posts, stores them and
// delivers them to a channel.
package wellness

import (
	"time"

	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/llm"
	"github.com/psychevoyage/voyagebot/services/store"
)

// ContentType is a kind of wellness post.
type ContentType string

const (
	MeditationTip       ContentType = "meditation tip"
	WeeklyChallenge     ContentType = "weekly challenge"
	MindfulnessPractice ContentType = "mindfulness practice"
	EmotionalWellness   ContentType = "emotional wellness"
	SomaticExercise     ContentType = "somatic exercise"
	BreathworkTechnique ContentType = "breathwork technique"
	SleepOptimization   ContentType = "sleep optimization"
	GratitudePractice   ContentType = "gratitude practice"
	BoundarySetting     ContentType = "boundary setting"
	StressManagement    ContentType = "stress management"
)

// DefaultContentType starts the rotation.
const DefaultContentType = MeditationTip

// Rotation is the fixed order content types cycle through.
var Rotation = []ContentType{
	MeditationTip,
	WeeklyChallenge,
	MindfulnessPractice,
	EmotionalWellness,
	SomaticExercise,
	BreathworkTechnique,
	SleepOptimization,
	GratitudePractice,
	BoundarySetting,
	StressManagement,
}

// ParseContentType returns the ContentType named s.
func ParseContentType(s string) (ContentType, bool) {
	for _, ct := range Rotation {
		if string(ct) == s {
			return ct, true
		}
	}
	return "", false
}

// Next returns the type after ct in Rotation, wrapping at the end. Unknown
// types return DefaultContentType.
func (ct ContentType) Next() ContentType {
	for i, c := range Rotation {
		if c == ct {
			return Rotation[(i+1)%len(Rotation)]
		}
	}
	return DefaultContentType
}

// DetermineContentType picks the next type from posted history ordered
// newest first. Empty history or an unrecognized last type yields
// DefaultContentType.
func DetermineContentType(previous []store.Content) ContentType {
	if len(previous) == 0 {
		return DefaultContentType
	}
	return ContentType(previous[0].ContentType).Next()
}

// =============================================================================
// Records
// =============================================================================

// Context is everything the model sees for one post.
type Context struct {
	DayOfWeek       string              `json:"day_of_week"`
	ContentType     ContentType         `json:"content_type"`
	PreviousContent []string            `json:"previous_content"`
	ChannelID       datatypes.Snowflake `json:"channel_id"`
}

// Response is the shape the model fills in for a post.
type Response struct {
	Reasoning  string  `json:"reasoning" description:"The reasoning behind the content generation"`
	Content    string  `json:"content" description:"The generated wellness content"`
	Confidence float64 `json:"confidence" description:"Confidence score for the quality of the content, between 0 and 1"`
}

// Generated is a stored, not yet posted, post.
type Generated struct {
	ID          string              `json:"id"`
	Content     string              `json:"content"`
	ContentType ContentType         `json:"content_type"`
	ChannelID   datatypes.Snowflake `json:"channel_id"`
	GeneratedAt time.Time           `json:"generated_at"`
	Reasoning   string              `json:"reasoning,omitempty"`
	Confidence  float64             `json:"confidence"`
	Usage       *llm.Usage          `json:"usage,omitempty"`
}

// PostResult is the outcome of posting a Generated.
type PostResult struct {
	Success      bool                `json:"success"`
	ErrorMessage string              `json:"error_message,omitempty"`
	ChannelID    datatypes.Snowflake `json:"channel_id"`
	ContentID    string              `json:"content_id,omitempty"`
	PostedAt     *time.Time          `json:"posted_at,omitempty"`
	Attempts     int                 `json:"attempts"`
}

// Outcome is the combined result of GenerateAndPost.
type Outcome struct {
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Generated *Generated  `json:"generated,omitempty"`
	Post      *PostResult `json:"post,omitempty"`
}

// Request parameterizes GenerateAndPost. Zero values mean "use the
// default channel" and "follow the rotation".
type Request struct {
	ChannelID    datatypes.Snowflake `json:"channel_id"`
	ContentType  string              `json:"content_type"`
	GenerateOnly bool                `json:"generate_only"`
}
