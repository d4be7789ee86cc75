// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data structures shared by the bot services.
//
// This file contains the inbound chat Event and the Discord shapes nested in
// it. Events arrive on POST /events and are the read-only input of every
// pipeline run.
package datatypes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxEventContentBytes bounds the message body accepted on ingestion.
	// Discord caps messages at 4000 characters for boosted servers.
	MaxEventContentBytes = 16 * 1024

	// MaxMentionsPerEvent bounds the mentions list.
	MaxMentionsPerEvent = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var eventValidate *validator.Validate

func init() {
	eventValidate = validator.New()
	_ = eventValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = eventValidate.RegisterValidation("snowflake", validateSnowflake)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxEventContentBytes
}

// validateSnowflake rejects the zero id. Discord never issues it.
func validateSnowflake(fl validator.FieldLevel) bool {
	return fl.Field().Uint() != 0
}

// =============================================================================
// Snowflake
// =============================================================================

// Snowflake is a Discord 64-bit identifier.
//
// Discord ids exceed 2^53, so JSON clients frequently send them as strings.
// Snowflake accepts both encodings and always marshals as a JSON number.
type Snowflake uint64

// ParseSnowflake parses a decimal id string.
func ParseSnowflake(s string) (Snowflake, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", s, err)
	}
	return Snowflake(v), nil
}

// String returns the decimal form used by the Discord REST API.
func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// MarshalJSON encodes the id as a quoted decimal string, as Discord does.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, s.String()), nil
}

// UnmarshalJSON accepts a JSON number, a quoted decimal string, or null.
func (s *Snowflake) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if str == "" {
			*s = 0
			return nil
		}
		v, err := ParseSnowflake(str)
		if err != nil {
			return err
		}
		*s = v
		return nil
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid snowflake %s: %w", data, err)
	}
	*s = Snowflake(v)
	return nil
}

// =============================================================================
// Discord Shapes
// =============================================================================

// DiscordUser identifies a message author or mention target.
type DiscordUser struct {
	ID            Snowflake `json:"id" validate:"snowflake"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator"`
	Avatar        *string   `json:"avatar"`
	Bot           bool      `json:"bot"`
	System        bool      `json:"system"`
}

// DiscordAttachment is a file attached to a message.
type DiscordAttachment struct {
	ID          Snowflake `json:"id"`
	Filename    string    `json:"filename"`
	Size        int       `json:"size"`
	URL         string    `json:"url"`
	ProxyURL    *string   `json:"proxy_url"`
	Height      *int      `json:"height"`
	Width       *int      `json:"width"`
	ContentType *string   `json:"content_type"`
}

// DiscordEmbedAuthor is the author block of an embed.
type DiscordEmbedAuthor struct {
	Name    *string `json:"name"`
	URL     *string `json:"url"`
	IconURL *string `json:"icon_url"`
}

// DiscordEmbedFooter is the footer block of an embed.
type DiscordEmbedFooter struct {
	Text    string  `json:"text"`
	IconURL *string `json:"icon_url"`
}

// DiscordEmbedField is one name/value row of an embed.
type DiscordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// DiscordEmbed is a rich embed attached to a message.
type DiscordEmbed struct {
	Title       *string             `json:"title"`
	Type        string              `json:"type"`
	Description *string             `json:"description"`
	URL         *string             `json:"url"`
	Timestamp   *string             `json:"timestamp"`
	Color       *int                `json:"color"`
	Footer      *DiscordEmbedFooter `json:"footer"`
	Author      *DiscordEmbedAuthor `json:"author"`
	Fields      []DiscordEmbedField `json:"fields"`
}

// DiscordReaction is an emoji reaction with its count.
// Emoji holds the raw "name", "id" and "animated" keys.
type DiscordReaction struct {
	Emoji map[string]any `json:"emoji"`
	Count int            `json:"count"`
	Me    bool           `json:"me"`
}

// DiscordSticker is a sticker attached to a message.
// FormatType: 1 = PNG, 2 = APNG, 3 = LOTTIE.
type DiscordSticker struct {
	ID         Snowflake `json:"id"`
	Name       string    `json:"name"`
	FormatType int       `json:"format_type"`
}

// =============================================================================
// Event
// =============================================================================

// Event is one inbound chat message.
//
// # Description
//
// Event mirrors the Discord message shape plus a flattened view of the
// message it replies to, if any. It is constructed once at ingestion and
// treated as read-only for the rest of its life.
//
// # Validation
//
//   - ID, ChannelID, Author.ID: non-zero snowflakes
//   - Timestamp: required
//   - Content: at most MaxEventContentBytes
//   - Mentions: at most MaxMentionsPerEvent, each validated
type Event struct {
	ID              Snowflake           `json:"id" validate:"snowflake"`
	ChannelID       Snowflake           `json:"channel_id" validate:"snowflake"`
	GuildID         *Snowflake          `json:"guild_id"`
	Content         string              `json:"content" validate:"maxbytes"`
	Author          DiscordUser         `json:"author"`
	Timestamp       string              `json:"timestamp" validate:"required"`
	EditedTimestamp *string             `json:"edited_timestamp"`
	Mentions        []DiscordUser       `json:"mentions" validate:"max=100,dive"`
	MentionRoles    []Snowflake         `json:"mention_roles"`
	MentionEveryone bool                `json:"mention_everyone"`
	Attachments     []DiscordAttachment `json:"attachments"`
	Embeds          []DiscordEmbed      `json:"embeds"`
	Reactions       []DiscordReaction   `json:"reactions"`
	Pinned          bool                `json:"pinned"`
	Type            int                 `json:"type"`
	WebhookID       *Snowflake          `json:"webhook_id"`
	Stickers        []DiscordSticker    `json:"stickers"`

	ReferencedMessageID         *Snowflake `json:"referenced_message_id"`
	ReferencedMessageAuthorID   *Snowflake `json:"referenced_message_author_id"`
	ReferencedMessageAuthorName *string    `json:"referenced_message_author_name"`
	ReferencedMessageContent    *string    `json:"referenced_message_content"`
}

// Validate checks the event against its struct tags.
func (e *Event) Validate() error {
	return eventValidate.Struct(e)
}

// MentionsUser reports whether id appears in the mentions list.
func (e *Event) MentionsUser(id Snowflake) bool {
	for _, m := range e.Mentions {
		if m.ID == id {
			return true
		}
	}
	return false
}

// HistoryEntry is the compact form of an earlier event used as model context.
type HistoryEntry struct {
	Content                     string        `json:"content"`
	Author                      DiscordUser   `json:"author"`
	Timestamp                   string        `json:"timestamp"`
	Mentions                    []DiscordUser `json:"mentions"`
	ReferencedMessageID         *Snowflake    `json:"referenced_message_id"`
	ReferencedMessageAuthorID   *Snowflake    `json:"referenced_message_author_id"`
	ReferencedMessageAuthorName *string       `json:"referenced_message_author_name"`
	ReferencedMessageContent    *string       `json:"referenced_message_content"`
	ChannelID                   Snowflake     `json:"channel_id"`
}

// History projects the event into a HistoryEntry.
func (e *Event) History() HistoryEntry {
	return HistoryEntry{
		Content:                     e.Content,
		Author:                      e.Author,
		Timestamp:                   e.Timestamp,
		Mentions:                    e.Mentions,
		ReferencedMessageID:         e.ReferencedMessageID,
		ReferencedMessageAuthorID:   e.ReferencedMessageAuthorID,
		ReferencedMessageAuthorName: e.ReferencedMessageAuthorName,
		ReferencedMessageContent:    e.ReferencedMessageContent,
		ChannelID:                   e.ChannelID,
	}
}
