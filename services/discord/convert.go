// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discord

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/psychevoyage/voyagebot/services/datatypes"
)

// EventFromMessage converts a gateway message into an Event. ref is the
// message m replies to and may be nil.
func EventFromMessage(m *discordgo.Message, ref *discordgo.Message) (*datatypes.Event, error) {
	if m.Author == nil {
		return nil, errors.New("message has no author")
	}
	id, err := datatypes.ParseSnowflake(m.ID)
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	channelID, err := datatypes.ParseSnowflake(m.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("channel id: %w", err)
	}
	author, err := userFrom(m.Author)
	if err != nil {
		return nil, fmt.Errorf("author: %w", err)
	}

	ev := &datatypes.Event{
		ID:              id,
		ChannelID:       channelID,
		GuildID:         optionalSnowflake(m.GuildID),
		Content:         m.Content,
		Author:          author,
		Timestamp:       m.Timestamp.UTC().Format(time.RFC3339Nano),
		MentionEveryone: m.MentionEveryone,
		Pinned:          m.Pinned,
		Type:            int(m.Type),
		WebhookID:       optionalSnowflake(m.WebhookID),
		Mentions:        []datatypes.DiscordUser{},
		MentionRoles:    []datatypes.Snowflake{},
		Attachments:     []datatypes.DiscordAttachment{},
		Embeds:          []datatypes.DiscordEmbed{},
		Reactions:       []datatypes.DiscordReaction{},
		Stickers:        []datatypes.DiscordSticker{},
	}
	if m.EditedTimestamp != nil {
		ev.EditedTimestamp = optionalString(m.EditedTimestamp.UTC().Format(time.RFC3339Nano))
	}

	for _, u := range m.Mentions {
		if mu, err := userFrom(u); err == nil {
			ev.Mentions = append(ev.Mentions, mu)
		}
	}
	for _, r := range m.MentionRoles {
		if s, err := datatypes.ParseSnowflake(r); err == nil {
			ev.MentionRoles = append(ev.MentionRoles, s)
		}
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		aid, _ := datatypes.ParseSnowflake(a.ID)
		ev.Attachments = append(ev.Attachments, datatypes.DiscordAttachment{
			ID:          aid,
			Filename:    a.Filename,
			Size:        a.Size,
			URL:         a.URL,
			ProxyURL:    optionalString(a.ProxyURL),
			Height:      optionalInt(a.Height),
			Width:       optionalInt(a.Width),
			ContentType: optionalString(a.ContentType),
		})
	}
	for _, e := range m.Embeds {
		if e != nil {
			ev.Embeds = append(ev.Embeds, embedFrom(e))
		}
	}
	for _, r := range m.Reactions {
		if r == nil || r.Emoji == nil {
			continue
		}
		var emojiID any
		if r.Emoji.ID != "" {
			emojiID = r.Emoji.ID
		}
		ev.Reactions = append(ev.Reactions, datatypes.DiscordReaction{
			Emoji: map[string]any{
				"name":     r.Emoji.Name,
				"id":       emojiID,
				"animated": r.Emoji.Animated,
			},
			Count: r.Count,
			Me:    r.Me,
		})
	}
	for _, s := range m.StickerItems {
		if s == nil {
			continue
		}
		sid, _ := datatypes.ParseSnowflake(s.ID)
		ev.Stickers = append(ev.Stickers, datatypes.DiscordSticker{
			ID:         sid,
			Name:       s.Name,
			FormatType: int(s.FormatType),
		})
	}

	if ref != nil {
		ev.ReferencedMessageID = optionalSnowflake(ref.ID)
		ev.ReferencedMessageContent = &ref.Content
		if ref.Author != nil {
			ev.ReferencedMessageAuthorID = optionalSnowflake(ref.Author.ID)
			ev.ReferencedMessageAuthorName = &ref.Author.Username
		}
	}
	return ev, nil
}

func userFrom(u *discordgo.User) (datatypes.DiscordUser, error) {
	if u == nil {
		return datatypes.DiscordUser{}, errors.New("nil user")
	}
	id, err := datatypes.ParseSnowflake(u.ID)
	if err != nil {
		return datatypes.DiscordUser{}, err
	}
	out := datatypes.DiscordUser{
		ID:            id,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		Bot:           u.Bot,
		System:        u.System,
	}
	if u.Avatar != "" {
		out.Avatar = optionalString(u.AvatarURL(""))
	}
	return out, nil
}

func embedFrom(e *discordgo.MessageEmbed) datatypes.DiscordEmbed {
	out := datatypes.DiscordEmbed{
		Title:       optionalString(e.Title),
		Type:        string(e.Type),
		Description: optionalString(e.Description),
		URL:         optionalString(e.URL),
		Timestamp:   optionalString(e.Timestamp),
		Color:       optionalInt(e.Color),
		Fields:      []datatypes.DiscordEmbedField{},
	}
	if e.Footer != nil {
		out.Footer = &datatypes.DiscordEmbedFooter{
			Text:    e.Footer.Text,
			IconURL: optionalString(e.Footer.IconURL),
		}
	}
	if e.Author != nil {
		out.Author = &datatypes.DiscordEmbedAuthor{
			Name:    optionalString(e.Author.Name),
			URL:     optionalString(e.Author.URL),
			IconURL: optionalString(e.Author.IconURL),
		}
	}
	for _, f := range e.Fields {
		if f != nil {
			out.Fields = append(out.Fields, datatypes.DiscordEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
		}
	}
	return out
}

func optionalSnowflake(s string) *datatypes.Snowflake {
	if s == "" {
		return nil
	}
	v, err := datatypes.ParseSnowflake(s)
	if err != nil {
		return nil
	}
	return &v
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
