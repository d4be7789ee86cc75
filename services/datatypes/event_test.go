// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleEventJSON = `{
	"id": 1340782013967237282,
	"channel_id": "1339870218100543550",
	"guild_id": 1339870217488306249,
	"content": "<@1339861530430406657> what is wellness",
	"author": {
		"id": 988733900509548605,
		"username": "datamonkey.eth",
		"discriminator": "0",
		"avatar": null,
		"bot": false,
		"system": false
	},
	"timestamp": "2025-02-16 20:29:02.655000+00:00",
	"edited_timestamp": null,
	"mentions": [
		{"id": 1339861530430406657, "username": "PsycheVoyageBot", "discriminator": "2729", "avatar": null, "bot": true, "system": false}
	],
	"mention_roles": [],
	"mention_everyone": false,
	"attachments": [],
	"embeds": [],
	"reactions": [],
	"pinned": false,
	"type": 0,
	"webhook_id": null,
	"stickers": [],
	"referenced_message_id": null,
	"referenced_message_author_id": null,
	"referenced_message_author_name": null,
	"referenced_message_content": null
}`

func TestEvent_DecodeAndValidate(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(sampleEventJSON), &ev))

	assert.Equal(t, Snowflake(1340782013967237282), ev.ID)
	assert.Equal(t, Snowflake(1339870218100543550), ev.ChannelID, "string-encoded ids are accepted")
	require.NotNil(t, ev.GuildID)
	assert.Equal(t, "datamonkey.eth", ev.Author.Username)
	assert.Nil(t, ev.ReferencedMessageID)
	assert.True(t, ev.MentionsUser(1339861530430406657))
	assert.NoError(t, ev.Validate())
}

func TestEvent_Validate(t *testing.T) {
	base := func() Event {
		return Event{
			ID:        1,
			ChannelID: 2,
			Author:    DiscordUser{ID: 3, Username: "u"},
			Timestamp: "2025-01-01T00:00:00Z",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{"valid", func(*Event) {}, false},
		{"missing id", func(e *Event) { e.ID = 0 }, true},
		{"missing channel", func(e *Event) { e.ChannelID = 0 }, true},
		{"missing author", func(e *Event) { e.Author.ID = 0 }, true},
		{"missing timestamp", func(e *Event) { e.Timestamp = "" }, true},
		{"content too large", func(e *Event) { e.Content = strings.Repeat("a", MaxEventContentBytes+1) }, true},
		{"mention without id", func(e *Event) { e.Mentions = []DiscordUser{{Username: "x"}} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := base()
			tt.mutate(&ev)
			err := ev.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSnowflake_JSON(t *testing.T) {
	var s Snowflake
	require.NoError(t, json.Unmarshal([]byte(`"42"`), &s))
	assert.Equal(t, Snowflake(42), s)

	require.NoError(t, json.Unmarshal([]byte(`null`), &s))
	assert.Equal(t, Snowflake(0), s)

	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &s))
	assert.Error(t, json.Unmarshal([]byte(`-1`), &s))

	out, err := json.Marshal(Snowflake(1339861530430406657))
	require.NoError(t, err)
	assert.Equal(t, `"1339861530430406657"`, string(out))

	require.NoError(t, json.Unmarshal(out, &s))
	assert.Equal(t, Snowflake(1339861530430406657), s)
}

func TestSnowflake_JSONKeepsPrecisionForGenericDecoders(t *testing.T) {
	out, err := json.Marshal(HistoryEntry{ChannelID: 1339870218100543551})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.Equal(t, "1339870218100543551", generic["channel_id"])
}

func TestEvent_History(t *testing.T) {
	name := "other"
	ev := Event{ID: 1, ChannelID: 9, Content: "hi", Author: DiscordUser{ID: 5}, Timestamp: "t", ReferencedMessageAuthorName: &name}
	h := ev.History()
	assert.Equal(t, "hi", h.Content)
	assert.Equal(t, Snowflake(9), h.ChannelID)
	assert.Equal(t, &name, h.ReferencedMessageAuthorName)
}
