// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package discord connects the bot to Discord.
//
// Client wraps a single discordgo session for REST calls (sending and
// fetching messages). Gateway listens for new messages on the same session
// and forwards them to the HTTP front door as Events.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/delivery"
)

// MaxMessageRunes is Discord's per-message character limit.
const MaxMessageRunes = 2000

var (
	// ErrMissingToken is returned by New without a bot token.
	ErrMissingToken = errors.New("discord: bot token is required")

	// ErrNotFound is returned by FetchMessage for a deleted or unknown message.
	ErrNotFound = errors.New("discord: message not found")

	// ErrForbidden is returned when the bot lacks channel permissions.
	ErrForbidden = errors.New("discord: missing permissions")
)

// Config configures the Discord client.
type Config struct {
	// RateLimit is the sustained REST request rate per second. Default: 5.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the limiter bucket size. Default: 5.
	Burst int `yaml:"burst"`
}

func (c Config) withDefaults() Config {
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	return c
}

// restSession is the subset of *discordgo.Session used for REST calls.
type restSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Client sends and fetches messages.
//
// # Thread Safety
//
// Safe for concurrent use. All REST calls share one rate limiter.
type Client struct {
	session *discordgo.Session
	rest    restSession
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ delivery.Sender = (*Client)(nil)

// New creates a Client with a bot session. The gateway connection is not
// opened; see Gateway.Run.
func New(token string, cfg Config, logger *slog.Logger) (*Client, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := newClient(s, cfg, logger)
	c.session = s
	return c, nil
}

func newClient(rest restSession, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		rest:    rest,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logger,
	}
}

// Session returns the underlying discordgo session. Nil for test clients.
func (c *Client) Session() *discordgo.Session {
	return c.session
}

// Send posts text to channelID. Text longer than MaxMessageRunes is sent
// as consecutive messages. If a part after the first fails, the error is a
// *delivery.PartialError whose Remaining starts at the failed part.
func (c *Client) Send(ctx context.Context, channelID datatypes.Snowflake, text string) error {
	parts := SplitMessage(text, MaxMessageRunes)
	for i, part := range parts {
		err := c.limiter.Wait(ctx)
		if err == nil {
			_, err = c.rest.ChannelMessageSend(channelID.String(), part, discordgo.WithContext(ctx))
			if err != nil {
				err = fmt.Errorf("send part %d of %d to channel %s: %w", i+1, len(parts), channelID, classify(err))
			}
		}
		if err == nil {
			continue
		}
		if i == 0 {
			return err
		}
		return &delivery.PartialError{
			Sent:      i,
			Remaining: strings.Join(parts[i:], ""),
			Err:       err,
		}
	}
	return nil
}

// FetchMessage loads a message by id.
//
// # Outputs
//
//   - *discordgo.Message: The message.
//   - error: ErrNotFound, ErrForbidden, or a transport error.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID datatypes.Snowflake) (*discordgo.Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	m, err := c.rest.ChannelMessage(channelID.String(), messageID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// classify maps Discord REST status codes onto package errors.
func classify(err error) error {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) || rest.Response == nil {
		return err
	}
	switch rest.Response.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	default:
		return err
	}
}

// SplitMessage breaks text into parts of at most limit runes, preferring
// newline and then space boundaries.
func SplitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		if i := lastIndex(runes[:limit], '\n'); i > limit/2 {
			cut = i + 1
		} else if i := lastIndex(runes[:limit], ' '); i > limit/2 {
			cut = i + 1
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
