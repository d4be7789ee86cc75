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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/psychevoyage/voyagebot/services/datatypes"
	"github.com/psychevoyage/voyagebot/services/delivery"
)

const (
	// DefaultForwardTimeout bounds the POST to the events endpoint.
	DefaultForwardTimeout = 5 * time.Second

	// ApologyError is sent when the events endpoint rejects a message.
	ApologyError = "Sorry, I encountered an error processing your message."

	// ApologyTimeout is sent when the events endpoint does not answer in time.
	ApologyTimeout = "Sorry, the request timed out while processing your message."

	// ApologyUnexpected is sent when the message cannot be forwarded at all.
	ApologyUnexpected = "An unexpected error occurred while processing your message."
)

// MessageFetcher loads a message by id.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, channelID, messageID datatypes.Snowflake) (*discordgo.Message, error)
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// EventsURL is the full URL of the POST /events endpoint.
	EventsURL string `yaml:"events_url"`

	// Timeout bounds each forward. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`

	// Token is sent as a bearer token when non-empty. It comes from the
	// secrets vault, never from the config file.
	Token string `yaml:"-"`
}

// Gateway turns incoming Discord messages into Events and forwards them.
//
// # Description
//
// For every MessageCreate the Gateway resolves the replied-to message, if
// any, builds a datatypes.Event and POSTs it to EventsURL. A status other
// than 200 or 202, a timeout, or a transport failure is answered in the
// originating channel with an apology.
//
// # Thread Safety
//
// discordgo invokes handlers concurrently; HandleMessage is safe for that.
type Gateway struct {
	cfg     GatewayConfig
	fetcher MessageFetcher
	sender  delivery.Sender
	http    *http.Client
	logger  *slog.Logger
}

// NewGateway creates a Gateway. fetcher may be nil, in which case only
// references already embedded in the message are resolved.
func NewGateway(cfg GatewayConfig, fetcher MessageFetcher, sender delivery.Sender, logger *slog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultForwardTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		fetcher: fetcher,
		sender:  sender,
		http:    &http.Client{},
		logger:  logger,
	}
}

// Run opens the gateway connection and blocks until ctx is done.
func (g *Gateway) Run(ctx context.Context, session *discordgo.Session) error {
	remove := session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		g.HandleMessage(ctx, m.Message)
	})
	defer remove()

	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		g.logger.Info("Discord gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		g.logger.Warn("Discord gateway disconnected")
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	g.logger.Info("Discord gateway connected", "events_url", g.cfg.EventsURL)

	<-ctx.Done()
	g.logger.Info("Discord gateway closing")
	if err := session.Close(); err != nil {
		g.logger.Warn("Discord gateway close failed", "error", err)
	}
	return nil
}

// HandleMessage forwards one message. It never panics.
func (g *Gateway) HandleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil {
		return
	}
	channelID, _ := datatypes.ParseSnowflake(m.ChannelID)

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Panic while handling message", "message_id", m.ID, "panic", r)
			g.apologize(ctx, channelID, ApologyUnexpected)
		}
	}()

	ref := g.resolveReference(ctx, m)
	ev, err := EventFromMessage(m, ref)
	if err != nil {
		g.logger.Error("Failed to build event", "message_id", m.ID, "error", err)
		g.apologize(ctx, channelID, ApologyUnexpected)
		return
	}

	if apology := g.forward(ctx, ev); apology != "" {
		g.apologize(ctx, ev.ChannelID, apology)
	}
}

// forward POSTs ev and returns the apology to send, if any.
func (g *Gateway) forward(ctx context.Context, ev *datatypes.Event) string {
	body, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("Failed to encode event", "message_id", ev.ID, "error", err)
		return ApologyUnexpected
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.EventsURL, bytes.NewReader(body))
	if err != nil {
		g.logger.Error("Failed to build events request", "error", err)
		return ApologyUnexpected
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			g.logger.Error("Events request timed out", "message_id", ev.ID, "timeout", g.cfg.Timeout)
			return ApologyTimeout
		}
		g.logger.Error("Events request failed", "message_id", ev.ID, "error", err)
		return ApologyError
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		g.logger.Error("Events endpoint returned error status", "message_id", ev.ID, "status", resp.StatusCode)
		return ApologyError
	}
	g.logger.Debug("Event forwarded", "message_id", ev.ID, "status", resp.StatusCode)
	return ""
}

// resolveReference returns the message m replies to, or nil. Lookup
// failures are logged and treated as no reference.
func (g *Gateway) resolveReference(ctx context.Context, m *discordgo.Message) *discordgo.Message {
	if m.MessageReference == nil || m.MessageReference.MessageID == "" {
		return nil
	}
	if m.ReferencedMessage != nil {
		return m.ReferencedMessage
	}
	if g.fetcher == nil {
		return nil
	}

	refChannel := m.MessageReference.ChannelID
	if refChannel == "" {
		refChannel = m.ChannelID
	}
	channelID, err := datatypes.ParseSnowflake(refChannel)
	if err != nil {
		return nil
	}
	messageID, err := datatypes.ParseSnowflake(m.MessageReference.MessageID)
	if err != nil {
		return nil
	}

	ref, err := g.fetcher.FetchMessage(ctx, channelID, messageID)
	switch {
	case err == nil:
		return ref
	case errors.Is(err, ErrNotFound):
		g.logger.Warn("Referenced message not found", "message_id", messageID)
	case errors.Is(err, ErrForbidden):
		g.logger.Warn("Bot lacks permissions to fetch the referenced message", "message_id", messageID)
	default:
		g.logger.Error("Failed to fetch referenced message", "message_id", messageID, "error", err)
	}
	return nil
}

func (g *Gateway) apologize(ctx context.Context, channelID datatypes.Snowflake, text string) {
	if channelID == 0 || g.sender == nil {
		return
	}
	// The forward deadline may already have passed.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
	defer cancel()
	if err := g.sender.Send(ctx, channelID, text); err != nil {
		g.logger.Error("Failed to send apology", "channel_id", channelID, "error", err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
