// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package delivery posts text to a chat channel with gating, validation and
// bounded retry.
//
// Every outbound post in the bot goes through Deliverer.Deliver:
//
//  1. Gate: a skipped request succeeds immediately without contacting the
//     channel.
//  2. Validate: blank text fails immediately without contacting the channel.
//  3. Attempt: up to Policy.MaxAttempts sends, sleeping an exponentially
//     growing interval between failures.
//
// Deliver never returns an error. The outcome is always a Result, so callers
// can record it as data.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/psychevoyage/voyagebot/services/datatypes"
)

// Outcome messages.
const (
	// IgnoredMessage is reported when the request is gated off.
	IgnoredMessage = "Message ignored as per intent"

	// EmptyResponseMessage is the default report for blank text.
	EmptyResponseMessage = "Empty response received"

	// defaultLabel names the payload in exhaustion reports.
	defaultLabel = "message"
)

// =============================================================================
// Interfaces
// =============================================================================

// Sender posts text to a channel. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, channelID datatypes.Snowflake, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, channelID datatypes.Snowflake, text string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, channelID datatypes.Snowflake, text string) error {
	return f(ctx, channelID, text)
}

// PartialError is returned by a Sender that posted a leading part of the
// text before failing. Deliver retries with Remaining only, so parts that
// already reached the channel are not posted again.
type PartialError struct {
	// Sent is the number of parts posted before the failure.
	Sent int

	// Remaining is the unsent suffix of the text.
	Remaining string

	// Err is the failure of the first unsent part.
	Err error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("sent %d part(s) before failing: %v", e.Sent, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// Observer is notified after every send attempt. err is nil on success.
type Observer func(label string, attempt int, err error)

// =============================================================================
// Policy
// =============================================================================

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the total number of sends, including the first.
	MaxAttempts int

	// InitialBackoff is the sleep after the first failure.
	InitialBackoff time.Duration

	// Multiplier scales the sleep after each further failure.
	Multiplier float64

	// MaxBackoff caps a single sleep. Zero means uncapped.
	MaxBackoff time.Duration
}

// DefaultPolicy returns three attempts with 1s, 2s, 4s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	return p
}

// Schedule returns the sleeps between attempts: MaxAttempts-1 entries.
func (p Policy) Schedule() []time.Duration {
	p = p.withDefaults()
	b := p.newBackOff()
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// newBackOff builds a jitter-free exponential schedule.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxBackoff
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// =============================================================================
// Request / Result
// =============================================================================

// Request describes one delivery.
type Request struct {
	// ChannelID is the destination channel.
	ChannelID datatypes.Snowflake

	// Text is the payload.
	Text string

	// Skip gates the delivery off. The result is a success with no attempts.
	Skip bool

	// Label names the payload in the exhaustion report. Default: "message".
	Label string

	// EmptyMessage is reported for blank text. Default: EmptyResponseMessage.
	EmptyMessage string
}

// Result is the outcome of Deliver.
type Result struct {
	Success      bool                `json:"success"`
	ErrorMessage string              `json:"error_message,omitempty"`
	ChannelID    datatypes.Snowflake `json:"channel_id"`
	MessageSent  string              `json:"message_sent,omitempty"`
	Attempts     int                 `json:"attempts"`
	DeliveredAt  *time.Time          `json:"delivered_at,omitempty"`
}

// =============================================================================
// Deliverer
// =============================================================================

// Deliverer runs the gate, validate, attempt sequence.
//
// Thread Safety:
//
//	Safe for concurrent use if the Sender is.
type Deliverer struct {
	sender   Sender
	policy   Policy
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
	logger   *slog.Logger
	observer Observer
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithSleep replaces the backoff sleep. Used by tests to avoid real waits.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(d *Deliverer) { d.sleep = fn }
}

// WithClock replaces time.Now for DeliveredAt.
func WithClock(fn func() time.Time) Option {
	return func(d *Deliverer) { d.now = fn }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Deliverer) { d.logger = l }
}

// WithObserver registers a per-attempt callback.
func WithObserver(o Observer) Option {
	return func(d *Deliverer) { d.observer = o }
}

// New creates a Deliverer.
//
// Inputs:
//
//	sender - Destination client. Must not be nil.
//	policy - Retry bounds. Zero fields take DefaultPolicy values.
//	opts - Optional overrides.
func New(sender Sender, policy Policy, opts ...Option) *Deliverer {
	d := &Deliverer{
		sender: sender,
		policy: policy.withDefaults(),
		sleep:  sleepContext,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy returns the effective retry policy.
func (d *Deliverer) Policy() Policy {
	return d.policy
}

// Deliver posts req.Text to req.ChannelID.
//
// Description:
//
//	Gated requests succeed with IgnoredMessage and zero attempts. Blank
//	text fails with the empty message and zero attempts. Otherwise up to
//	Policy.MaxAttempts sends are made; after a failure that is not the
//	last, Deliver sleeps the next backoff interval. A *PartialError narrows
//	the next attempt to the unsent remainder. A canceled context
//	stops the loop early and is reported as the last error.
//
// Outputs:
//
//	Result - Always populated. Success is true only if a send returned nil
//	         or the request was gated off.
func (d *Deliverer) Deliver(ctx context.Context, req Request) Result {
	res := Result{ChannelID: req.ChannelID}

	if req.Skip {
		res.Success = true
		res.ErrorMessage = IgnoredMessage
		return res
	}

	if strings.TrimSpace(req.Text) == "" {
		res.ErrorMessage = req.EmptyMessage
		if res.ErrorMessage == "" {
			res.ErrorMessage = EmptyResponseMessage
		}
		return res
	}

	label := req.Label
	if label == "" {
		label = defaultLabel
	}

	b := d.policy.newBackOff()
	pending := req.Text
	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		res.Attempts = attempt
		err := d.sender.Send(ctx, req.ChannelID, pending)
		if d.observer != nil {
			d.observer(label, attempt, err)
		}
		if err == nil {
			at := d.now()
			res.Success = true
			res.MessageSent = req.Text
			res.DeliveredAt = &at
			d.logger.Info("delivered",
				slog.String("label", label),
				slog.String("channel_id", req.ChannelID.String()),
				slog.Int("attempt", attempt),
			)
			return res
		}

		lastErr = err
		var partial *PartialError
		if errors.As(err, &partial) && strings.TrimSpace(partial.Remaining) != "" {
			pending = partial.Remaining
		}
		d.logger.Warn("delivery attempt failed",
			slog.String("label", label),
			slog.String("channel_id", req.ChannelID.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", d.policy.MaxAttempts),
			slog.String("error", err.Error()),
		)

		if attempt == d.policy.MaxAttempts {
			break
		}
		if serr := d.sleep(ctx, b.NextBackOff()); serr != nil {
			lastErr = serr
			break
		}
	}

	res.ErrorMessage = fmt.Sprintf("Failed to send %s after %d attempts. Last error: %v",
		label, res.Attempts, lastErr)
	d.logger.Error("delivery exhausted",
		slog.String("label", label),
		slog.String("channel_id", req.ChannelID.String()),
		slog.Int("attempts", res.Attempts),
		slog.String("error", lastErr.Error()),
	)
	return res
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
