// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wellness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Wellness Scheduler
// =============================================================================

// ErrSchedulerRunning is returned by Start on a running scheduler.
var ErrSchedulerRunning = errors.New("wellness scheduler is already running")

// ErrCycleInProgress is returned by RunNow while another cycle runs.
var ErrCycleInProgress = errors.New("wellness cycle already in progress")

// SchedulerConfig holds configuration for the wellness scheduler.
//
// # Fields
//
//   - Interval: Time between cycles. Default: 600s.
//   - CycleTimeout: Upper bound for one cycle. Default: 5 minutes.
//   - RunOnStart: Run a cycle as soon as Start is called. Default: false.
type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
	RunOnStart   bool          `yaml:"run_on_start"`
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:     600 * time.Second,
		CycleTimeout: 5 * time.Minute,
	}
}

// Runner runs one wellness cycle.
type Runner interface {
	GenerateAndPost(ctx context.Context, req Request) Outcome
}

// Scheduler periodically runs GenerateAndPost.
//
// # Description
//
// Uses the ticker + done channel pattern. At most one cycle runs at a time;
// a tick that arrives while a cycle is in flight is skipped.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Scheduler struct {
	runner    Runner
	config    SchedulerConfig
	logger    *slog.Logger
	onOutcome func(Outcome)

	done    chan struct{}
	mu      sync.Mutex
	running bool
	busy    atomic.Bool
	wg      sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithOutcomeHook receives the Outcome of every completed cycle. Skipped
// ticks are not reported.
func WithOutcomeHook(fn func(Outcome)) SchedulerOption {
	return func(s *Scheduler) { s.onOutcome = fn }
}

// WithSchedulerLogger sets the logger. Default: slog.Default().
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(runner Runner, config SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = def.CycleTimeout
	}
	s := &Scheduler{
		runner: runner,
		config: config,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the scheduling goroutine.
//
// # Inputs
//
//   - ctx: Cancelling it stops the scheduler.
//
// # Outputs
//
//   - error: ErrSchedulerRunning if already started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerRunning
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("Wellness scheduler starting",
		"interval", s.config.Interval.String(),
		"run_on_start", s.config.RunOnStart,
	)

	s.wg.Add(1)
	go s.runLoop(ctx, done)
	return nil
}

// Stop signals the loop to exit and waits for an in-flight cycle to
// finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.logger.Info("Wellness scheduler stopping")
	close(s.done)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow runs a cycle immediately. It does not affect the ticker.
//
// # Outputs
//
//   - Outcome: The cycle result.
//   - error: ErrCycleInProgress if a cycle is already running.
func (s *Scheduler) RunNow(ctx context.Context, req Request) (Outcome, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Outcome{}, ErrCycleInProgress
	}
	defer s.busy.Store(false)
	return s.cycle(ctx, req), nil
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if s.config.RunOnStart {
		s.executeCycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Wellness scheduler stopped (context cancelled)")
			return
		case <-done:
			s.logger.Info("Wellness scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.executeCycle(ctx)
		}
	}
}

// executeCycle runs one scheduled cycle unless one is in flight.
func (s *Scheduler) executeCycle(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Warn("Previous wellness cycle still running, skipping tick")
		return
	}
	defer s.busy.Store(false)

	out := s.cycle(ctx, Request{})
	if !out.Success {
		s.logger.Error("Wellness cycle failed", "error", out.Error)
		return
	}
	if out.Generated != nil {
		s.logger.Info("Wellness cycle completed",
			"content_id", out.Generated.ID,
			"content_type", out.Generated.ContentType,
		)
	}
}

func (s *Scheduler) cycle(ctx context.Context, req Request) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	out := s.runner.GenerateAndPost(ctx, req)
	if s.onOutcome != nil {
		s.onOutcome(out)
	}
	return out
}
