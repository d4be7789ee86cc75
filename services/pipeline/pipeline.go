// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs events through a fixed, acyclic graph of nodes.
//
// A Schema declares the nodes, their connections and the start node. A
// Pipeline executes a Schema once per event: every node reachable from the
// start runs exactly once, in topological order, and records its result in a
// shared TaskContext. A node that returns an error aborts the run.
//
//	schema, err := pipeline.NewSchema("message", "reply to chat messages", "Analyze",
//	    pipeline.NodeConfig{Node: analyze, Connections: []pipeline.NodeName{"Generate"}},
//	    pipeline.NodeConfig{Node: generate, Connections: []pipeline.NodeName{"Send"}},
//	    pipeline.NodeConfig{Node: send},
//	)
//	p, err := pipeline.New(schema, logger)
//	tc, err := p.Run(ctx, event)
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/psychevoyage/voyagebot/services/datatypes"
)

var (
	tracer = otel.Tracer("voyagebot.pipeline")
	meter  = otel.Meter("voyagebot.pipeline")
)

// Pipeline executes a Schema.
//
// Thread Safety:
//
//	Safe for concurrent use. Runs share only the immutable Schema; each
//	run gets its own TaskContext.
type Pipeline struct {
	schema *Schema
	logger *slog.Logger

	metricsOnce     sync.Once
	nodeLatency     metric.Float64Histogram
	nodeSuccesses   metric.Int64Counter
	nodeFailures    metric.Int64Counter
	pipelineLatency metric.Float64Histogram
}

// New creates a Pipeline for schema.
//
// Inputs:
//
//	schema - A schema built with NewSchema. Must not be nil.
//	logger - Logger for run logs. If nil, uses slog.Default().
//
// Outputs:
//
//	*Pipeline - Ready to Run.
//	error - ErrNilSchema if schema is nil.
func New(schema *Schema, logger *slog.Logger) (*Pipeline, error) {
	if schema == nil {
		return nil, ErrNilSchema
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		schema: schema,
		logger: logger.With(slog.String("pipeline", schema.Name())),
	}, nil
}

// Schema returns the schema this pipeline executes.
func (p *Pipeline) Schema() *Schema {
	return p.schema
}

// initMetrics lazily creates instruments. Failures degrade observability only.
func (p *Pipeline) initMetrics() {
	p.metricsOnce.Do(func() {
		var failed []string
		var err error

		p.nodeLatency, err = meter.Float64Histogram("pipeline_node_duration_seconds",
			metric.WithDescription("Time spent executing each pipeline node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "node_latency: "+err.Error())
		}

		p.nodeSuccesses, err = meter.Int64Counter("pipeline_node_success_total",
			metric.WithDescription("Number of node executions that returned normally"),
		)
		if err != nil {
			failed = append(failed, "node_successes: "+err.Error())
		}

		p.nodeFailures, err = meter.Int64Counter("pipeline_node_failure_total",
			metric.WithDescription("Number of node executions that aborted the run"),
		)
		if err != nil {
			failed = append(failed, "node_failures: "+err.Error())
		}

		p.pipelineLatency, err = meter.Float64Histogram("pipeline_run_duration_seconds",
			metric.WithDescription("Total pipeline run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			failed = append(failed, "pipeline_latency: "+err.Error())
		}

		if len(failed) > 0 {
			p.logger.Error("failed to initialize some pipeline metrics",
				slog.Int("failed_count", len(failed)),
				slog.Any("errors", failed),
			)
		}
	})
}

// Run executes every reachable node once, in order, for event.
//
// Description:
//
//	Creates a fresh TaskContext, then calls each node in the schema's
//	topological order. Each node receives the context returned by its
//	predecessor. Cancellation is checked between nodes.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	event - The triggering event. Must not be nil.
//
// Outputs:
//
//	*TaskContext - The final context, holding one result per executed node.
//	error - A *NodeError for a fatal node failure, or ctx.Err(). The
//	        partial context is discarded on error.
func (p *Pipeline) Run(ctx context.Context, event *datatypes.Event) (*TaskContext, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if event == nil {
		return nil, ErrNilEvent
	}

	p.initMetrics()

	runID, ok := RunIDFrom(ctx)
	if !ok {
		runID = NewRunID()
	}
	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("pipeline.name", p.schema.Name()),
			attribute.String("pipeline.run_id", runID),
			attribute.Int("pipeline.node_count", len(p.schema.order)),
			attribute.String("event.id", event.ID.String()),
			attribute.String("event.channel_id", event.ChannelID.String()),
		),
	)
	defer span.End()

	start := time.Now()
	logger := p.logger.With(slog.String("run_id", runID))
	logger.Info("pipeline started",
		slog.String("event_id", event.ID.String()),
		slog.Int("nodes", len(p.schema.order)),
	)

	tc := NewTaskContext(runID, event)
	for _, name := range p.schema.order {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "context canceled")
			logger.Warn("pipeline canceled", slog.String("next_node", string(name)))
			return nil, err
		}

		cfg := p.schema.configs[name]
		next, err := p.executeNode(ctx, cfg.Node, tc, logger)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("pipeline failed",
				slog.String("failed_node", string(name)),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		tc = next
	}

	duration := time.Since(start)
	if p.pipelineLatency != nil {
		p.pipelineLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("pipeline", p.schema.Name())),
		)
	}

	span.SetStatus(codes.Ok, "")
	logger.Info("pipeline completed",
		slog.Duration("duration", duration),
		slog.Int("nodes_executed", tc.Len()),
	)
	return tc, nil
}

// executeNode runs a single node inside its own span.
func (p *Pipeline) executeNode(ctx context.Context, node Node, tc *TaskContext, logger *slog.Logger) (*TaskContext, error) {
	name := node.Name()
	ctx, span := tracer.Start(ctx, string(name),
		trace.WithAttributes(
			attribute.String("pipeline.node", string(name)),
			attribute.String("pipeline.run_id", tc.RunID()),
		),
	)
	defer span.End()

	logger.Debug("node starting", slog.String("node", string(name)))

	start := time.Now()
	next, err := node.Process(ctx, tc)
	duration := time.Since(start)

	attrs := metric.WithAttributes(attribute.String("node", string(name)))
	if p.nodeLatency != nil {
		p.nodeLatency.Record(ctx, duration.Seconds(), attrs)
	}

	if err != nil {
		if p.nodeFailures != nil {
			p.nodeFailures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("node failed",
			slog.String("node", string(name)),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return nil, NewNodeError(name, err)
	}

	if next == nil {
		next = tc
	}
	if !next.Has(name) {
		if p.nodeFailures != nil {
			p.nodeFailures.Add(ctx, 1, attrs)
		}
		span.SetStatus(codes.Error, ErrMissingResult.Error())
		logger.Error("node recorded no result",
			slog.String("node", string(name)),
			slog.Duration("duration", duration),
		)
		return nil, NewNodeError(name, ErrMissingResult)
	}
	if p.nodeSuccesses != nil {
		p.nodeSuccesses.Add(ctx, 1, attrs)
	}
	span.SetStatus(codes.Ok, "")
	logger.Debug("node completed",
		slog.String("node", string(name)),
		slog.Duration("duration", duration),
	)
	return next, nil
}
