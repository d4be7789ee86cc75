// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
)

// Node is one processing step of a pipeline.
//
// Description:
//
//	Process reads the event and upstream results from tc, records its own
//	result under Name(), and returns the context. Recoverable failures
//	(a rejected delivery, a model answer of low confidence) belong in the
//	recorded result. A returned error is fatal: the run aborts and no
//	further nodes execute.
type Node interface {
	Name() NodeName
	Process(ctx context.Context, tc *TaskContext) (*TaskContext, error)
}

// BaseNode supplies Name for embedding in concrete nodes.
//
// Example:
//
//	type AnalyzeMessage struct {
//	    pipeline.BaseNode
//	    // collaborators
//	}
//
//	func NewAnalyzeMessage() *AnalyzeMessage {
//	    return &AnalyzeMessage{BaseNode: pipeline.BaseNode{NodeName: "AnalyzeMessage"}}
//	}
type BaseNode struct {
	NodeName NodeName
}

// Name returns the node's unique identifier.
func (n *BaseNode) Name() NodeName {
	return n.NodeName
}

// Process returns an error if called directly.
func (n *BaseNode) Process(_ context.Context, tc *TaskContext) (*TaskContext, error) {
	return tc, fmt.Errorf("%s: BaseNode.Process must be overridden", n.NodeName)
}

// FuncNode adapts a function that computes a result into a Node.
//
// Example:
//
//	node := pipeline.NewFuncNode("Echo", func(ctx context.Context, tc *pipeline.TaskContext) (any, error) {
//	    return tc.Event().Content, nil
//	})
type FuncNode struct {
	BaseNode
	fn func(context.Context, *TaskContext) (any, error)
}

// NewFuncNode creates a node that records fn's return value under name.
func NewFuncNode(name NodeName, fn func(context.Context, *TaskContext) (any, error)) *FuncNode {
	return &FuncNode{BaseNode: BaseNode{NodeName: name}, fn: fn}
}

// Process runs the wrapped function and records its result.
func (n *FuncNode) Process(ctx context.Context, tc *TaskContext) (*TaskContext, error) {
	if n.fn == nil {
		return tc, fmt.Errorf("%s: nil function", n.NodeName)
	}
	out, err := n.fn(ctx, tc)
	if err != nil {
		return tc, err
	}
	if err := tc.Record(n.NodeName, out); err != nil {
		return tc, err
	}
	return tc, nil
}
