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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for schema construction and execution.
var (
	// ErrNilNode is returned when a NodeConfig carries no node.
	ErrNilNode = errors.New("node must not be nil")

	// ErrDuplicateNode is returned when two configs share a name.
	ErrDuplicateNode = errors.New("duplicate node name")

	// ErrNodeNotFound is returned when a connection targets an undeclared node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrMissingStart is returned when the start node is empty or undeclared.
	ErrMissingStart = errors.New("start node not declared")

	// ErrEmptySchema is returned when a schema has no nodes.
	ErrEmptySchema = errors.New("schema has no nodes")

	// ErrCycleDetected is wrapped by CycleError.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrNilEvent is returned when Run is called without an event.
	ErrNilEvent = errors.New("event must not be nil")

	// ErrNilContext is returned when Run is called with a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilSchema is returned when New is called without a schema.
	ErrNilSchema = errors.New("schema must not be nil")

	// ErrDuplicateResult is returned when a node result is recorded twice.
	ErrDuplicateResult = errors.New("result already recorded")

	// ErrMissingResult is returned when a required upstream result is absent
	// or a node finishes without recording its own result.
	ErrMissingResult = errors.New("required result missing")

	// ErrResultType is returned when a recorded result has an unexpected type.
	ErrResultType = errors.New("result has unexpected type")
)

// NodeError attributes an error to a node.
type NodeError struct {
	NodeName NodeName
	Err      error
}

// NewNodeError wraps err with the node that produced it.
func NewNodeError(name NodeName, err error) *NodeError {
	return &NodeError{NodeName: name, Err: err}
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeName, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// CycleError reports the first cycle found during schema validation.
//
// Path starts and ends on the same node, e.g. [A B C A].
type CycleError struct {
	Path []NodeName
}

// NewCycleError creates a CycleError for the given path.
func NewCycleError(path []NodeName) *CycleError {
	cp := make([]NodeName, len(path))
	copy(cp, path)
	return &CycleError{Path: cp}
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, n := range e.Path {
		parts[i] = string(n)
	}
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
