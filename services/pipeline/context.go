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
	"fmt"

	"github.com/psychevoyage/voyagebot/services/datatypes"
)

// NodeName is the typed key under which a node records its result.
type NodeName string

// TaskContext carries one run's event and the results produced so far.
//
// Description:
//
//	A TaskContext is created per run and handed through every node in
//	order. The event is read-only. Results are append-only: each node
//	records once under its own name, and a second record for the same
//	name is rejected.
//
// Thread Safety:
//
//	Not safe for concurrent use. A TaskContext belongs to exactly one run,
//	and nodes within a run execute sequentially.
type TaskContext struct {
	runID   string
	event   *datatypes.Event
	results map[NodeName]any
	order   []NodeName
}

// NewTaskContext creates an empty context for event.
func NewTaskContext(runID string, event *datatypes.Event) *TaskContext {
	return &TaskContext{
		runID:   runID,
		event:   event,
		results: make(map[NodeName]any),
	}
}

// RunID identifies the run for logs and traces.
func (tc *TaskContext) RunID() string {
	return tc.runID
}

// Event returns the triggering event. Callers must not mutate it.
func (tc *TaskContext) Event() *datatypes.Event {
	return tc.event
}

// Record stores a node's result.
//
// Outputs:
//
//	error - ErrDuplicateResult if name already has a result.
func (tc *TaskContext) Record(name NodeName, value any) error {
	if _, exists := tc.results[name]; exists {
		return NewNodeError(name, ErrDuplicateResult)
	}
	tc.results[name] = value
	tc.order = append(tc.order, name)
	return nil
}

// Result returns the value recorded under name.
func (tc *TaskContext) Result(name NodeName) (any, bool) {
	v, ok := tc.results[name]
	return v, ok
}

// Has reports whether name has a recorded result.
func (tc *TaskContext) Has(name NodeName) bool {
	_, ok := tc.results[name]
	return ok
}

// Executed returns node names in the order their results were recorded.
func (tc *TaskContext) Executed() []NodeName {
	out := make([]NodeName, len(tc.order))
	copy(out, tc.order)
	return out
}

// Len returns the number of recorded results.
func (tc *TaskContext) Len() int {
	return len(tc.results)
}

// ResultAs fetches the result recorded under name as T.
//
// Description:
//
//	Used by nodes that depend on an upstream node's output. A missing or
//	mistyped result means the schema is wired wrong, so both cases return
//	errors the caller should treat as fatal.
//
// Outputs:
//
//	T - The typed result.
//	error - Wraps ErrMissingResult or ErrResultType.
func ResultAs[T any](tc *TaskContext, name NodeName) (T, error) {
	var zero T
	v, ok := tc.Result(name)
	if !ok {
		return zero, NewNodeError(name, ErrMissingResult)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, NewNodeError(name, fmt.Errorf("%w: got %T", ErrResultType, v))
	}
	return typed, nil
}
