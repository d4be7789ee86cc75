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

// NodeConfig declares a node and its outgoing edges.
type NodeConfig struct {
	// Node is the step to execute. Required.
	Node Node

	// Connections lists the nodes that run after this one.
	Connections []NodeName

	// Description is free text for logs and introspection.
	Description string
}

// Schema is a validated, acyclic pipeline definition.
//
// Description:
//
//	A Schema is built once with NewSchema and then shared read-only by
//	every run. Construction guarantees unique node names, a declared
//	start node, known connection targets, and no cycles, so Run never
//	has to handle a malformed graph.
//
// Thread Safety:
//
//	Immutable after construction. Safe for concurrent use.
type Schema struct {
	name        string
	description string
	start       NodeName
	configs     map[NodeName]NodeConfig
	declared    []NodeName
	order       []NodeName
}

// NewSchema validates and constructs a Schema.
//
// Description:
//
//	Validates the node set and computes the execution order: a
//	topological order over the nodes reachable from start, with ties
//	broken by declaration order. Unreachable nodes are kept in the
//	schema but never executed.
//
// Inputs:
//
//	name - Identifier used in logs, metrics and spans.
//	description - Free text.
//	start - Entry node. Must be declared in configs.
//	configs - Node declarations. Must be non-empty.
//
// Outputs:
//
//	*Schema - The validated schema.
//	error - ErrEmptySchema, ErrNilNode, ErrDuplicateNode, ErrNodeNotFound,
//	        ErrMissingStart, or *CycleError.
func NewSchema(name, description string, start NodeName, configs ...NodeConfig) (*Schema, error) {
	if len(configs) == 0 {
		return nil, ErrEmptySchema
	}

	s := &Schema{
		name:        name,
		description: description,
		start:       start,
		configs:     make(map[NodeName]NodeConfig, len(configs)),
		declared:    make([]NodeName, 0, len(configs)),
	}

	for _, cfg := range configs {
		if cfg.Node == nil {
			return nil, ErrNilNode
		}
		n := cfg.Node.Name()
		if _, exists := s.configs[n]; exists {
			return nil, NewNodeError(n, ErrDuplicateNode)
		}
		s.configs[n] = cfg
		s.declared = append(s.declared, n)
	}

	if _, ok := s.configs[start]; !ok || start == "" {
		return nil, NewNodeError(start, ErrMissingStart)
	}

	for _, n := range s.declared {
		for _, next := range s.configs[n].Connections {
			if _, ok := s.configs[next]; !ok {
				return nil, NewNodeError(n, ErrNodeNotFound)
			}
		}
	}

	if err := s.detectCycles(); err != nil {
		return nil, err
	}

	s.order = s.topologicalOrder()
	return s, nil
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// Description returns the schema description.
func (s *Schema) Description() string { return s.description }

// Start returns the entry node name.
func (s *Schema) Start() NodeName { return s.start }

// NodeCount returns the number of declared nodes.
func (s *Schema) NodeCount() int { return len(s.declared) }

// Order returns the execution order computed at construction.
func (s *Schema) Order() []NodeName {
	out := make([]NodeName, len(s.order))
	copy(out, s.order)
	return out
}

// Config returns the declaration for name.
func (s *Schema) Config(name NodeName) (NodeConfig, bool) {
	cfg, ok := s.configs[name]
	return cfg, ok
}

// detectCycles uses DFS to find a back edge anywhere in the graph.
func (s *Schema) detectCycles() error {
	visited := make(map[NodeName]bool)
	onStack := make(map[NodeName]bool)
	path := make([]NodeName, 0, len(s.declared))

	var dfs func(n NodeName) error
	dfs = func(n NodeName) error {
		visited[n] = true
		onStack[n] = true
		path = append(path, n)

		for _, next := range s.configs[n].Connections {
			if !visited[next] {
				if err := dfs(next); err != nil {
					return err
				}
			} else if onStack[next] {
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append(append([]NodeName{}, path[start:]...), next)
				return NewCycleError(cycle)
			}
		}

		path = path[:len(path)-1]
		onStack[n] = false
		return nil
	}

	for _, n := range s.declared {
		if !visited[n] {
			if err := dfs(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// topologicalOrder runs Kahn's algorithm over the subgraph reachable from start.
func (s *Schema) topologicalOrder() []NodeName {
	reachable := map[NodeName]bool{s.start: true}
	queue := []NodeName{s.start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range s.configs[n].Connections {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	inDegree := make(map[NodeName]int, len(reachable))
	for n := range reachable {
		inDegree[n] += 0
		for _, next := range s.configs[n].Connections {
			inDegree[next]++
		}
	}

	order := make([]NodeName, 0, len(reachable))
	done := make(map[NodeName]bool, len(reachable))
	for len(order) < len(reachable) {
		progressed := false
		for _, n := range s.declared {
			if !reachable[n] || done[n] || inDegree[n] > 0 {
				continue
			}
			done[n] = true
			order = append(order, n)
			for _, next := range s.configs[n].Connections {
				inDegree[next]--
			}
			progressed = true
			break
		}
		if !progressed {
			// Only possible with a cycle, which detectCycles has ruled out.
			break
		}
	}
	return order
}
