// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	. "github.com/gomlx/gomlx/graph"
)

// Outputs is an ordered registry of named graph nodes produced by a graph
// build: metrics, placeholders, state tensors. Names are stable identifiers
// for external consumption; a name may be registered more than once (e.g.
// "final_state" holds one entry per state tensor, in order).
type Outputs struct {
	entries []outputEntry
}

type outputEntry struct {
	name string
	node *Node
}

func (o *Outputs) add(name string, node *Node) {
	o.entries = append(o.entries, outputEntry{name: name, node: node})
}

func (o *Outputs) addAll(name string, nodes []*Node) {
	for _, node := range nodes {
		o.add(name, node)
	}
}

// Names returns the distinct registered names, in first-registration order.
func (o *Outputs) Names() []string {
	seen := make(map[string]bool, len(o.entries))
	names := make([]string, 0, len(o.entries))
	for _, entry := range o.entries {
		if !seen[entry.name] {
			seen[entry.name] = true
			names = append(names, entry.name)
		}
	}
	return names
}

// FlatNames returns one name per registered node, aligned with Nodes.
func (o *Outputs) FlatNames() []string {
	names := make([]string, len(o.entries))
	for ii, entry := range o.entries {
		names[ii] = entry.name
	}
	return names
}

// Nodes returns all registered nodes in registration order. Returning them
// from the graph function makes every named output fetchable, and Indices
// maps fetched results back to names.
func (o *Outputs) Nodes() []*Node {
	nodes := make([]*Node, len(o.entries))
	for ii, entry := range o.entries {
		nodes[ii] = entry.node
	}
	return nodes
}

// Get returns the first node registered under name, or nil if there is none.
func (o *Outputs) Get(name string) *Node {
	for _, entry := range o.entries {
		if entry.name == name {
			return entry.node
		}
	}
	return nil
}

// GetAll returns every node registered under name, in registration order.
func (o *Outputs) GetAll(name string) []*Node {
	var nodes []*Node
	for _, entry := range o.entries {
		if entry.name == name {
			nodes = append(nodes, entry.node)
		}
	}
	return nodes
}

// Indices returns the positions in Nodes of every entry registered under
// name, in registration order.
func (o *Outputs) Indices(name string) []int {
	var indices []int
	for ii, entry := range o.entries {
		if entry.name == name {
			indices = append(indices, ii)
		}
	}
	return indices
}
