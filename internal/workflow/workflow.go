// Package workflow defines the workflow graph model: a DAG of typed blocks
// connected by edges, validated before any execution is dispatched.
package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyWorkflow   = errors.New("workflow: no nodes")
	ErrDuplicateNodeID = errors.New("workflow: duplicate node id")
	ErrDanglingEdge    = errors.New("workflow: edge references unknown node")
	ErrSelfLoop        = errors.New("workflow: self-loop")
	ErrCycle           = errors.New("workflow: graph contains a cycle")
)

// Node is one vertex of the workflow DAG. Config is an opaque mapping whose
// string values may contain template expressions resolved at execution time.
type Node struct {
	ID        string         `json:"id"`
	BlockType string         `json:"blockType"`
	Config    map[string]any `json:"config"`
}

// Edge connects a source node's output to a target node's input.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Workflow is a user-authored DAG of blocks. Immutable once executing.
type Workflow struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Validate checks the structural invariants: unique node IDs, edges that
// reference existing nodes, no self-loops, and acyclicity.
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return ErrEmptyWorkflow
	}

	seen := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateNodeID, n.ID)
		}
		seen[n.ID] = true
	}

	for _, e := range w.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("%w: source %q", ErrDanglingEdge, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("%w: target %q", ErrDanglingEdge, e.Target)
		}
		if e.Source == e.Target {
			return fmt.Errorf("%w: %q", ErrSelfLoop, e.Source)
		}
	}

	if _, err := w.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// Node returns the node with the given ID, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Predecessors returns the IDs of nodes with an edge into id, in the order
// the edges appear in the workflow.
func (w *Workflow) Predecessors(id string) []string {
	var preds []string
	for _, e := range w.Edges {
		if e.Target == id {
			preds = append(preds, e.Source)
		}
	}
	return preds
}

// Successors returns the IDs of nodes with an edge out of id.
func (w *Workflow) Successors(id string) []string {
	var succ []string
	for _, e := range w.Edges {
		if e.Source == id {
			succ = append(succ, e.Target)
		}
	}
	return succ
}

// Ancestors returns the transitive predecessor set of id.
func (w *Workflow) Ancestors(id string) map[string]bool {
	result := make(map[string]bool)
	var visit func(string)
	visit = func(n string) {
		for _, p := range w.Predecessors(n) {
			if !result[p] {
				result[p] = true
				visit(p)
			}
		}
	}
	visit(id)
	return result
}

// TopoOrder computes a topological order over the nodes using Kahn's
// algorithm. Ties are broken by the node's position in the workflow's node
// list, so the order is stable for a given workflow definition.
func (w *Workflow) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(w.Nodes))
	position := make(map[string]int, len(w.Nodes))
	for i, n := range w.Nodes {
		indegree[n.ID] = 0
		position[n.ID] = i
	}
	for _, e := range w.Edges {
		indegree[e.Target]++
	}

	// Ready set kept sorted by node-list position for the stable tie-break.
	var ready []string
	for _, n := range w.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]string, 0, len(w.Nodes))
	for len(ready) > 0 {
		// Pick the ready node earliest in the node list.
		best := 0
		for i := 1; i < len(ready); i++ {
			if position[ready[i]] < position[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)

		for _, succ := range w.Successors(id) {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(order) != len(w.Nodes) {
		return nil, ErrCycle
	}
	return order, nil
}

// Roots returns the nodes with no predecessors, in node-list order.
func (w *Workflow) Roots() []string {
	hasPred := make(map[string]bool)
	for _, e := range w.Edges {
		hasPred[e.Target] = true
	}
	var roots []string
	for _, n := range w.Nodes {
		if !hasPred[n.ID] {
			roots = append(roots, n.ID)
		}
	}
	return roots
}
