// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the workfile graph model and the request and
// response shapes used by the workspace HTTP surface.
//
// The graph is a directed graph of shell commands. Nodes carry the command
// text (label), layout hints, an execution status, and the record of the
// last execution. Edges carry a dependency semantic: blocking edges gate
// their target until every blocking predecessor has completed; non-blocking
// edges fire their target on any single predecessor completion.
//
// Status values, edge types, and element kinds are closed enumerations.
// Unknown values are rejected at ingress.
package datatypes

import (
	"fmt"
	"strings"
)

// =============================================================================
// Enumerations
// =============================================================================

// NodeStatus is the execution state of a node.
type NodeStatus string

const (
	// NodeStatusNone means the node has no status (never run, or cleared).
	NodeStatusNone NodeStatus = ""

	// NodeStatusRun means the node is queued for execution.
	NodeStatusRun NodeStatus = "run"

	// NodeStatusRunning means a runner has a live process for the node.
	NodeStatusRunning NodeStatus = "running"

	// NodeStatusRan means the last execution exited zero.
	NodeStatusRan NodeStatus = "ran"

	// NodeStatusFail means the last execution exited nonzero.
	NodeStatusFail NodeStatus = "fail"
)

// ParseNodeStatus validates a raw status string against the closed set.
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch NodeStatus(s) {
	case NodeStatusNone, NodeStatusRun, NodeStatusRunning, NodeStatusRan, NodeStatusFail:
		return NodeStatus(s), nil
	}
	return "", fmt.Errorf("unknown node status %q", s)
}

// EdgeStatus is the scheduling state of an edge.
type EdgeStatus string

const (
	// EdgeStatusNone means the edge carries no pending completion.
	EdgeStatusNone EdgeStatus = ""

	// EdgeStatusToRun means the edge's source completed since the target
	// last ran.
	EdgeStatusToRun EdgeStatus = "to_run"
)

// ParseEdgeStatus validates a raw edge status string.
func ParseEdgeStatus(s string) (EdgeStatus, error) {
	switch EdgeStatus(s) {
	case EdgeStatusNone, EdgeStatusToRun:
		return EdgeStatus(s), nil
	}
	return "", fmt.Errorf("unknown edge status %q", s)
}

// EdgeType is the dependency semantic of an edge.
type EdgeType string

const (
	// EdgeTypeBlocking gates the target until all blocking in-edges are
	// satisfied. This is the default.
	EdgeTypeBlocking EdgeType = "blocking"

	// EdgeTypeNonBlocking fires the target on any single source completion.
	EdgeTypeNonBlocking EdgeType = "non-blocking"
)

// ParseEdgeType validates a raw edge type, mapping "" to blocking.
func ParseEdgeType(s string) (EdgeType, error) {
	switch EdgeType(s) {
	case "":
		return EdgeTypeBlocking, nil
	case EdgeTypeBlocking, EdgeTypeNonBlocking:
		return EdgeType(s), nil
	}
	return "", fmt.Errorf("unknown edge type %q", s)
}

// ElementKind selects between node and edge for status edits.
type ElementKind string

const (
	ElementNode ElementKind = "node"
	ElementEdge ElementKind = "edge"
)

// ParseElementKind validates a raw element kind.
func ParseElementKind(s string) (ElementKind, error) {
	switch ElementKind(s) {
	case ElementNode, ElementEdge:
		return ElementKind(s), nil
	}
	return "", fmt.Errorf("element kind must be node or edge, got %q", s)
}

// =============================================================================
// Graph model
// =============================================================================

// Node is a single shell command in the workflow graph.
type Node struct {
	// ID is the opaque unique identifier, assigned on creation.
	ID string

	// Label is the shell command text. May span multiple lines.
	Label string

	// X, Y are layout hints for the drawing client.
	X float64
	Y float64

	// Status is the node's execution state.
	Status NodeStatus

	// Execution record, set by the runner that executed the node.
	// All five fields are overwritten together on each run.
	Command   string
	Stdout    string
	Stderr    string
	PID       string
	ErrorCode string

	// Log is the legacy free-form execution log. Superseded by the
	// structured record but still written by old runner clients.
	Log string

	// Extra preserves unknown GraphML attributes across load/save.
	Extra map[string]string
}

// Edge is a dependency between two nodes.
type Edge struct {
	// ID is the opaque unique identifier. Edges loaded from hand-written
	// workfiles may lack one; the scheduler assigns ids on demand.
	ID string

	// Source and Target are node ids.
	Source string
	Target string

	// Type is the dependency semantic.
	Type EdgeType

	// Status is the edge's scheduling state.
	Status EdgeStatus

	// Extra preserves unknown GraphML attributes across load/save.
	Extra map[string]string
}

// Graph is the in-memory representation of a workfile.
//
// Nodes and Edges preserve insertion order so that saves are stable.
// The index maps are rebuilt by Reindex after bulk construction; the
// mutating methods keep them current.
type Graph struct {
	// Wrapper is the command template. The sigil "{}" is replaced by the
	// node label at execution time; without a sigil the label is appended
	// after a space.
	Wrapper string

	Nodes []*Node
	Edges []*Edge

	nodesByID map[string]*Node
	edgesByID map[string]*Edge
}

// NewGraph returns an empty directed graph.
func NewGraph() *Graph {
	return &Graph{
		nodesByID: make(map[string]*Node),
		edgesByID: make(map[string]*Edge),
	}
}

// Reindex rebuilds the id lookup maps from the Nodes and Edges slices.
// Call after constructing a Graph by direct slice assignment (the codec
// does this on load).
func (g *Graph) Reindex() {
	g.nodesByID = make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		g.nodesByID[n.ID] = n
	}
	g.edgesByID = make(map[string]*Edge, len(g.Edges))
	for _, e := range g.Edges {
		if e.ID != "" {
			g.edgesByID[e.ID] = e
		}
	}
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	return g.nodesByID[id]
}

// EdgeByID returns the edge with the given id, or nil.
func (g *Graph) EdgeByID(id string) *Edge {
	return g.edgesByID[id]
}

// EdgeBetween returns the edge from source to target, or nil.
func (g *Graph) EdgeBetween(source, target string) *Edge {
	for _, e := range g.Edges {
		if e.Source == source && e.Target == target {
			return e
		}
	}
	return nil
}

// AddNode inserts a node and indexes it.
func (g *Graph) AddNode(n *Node) {
	g.Nodes = append(g.Nodes, n)
	g.nodesByID[n.ID] = n
}

// RemoveNode deletes a node and every edge incident to it.
// Returns false when the node does not exist.
func (g *Graph) RemoveNode(id string) bool {
	if g.nodesByID[id] == nil {
		return false
	}
	delete(g.nodesByID, id)
	nodes := g.Nodes[:0]
	for _, n := range g.Nodes {
		if n.ID != id {
			nodes = append(nodes, n)
		}
	}
	g.Nodes = nodes

	edges := g.Edges[:0]
	for _, e := range g.Edges {
		if e.Source == id || e.Target == id {
			if e.ID != "" {
				delete(g.edgesByID, e.ID)
			}
			continue
		}
		edges = append(edges, e)
	}
	g.Edges = edges
	return true
}

// AddEdge inserts an edge and indexes it.
func (g *Graph) AddEdge(e *Edge) {
	g.Edges = append(g.Edges, e)
	if e.ID != "" {
		g.edgesByID[e.ID] = e
	}
}

// RemoveEdge deletes the edge from source to target.
// Returns false when no such edge exists.
func (g *Graph) RemoveEdge(source, target string) bool {
	for i, e := range g.Edges {
		if e.Source == source && e.Target == target {
			if e.ID != "" {
				delete(g.edgesByID, e.ID)
			}
			g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
			return true
		}
	}
	return false
}

// SetEdgeID assigns an id to an edge and indexes it. Used by the
// scheduler when it encounters an edge without an id.
func (g *Graph) SetEdgeID(e *Edge, id string) {
	e.ID = id
	g.edgesByID[id] = e
}

// OutEdges returns the edges whose source is the given node.
func (g *Graph) OutEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// InEdges returns the edges whose target is the given node.
func (g *Graph) InEdges(nodeID string) []*Edge {
	var in []*Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// Roots returns the node ids with graph in-degree zero.
func (g *Graph) Roots() []string {
	indeg := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range g.Edges {
		if _, ok := indeg[e.Target]; ok {
			indeg[e.Target]++
		}
	}
	var roots []string
	for _, n := range g.Nodes {
		if indeg[n.ID] == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// SubgraphRoots returns the ids in the selection with in-degree zero
// within the selection-induced subgraph (only edges with both endpoints
// selected count).
func (g *Graph) SubgraphRoots(selection map[string]bool) []string {
	indeg := make(map[string]int, len(selection))
	for id := range selection {
		if g.nodesByID[id] != nil {
			indeg[id] = 0
		}
	}
	for _, e := range g.Edges {
		if selection[e.Source] && selection[e.Target] {
			indeg[e.Target]++
		}
	}
	var roots []string
	for _, n := range g.Nodes {
		if d, ok := indeg[n.ID]; ok && d == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// HasBlockingCycle reports whether the restriction of the graph to
// blocking edges contains a directed cycle. When selection is non-nil,
// the check is further restricted to edges with both endpoints selected.
//
// Non-blocking edges never participate; they may form cycles freely.
func (g *Graph) HasBlockingCycle(selection map[string]bool) bool {
	adj := make(map[string][]string)
	indeg := make(map[string]int)
	inScope := func(id string) bool {
		return selection == nil || selection[id]
	}
	for _, n := range g.Nodes {
		if inScope(n.ID) {
			indeg[n.ID] = 0
		}
	}
	for _, e := range g.Edges {
		if e.Type != EdgeTypeBlocking {
			continue
		}
		if !inScope(e.Source) || !inScope(e.Target) {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		indeg[e.Target]++
	}

	// Kahn's algorithm; leftover nodes mean a cycle.
	var queue []string
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(indeg)
}

// =============================================================================
// Command composition
// =============================================================================

// WrapperSigil is the placeholder replaced by the node label.
const WrapperSigil = "{}"

// ComposeCommand instantiates a wrapper template with a node label.
// When the wrapper carries no sigil the label is appended after a space.
func ComposeCommand(wrapper, label string) string {
	if strings.Contains(wrapper, WrapperSigil) {
		return strings.ReplaceAll(wrapper, WrapperSigil, label)
	}
	if wrapper == "" {
		return label
	}
	return wrapper + " " + label
}

// =============================================================================
// Node-link projection
// =============================================================================

// NodeLinkNode is a node as seen by clients. The heavyweight execution
// record fields are deliberately absent to bound payload size; the
// get-node-log endpoint serves them on demand.
type NodeLinkNode struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Status string  `json:"status"`
}

// NodeLinkEdge is an edge as seen by clients.
type NodeLinkEdge struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	EdgeType string `json:"edge_type"`
	Status   string `json:"status"`
}

// NodeLinkData is the transport projection of a graph.
type NodeLinkData struct {
	Directed bool              `json:"directed"`
	Graph    NodeLinkGraphMeta `json:"graph"`
	Nodes    []NodeLinkNode    `json:"nodes"`
	Links    []NodeLinkEdge    `json:"links"`
}

// NodeLinkGraphMeta carries graph-level attributes in the projection.
type NodeLinkGraphMeta struct {
	Wrapper string `json:"wrapper"`
}

// ToNodeLink builds the transport projection of the graph, stripping the
// execution record from every node. The wrapper defaults to the bare
// sigil so clients always have a usable template.
func (g *Graph) ToNodeLink() NodeLinkData {
	wrapper := g.Wrapper
	if wrapper == "" {
		wrapper = WrapperSigil
	}
	data := NodeLinkData{
		Directed: true,
		Graph:    NodeLinkGraphMeta{Wrapper: wrapper},
		Nodes:    make([]NodeLinkNode, 0, len(g.Nodes)),
		Links:    make([]NodeLinkEdge, 0, len(g.Edges)),
	}
	for _, n := range g.Nodes {
		data.Nodes = append(data.Nodes, NodeLinkNode{
			ID:     n.ID,
			Label:  n.Label,
			X:      n.X,
			Y:      n.Y,
			Status: string(n.Status),
		})
	}
	for _, e := range g.Edges {
		data.Links = append(data.Links, NodeLinkEdge{
			ID:       e.ID,
			Source:   e.Source,
			Target:   e.Target,
			EdgeType: string(e.Type),
			Status:   string(e.Status),
		})
	}
	return data
}

// FormatExecutionLog renders the node's execution record as the fixed
// human-readable block served by get-node-log. Falls back to the legacy
// log attribute, then to a placeholder.
func (n *Node) FormatExecutionLog() string {
	if n.Command == "" && n.Stdout == "" && n.Stderr == "" && n.PID == "" && n.ErrorCode == "" {
		if n.Log != "" {
			return n.Log
		}
		return "[No log available for this node]"
	}
	var b strings.Builder
	b.WriteString("=== Node Execution ===\n")
	fmt.Fprintf(&b, "Command: %s\n", n.Command)
	fmt.Fprintf(&b, "PID: %s\n", n.PID)
	fmt.Fprintf(&b, "Exit Code: %s\n", n.ErrorCode)
	b.WriteString("\n--- STDOUT ---\n")
	b.WriteString(n.Stdout)
	if n.Stdout != "" && !strings.HasSuffix(n.Stdout, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("--- STDERR ---\n")
	b.WriteString(n.Stderr)
	if n.Stderr != "" && !strings.HasSuffix(n.Stderr, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}
