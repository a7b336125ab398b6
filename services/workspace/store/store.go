// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store owns persistence of a single workfile.
//
// Every operation is load-mutate-save against the workfile path: the
// mutation worker already serializes callers per workspace, so no lock is
// needed, and the atomic temp-file-plus-rename write keeps concurrent
// readers and crash recovery safe. Batch operations perform exactly one
// load and one save.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/workforce-sh/workforce/services/workspace/datatypes"
	"github.com/workforce-sh/workforce/services/workspace/graphml"
)

// Sentinel errors surfaced to the worker and, through it, to diagnostics.
var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrEdgeNotFound    = errors.New("edge not found")
	ErrEndpointMissing = errors.New("both source and target must exist")
	ErrBadKind         = errors.New("element kind must be node or edge")
)

// Store loads and saves the graph at a fixed workfile path through an
// injected codec.
type Store struct {
	path  string
	codec graphml.Codec
}

// New creates a store for the given workfile path. A nil codec selects
// the canonical GraphML codec.
func New(path string, codec graphml.Codec) *Store {
	if codec == nil {
		codec = graphml.New()
	}
	return &Store{path: path, codec: codec}
}

// Path returns the workfile path.
func (s *Store) Path() string { return s.path }

// Load reads the workfile. A missing file yields a fresh empty directed
// graph which is immediately persisted so subsequent readers succeed.
func (s *Store) Load() (*datatypes.Graph, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		g := datatypes.NewGraph()
		if err := s.Save(g); err != nil {
			return nil, fmt.Errorf("initializing workfile %s: %w", s.path, err)
		}
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening workfile %s: %w", s.path, err)
	}
	defer f.Close()

	g, err := s.codec.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding workfile %s: %w", s.path, err)
	}
	return g, nil
}

// Save writes the graph atomically: serialize to a sibling temp file in
// the same directory, then rename over the target.
func (s *Store) Save(g *datatypes.Graph) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".workfile-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if err := s.codec.Encode(tmp, g); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encoding workfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing workfile %s: %w", s.path, err)
	}
	return nil
}

// SaveTo writes the graph atomically to a different path. Used by save-as.
func (s *Store) SaveTo(path string, g *datatypes.Graph) error {
	clone := New(path, s.codec)
	return clone.Save(g)
}

// =============================================================================
// Mutations
// =============================================================================

// AddNode creates a node and returns its fresh id.
func (s *Store) AddNode(label string, x, y float64, status datatypes.NodeStatus) (string, error) {
	g, err := s.Load()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	g.AddNode(&datatypes.Node{ID: id, Label: label, X: x, Y: y, Status: status})
	if err := s.Save(g); err != nil {
		return "", err
	}
	slog.Debug("added node", "node_id", id, "workfile", s.path)
	return id, nil
}

// RemoveNode deletes a node and its incident edges.
func (s *Store) RemoveNode(nodeID string) error {
	g, err := s.Load()
	if err != nil {
		return err
	}
	if !g.RemoveNode(nodeID) {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return s.Save(g)
}

// AddEdge creates an edge and returns its fresh id. Both endpoints must
// exist.
func (s *Store) AddEdge(source, target string, edgeType datatypes.EdgeType) (string, error) {
	g, err := s.Load()
	if err != nil {
		return "", err
	}
	if g.NodeByID(source) == nil || g.NodeByID(target) == nil {
		return "", fmt.Errorf("%w: %s -> %s", ErrEndpointMissing, source, target)
	}
	id := uuid.NewString()
	g.AddEdge(&datatypes.Edge{ID: id, Source: source, Target: target, Type: edgeType})
	if err := s.Save(g); err != nil {
		return "", err
	}
	slog.Debug("added edge", "edge_id", id, "source", source, "target", target, "workfile", s.path)
	return id, nil
}

// RemoveEdge deletes the edge from source to target.
func (s *Store) RemoveEdge(source, target string) error {
	g, err := s.Load()
	if err != nil {
		return err
	}
	if !g.RemoveEdge(source, target) {
		return fmt.Errorf("%w: %s -> %s", ErrEdgeNotFound, source, target)
	}
	return s.Save(g)
}

// EditEdgeType switches the edge between blocking and non-blocking.
func (s *Store) EditEdgeType(source, target string, edgeType datatypes.EdgeType) error {
	g, err := s.Load()
	if err != nil {
		return err
	}
	e := g.EdgeBetween(source, target)
	if e == nil {
		return fmt.Errorf("%w: %s -> %s", ErrEdgeNotFound, source, target)
	}
	e.Type = edgeType
	return s.Save(g)
}

// EditStatus sets the status of a node or edge.
func (s *Store) EditStatus(kind datatypes.ElementKind, id, value string) error {
	g, err := s.Load()
	if err != nil {
		return err
	}
	if err := applyStatus(g, kind, id, value); err != nil {
		return err
	}
	return s.Save(g)
}

// EditStatuses applies a batch of status edits with one load and one
// save. Fail-fast: the first unknown element aborts with zero side
// effects on disk.
func (s *Store) EditStatuses(updates []datatypes.StatusUpdate) (int, error) {
	g, err := s.Load()
	if err != nil {
		return 0, err
	}
	for _, u := range updates {
		kind, err := datatypes.ParseElementKind(u.ElementType)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrBadKind, u.ElementType)
		}
		if err := applyStatus(g, kind, u.ElementID, u.Value); err != nil {
			return 0, err
		}
	}
	if err := s.Save(g); err != nil {
		return 0, err
	}
	return len(updates), nil
}

// EditNodePosition moves a node.
func (s *Store) EditNodePosition(nodeID string, x, y float64) error {
	g, err := s.Load()
	if err != nil {
		return err
	}
	n := g.NodeByID(nodeID)
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	n.X, n.Y = x, y
	return s.Save(g)
}

// EditNodePositions moves several nodes with one load and one save.
// Valid entries are applied; the ids that did not resolve are returned.
// This operation never fails wholly on missing nodes.
func (s *Store) EditNodePositions(positions []datatypes.NodePosition) (applied int, missing []string, err error) {
	g, err := s.Load()
	if err != nil {
		return 0, nil, err
	}
	for _, p := range positions {
		n := g.NodeByID(p.NodeID)
		if n == nil {
			missing = append(missing, p.NodeID)
			continue
		}
		n.X, n.Y = p.X, p.Y
		applied++
	}
	if applied > 0 {
		if err := s.Save(g); err != nil {
			return 0, nil, err
		}
	}
	return applied, missing, nil
}

// EditWrapper replaces the graph-level command template.
func (s *Store) EditWrapper(wrapper string) error {
	g, err := s.Load()
	if err != nil {
		return err
	}
	g.Wrapper = wrapper
	return s.Save(g)
}

// EditNodeLabel replaces a node's command text.
func (s *Store) EditNodeLabel(nodeID, label string) error {
	g, err := s.Load()
	if err != nil {
		return err
	}
	n := g.NodeByID(nodeID)
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	n.Label = label
	return s.Save(g)
}

// SaveNodeExecutionData overwrites the node's execution record. All five
// fields are replaced together so a stale stdout can never outlive its
// exit code.
func (s *Store) SaveNodeExecutionData(nodeID, command, stdout, stderr, pid, errorCode string) error {
	g, err := s.Load()
	if err != nil {
		return err
	}
	n := g.NodeByID(nodeID)
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	n.Command = command
	n.Stdout = stdout
	n.Stderr = stderr
	n.PID = pid
	n.ErrorCode = errorCode
	return s.Save(g)
}

// SaveNodeLog writes the legacy free-form log attribute.
func (s *Store) SaveNodeLog(nodeID, log string) error {
	g, err := s.Load()
	if err != nil {
		return err
	}
	n := g.NodeByID(nodeID)
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	n.Log = log
	return s.Save(g)
}

// RemoveNodeLogs clears the execution record on several nodes with one
// load and one save. Fail-fast on the first unknown id.
func (s *Store) RemoveNodeLogs(nodeIDs []string) (int, error) {
	g, err := s.Load()
	if err != nil {
		return 0, err
	}
	for _, id := range nodeIDs {
		n := g.NodeByID(id)
		if n == nil {
			return 0, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		n.Command, n.Stdout, n.Stderr, n.PID, n.ErrorCode, n.Log = "", "", "", "", "", ""
	}
	if err := s.Save(g); err != nil {
		return 0, err
	}
	return len(nodeIDs), nil
}

// AssignEdgeIDs gives fresh ids to the given edges (matched by position
// in the current graph) and saves once. Used by the scheduler when a
// hand-written workfile carries id-less edges.
func (s *Store) AssignEdgeIDs(pairs [][2]string) (map[[2]string]string, error) {
	g, err := s.Load()
	if err != nil {
		return nil, err
	}
	assigned := make(map[[2]string]string, len(pairs))
	changed := false
	for _, p := range pairs {
		e := g.EdgeBetween(p[0], p[1])
		if e == nil {
			continue
		}
		if e.ID == "" {
			g.SetEdgeID(e, uuid.NewString())
			changed = true
		}
		assigned[p] = e.ID
	}
	if changed {
		if err := s.Save(g); err != nil {
			return nil, err
		}
	}
	return assigned, nil
}

// HasBlockingCycle reports whether the blocking subgraph is cyclic.
func (s *Store) HasBlockingCycle() (bool, error) {
	g, err := s.Load()
	if err != nil {
		return false, err
	}
	return g.HasBlockingCycle(nil), nil
}

func applyStatus(g *datatypes.Graph, kind datatypes.ElementKind, id, value string) error {
	switch kind {
	case datatypes.ElementNode:
		st, err := datatypes.ParseNodeStatus(value)
		if err != nil {
			return err
		}
		n := g.NodeByID(id)
		if n == nil {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		n.Status = st
	case datatypes.ElementEdge:
		st, err := datatypes.ParseEdgeStatus(value)
		if err != nil {
			return err
		}
		e := g.EdgeByID(id)
		if e == nil {
			return fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
		}
		e.Status = st
	default:
		return fmt.Errorf("%w: %s", ErrBadKind, kind)
	}
	return nil
}
