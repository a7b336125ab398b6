// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"encoding/json"
	"time"

	"github.com/workforce-sh/workforce/services/workspace/datatypes"
	"github.com/workforce-sh/workforce/services/workspace/events"
)

func jsonMarshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// workerLoop is the single mutation worker. It drains the queue in FIFO
// order; each successful apply is followed by a GRAPH_UPDATED broadcast
// and the operation's scheduling reaction. Whenever the queue falls
// idle the scheduler re-examines stuck edges and settles finished runs.
func (e *Engine) workerLoop() {
	e.logger.Debug("mutation worker started")
	for {
		op, ok := e.queue.Dequeue()
		if !ok {
			e.logger.Debug("mutation worker stopped")
			return
		}
		e.processOp(op)
		if e.queue.Len() == 0 {
			e.scanIdle()
		}
	}
}

func (e *Engine) processOp(op *operation) {
	start := time.Now()
	e.writeSidecar(op)

	if err := op.apply(); err != nil {
		e.logger.Error("mutation failed", "op", op.name, "error", err)
		return
	}
	e.lastMutation.Store(time.Now().UnixNano())
	e.emitGraphUpdated()
	if op.react != nil {
		op.react()
	}
	e.logger.Debug("mutation applied", "op", op.name, "duration_ms", time.Since(start).Milliseconds())
}

// emitGraphUpdated broadcasts the full node-link projection after a
// successful mutation.
func (e *Engine) emitGraphUpdated() {
	g, err := e.store.Load()
	if err != nil {
		e.logger.Error("graph reload after mutation failed", "error", err)
		return
	}
	e.bus.Emit(events.GraphUpdated, map[string]any{
		"workspace_id": e.workspaceID,
		"graph":        g.ToNodeLink(),
	})
}

// scanIdle runs on an empty queue. First pass: re-evaluate edges whose
// completion is still pending; a retrigger guard that blocked earlier may
// pass now that the target settled. Second pass (only when the first
// enqueued nothing): detect and announce completed runs.
func (e *Engine) scanIdle() {
	g, err := e.store.Load()
	if err != nil {
		e.logger.Error("idle scan load failed", "error", err)
		return
	}

	for _, ed := range g.Edges {
		if ed.Status != datatypes.EdgeStatusToRun {
			continue
		}
		e.reactEdgeToRun(g, ed)
	}
	if e.queue.Len() > 0 {
		return
	}

	e.settleRuns(g)
}

// settleRuns emits RUN_COMPLETE for every run with no node queued or
// running and no live edge completion pending, then drops its
// bookkeeping. Dead completions left behind by a failed gate sibling
// are cleared from the workfile on the way out.
func (e *Engine) settleRuns(g *datatypes.Graph) {
	e.mu.Lock()
	var completed []*run
	var deadEdges []string
	for _, r := range e.runs {
		if e.runSettledLocked(g, r) {
			completed = append(completed, r)
		}
	}
	for _, r := range completed {
		delete(e.runs, r.id)
		for nodeID, runID := range e.activeNodeRun {
			if runID == r.id {
				delete(e.activeNodeRun, nodeID)
				delete(e.ready, nodeID)
			}
		}
		for edgeID, runID := range e.edgeRunMap {
			if runID == r.id {
				if ed := g.EdgeByID(edgeID); ed != nil && ed.Status == datatypes.EdgeStatusToRun {
					deadEdges = append(deadEdges, edgeID)
				}
				delete(e.edgeRunMap, edgeID)
			}
		}
	}
	e.mu.Unlock()

	for _, edgeID := range deadEdges {
		e.enqueueInternalStatus(datatypes.ElementEdge, edgeID, "", "")
	}

	for _, r := range completed {
		failed := failedNodes(g, r)
		e.logger.Info("run complete", "run_id", r.id, "failed_nodes", len(failed),
			"duration_ms", time.Since(r.startedAt).Milliseconds())
		e.bus.Emit(events.RunComplete, map[string]any{
			"workspace_id": e.workspaceID,
			"run_id":       r.id,
			"failed_nodes": failed,
		})
	}
}

// runSettledLocked reports whether the run has no outstanding work: no
// node it touched is queued or running, and no edge it owns still holds
// a completion that can fire. Callers hold e.mu.
func (e *Engine) runSettledLocked(g *datatypes.Graph, r *run) bool {
	for nodeID, runID := range e.activeNodeRun {
		if runID != r.id {
			continue
		}
		if n := g.NodeByID(nodeID); n != nil {
			if n.Status == datatypes.NodeStatusRun || n.Status == datatypes.NodeStatusRunning {
				return false
			}
		}
	}
	for edgeID, runID := range e.edgeRunMap {
		if runID != r.id {
			continue
		}
		ed := g.EdgeByID(edgeID)
		if ed == nil || ed.Status != datatypes.EdgeStatusToRun {
			continue
		}
		if edgeStillLive(g, ed) {
			return false
		}
	}
	return true
}

// edgeStillLive reports whether a pending completion can still fire its
// target. A blocking gate is dead when some sibling blocking in-edge
// holds no completion and its source has settled, since that completion
// will never arrive. One failed branch of a join must not pin the whole
// run open.
func edgeStillLive(g *datatypes.Graph, ed *datatypes.Edge) bool {
	target := g.NodeByID(ed.Target)
	if target == nil {
		return false
	}
	if ed.Type == datatypes.EdgeTypeNonBlocking {
		return true
	}
	for _, in := range g.InEdges(target.ID) {
		if in.Type != datatypes.EdgeTypeBlocking || in.Status == datatypes.EdgeStatusToRun {
			continue
		}
		src := g.NodeByID(in.Source)
		if src == nil {
			return false
		}
		if src.Status != datatypes.NodeStatusRun && src.Status != datatypes.NodeStatusRunning {
			return false
		}
	}
	return true
}

func failedNodes(g *datatypes.Graph, r *run) []string {
	failed := []string{}
	for _, n := range g.Nodes {
		if n.Status == datatypes.NodeStatusFail && r.nodes[n.ID] {
			failed = append(failed, n.ID)
		}
	}
	return failed
}
