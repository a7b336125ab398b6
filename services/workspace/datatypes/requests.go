// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FlexString unmarshals from a JSON string or number. Runner clients have
// historically posted pid and error_code either way.
type FlexString string

// UnmarshalJSON accepts strings, numbers, and null.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// =============================================================================
// Mutation requests (all acknowledged 202 and applied asynchronously)
// =============================================================================

// AddNodeRequest creates a node.
type AddNodeRequest struct {
	Label          string  `json:"label" binding:"required"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Status         string  `json:"status"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// RemoveNodeRequest deletes a node and its incident edges.
type RemoveNodeRequest struct {
	NodeID         string `json:"node_id" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AddEdgeRequest creates an edge. EdgeType defaults to blocking.
type AddEdgeRequest struct {
	Source         string `json:"source" binding:"required"`
	Target         string `json:"target" binding:"required"`
	EdgeType       string `json:"edge_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

// RemoveEdgeRequest deletes the edge between two nodes.
type RemoveEdgeRequest struct {
	Source         string `json:"source" binding:"required"`
	Target         string `json:"target" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// EditEdgeTypeRequest switches an edge between blocking and non-blocking.
type EditEdgeTypeRequest struct {
	Source         string `json:"source" binding:"required"`
	Target         string `json:"target" binding:"required"`
	EdgeType       string `json:"edge_type" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// EditStatusRequest sets the status of a node or edge. RunID stamps the
// edit with run bookkeeping when present.
type EditStatusRequest struct {
	ElementType    string `json:"element_type" binding:"required"`
	ElementID      string `json:"element_id" binding:"required"`
	Value          string `json:"value"`
	RunID          string `json:"run_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// StatusUpdate is one entry of a batch status edit.
type StatusUpdate struct {
	ElementType string `json:"element_type" binding:"required"`
	ElementID   string `json:"element_id" binding:"required"`
	Value       string `json:"value"`
}

// EditStatusesRequest applies a batch of status edits atomically.
type EditStatusesRequest struct {
	Updates        []StatusUpdate `json:"updates" binding:"required,min=1,dive"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// EditNodePositionRequest moves a node.
type EditNodePositionRequest struct {
	NodeID         string  `json:"node_id" binding:"required"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// NodePosition is one entry of a batch position edit.
type NodePosition struct {
	NodeID string  `json:"node_id" binding:"required"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// EditNodePositionsRequest moves several nodes; missing ids are reported,
// valid ones are applied.
type EditNodePositionsRequest struct {
	Positions      []NodePosition `json:"positions" binding:"required,min=1,dive"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// EditWrapperRequest replaces the graph-level command template.
type EditWrapperRequest struct {
	Wrapper        string `json:"wrapper"`
	IdempotencyKey string `json:"idempotency_key"`
}

// EditNodeLabelRequest replaces a node's command text.
type EditNodeLabelRequest struct {
	NodeID         string `json:"node_id" binding:"required"`
	Label          string `json:"label"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SaveNodeLogRequest records an execution. Either the structured fields
// or the legacy Log field is present.
type SaveNodeLogRequest struct {
	NodeID         string     `json:"node_id" binding:"required"`
	Command        string     `json:"command"`
	Stdout         string     `json:"stdout"`
	Stderr         string     `json:"stderr"`
	PID            FlexString `json:"pid"`
	ErrorCode      FlexString `json:"error_code"`
	Log            string     `json:"log"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// RemoveNodeLogsRequest clears the execution record on several nodes.
type RemoveNodeLogsRequest struct {
	NodeIDs        []string `json:"node_ids" binding:"required,min=1"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// =============================================================================
// Lifecycle requests
// =============================================================================

// RegisterWorkspaceRequest opens (or returns) a workspace for a workfile.
type RegisterWorkspaceRequest struct {
	Path string `json:"path" binding:"required"`
}

// ClientConnectRequest attaches a client to a workspace.
type ClientConnectRequest struct {
	WorkfilePath string `json:"workfile_path"`
	ClientType   string `json:"client_type"`
	SocketioSID  string `json:"socketio_sid"`
}

// ClientDisconnectRequest detaches a client.
type ClientDisconnectRequest struct {
	ClientType string `json:"client_type"`
	ClientID   string `json:"client_id"`
}

// RunRequest starts a run. An empty node list means a full pipeline run.
type RunRequest struct {
	Nodes        []string `json:"nodes"`
	ResumeFailed bool     `json:"resume_failed"`
	SocketioSID  string   `json:"socketio_sid"`
}

// SaveAsRequest copies the workfile to a new path.
type SaveAsRequest struct {
	NewPath string `json:"new_path" binding:"required"`
}

// =============================================================================
// Response shapes
// =============================================================================

// RunInfo is one entry of the runs diagnostics endpoint.
type RunInfo struct {
	RunID        string `json:"run_id"`
	SubsetOnly   bool   `json:"subset_only"`
	NodesTotal   int    `json:"nodes_total"`
	NodesRunning int    `json:"nodes_running"`
	NodesFailed  int    `json:"nodes_failed"`
}

// WorkspaceInfo is one entry of the workspaces diagnostics endpoint.
type WorkspaceInfo struct {
	WorkspaceID  string   `json:"workspace_id"`
	WorkfilePath string   `json:"workfile_path"`
	ClientCount  int      `json:"client_count"`
	Clients      []string `json:"clients"`
	CreatedAt    string   `json:"created_at"`
}

// StopResult reports the outcome of a stop request.
type StopResult struct {
	Killed       []int    `json:"killed"`
	Errors       []string `json:"errors"`
	StoppedNodes []string `json:"stopped_nodes"`
}
