// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/workforce-sh/workforce/services/workspace/datatypes"
)

// GetGraph serves the node-link projection of the workfile.
func (a *API) GetGraph(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	g, err := e.Store().Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, g.ToNodeLink())
}

// GetNodeLog serves a node's execution record as the fixed text block.
func (a *API) GetNodeLog(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	g, err := e.Store().Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	n := g.NodeByID(c.Param("node_id"))
	if n == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "node_not_found", "node_id": c.Param("node_id")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"log": n.FormatExecutionLog()})
}

// =============================================================================
// Enqueued mutations
// =============================================================================

// AddNode queues a node creation.
func (a *API) AddNode(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.AddNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueAddNode(req))
}

// RemoveNode queues a node removal.
func (a *API) RemoveNode(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.RemoveNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueRemoveNode(req))
}

// AddEdge queues an edge creation.
func (a *API) AddEdge(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.AddEdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueAddEdge(req))
}

// RemoveEdge queues an edge removal.
func (a *API) RemoveEdge(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.RemoveEdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueRemoveEdge(req))
}

// EditEdgeType queues an edge type change.
func (a *API) EditEdgeType(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.EditEdgeTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueEditEdgeType(req))
}

// EditStatus queues a single status edit.
func (a *API) EditStatus(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.EditStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueEditStatus(req))
}

// EditStatuses queues a batch status edit.
func (a *API) EditStatuses(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.EditStatusesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueEditStatuses(req))
}

// EditNodePosition queues a node move.
func (a *API) EditNodePosition(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.EditNodePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueEditNodePosition(req))
}

// EditNodePositions queues a batch node move.
func (a *API) EditNodePositions(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.EditNodePositionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueEditNodePositions(req))
}

// EditWrapper queues a wrapper template change.
func (a *API) EditWrapper(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.EditWrapperRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueEditWrapper(req))
}

// EditNodeLabel queues a command text change.
func (a *API) EditNodeLabel(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.EditNodeLabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueEditNodeLabel(req))
}

// SaveNodeLog queues an execution record write.
func (a *API) SaveNodeLog(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.SaveNodeLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueSaveNodeLog(req))
}

// RemoveNodeLogs queues an execution record wipe.
func (a *API) RemoveNodeLogs(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.RemoveNodeLogsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)
	enqueue(c, req.IdempotencyKey, e.EnqueueRemoveNodeLogs(req))
}
