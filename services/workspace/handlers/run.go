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
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/workforce-sh/workforce/services/workspace/datatypes"
	"github.com/workforce-sh/workforce/services/workspace/engine"
	"github.com/workforce-sh/workforce/services/workspace/observability"
)

// Run starts a pipeline run and attaches the requesting runner as a
// client. An empty selection runs the whole graph from its roots.
func (a *API) Run(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	// A bare POST with no body is a full run.
	var req datatypes.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := e.StartRun(req)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrBlockedCycle):
			c.JSON(http.StatusBadRequest, gin.H{"error": "run_blocked_cycle"})
		case errors.Is(err, engine.ErrRunUnknownNode):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	observability.RunsStarted.Inc()

	clientID := e.Connect(engine.ClientRunner, req.SocketioSID)
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "started",
		"run_id":    runID,
		"client_id": clientID,
	})
}

// Runs lists the active runs with their progress counters.
func (a *API) Runs(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	runs, err := e.Runs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []datatypes.RunInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// Stop kills the processes of running nodes and clears in-flight
// statuses.
func (a *API) Stop(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	result, err := e.Stop()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
