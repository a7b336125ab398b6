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
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/workforce-sh/workforce/services/workspace/datatypes"
	"github.com/workforce-sh/workforce/services/workspace/engine"
	"github.com/workforce-sh/workforce/services/workspace/registry"
)

// ListWorkspaces serves the global diagnostics snapshot.
func (a *API) ListWorkspaces(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server": gin.H{
			"host":        a.Host,
			"port":        a.Port,
			"lan_enabled": a.LANEnabled,
		},
		"workspaces": a.Registry.List(),
	})
}

// RegisterWorkspace opens (or returns) the workspace for a workfile
// path.
func (a *API) RegisterWorkspace(c *gin.Context) {
	var req datatypes.RegisterWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path required"})
		return
	}
	e, err := a.Registry.GetOrCreate(req.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_path", "detail": err.Error()})
		return
	}
	clients := clientIDs(e)
	c.JSON(http.StatusOK, gin.H{
		"workspace_id": e.WorkspaceID(),
		"url":          a.WorkspaceURL(e.WorkspaceID()),
		"path":         e.WorkfilePath(),
		"client_count": len(clients),
		"clients":      clients,
	})
}

// ClientConnect attaches a client to a workspace. A connect naming a
// workfile path for a workspace that is not open yet registers it on
// the fly, so clients need no separate register round trip.
func (a *API) ClientConnect(c *gin.Context) {
	var req datatypes.ClientConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("workspace_id")
	e, err := a.Registry.Get(id)
	if errors.Is(err, registry.ErrNotFound) && req.WorkfilePath != "" {
		// Check the path hashes to the requested id before opening
		// anything, so a mismatched connect cannot leak a workspace.
		pathID, pathErr := registry.WorkspaceID(req.WorkfilePath)
		if pathErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_path", "detail": pathErr.Error()})
			return
		}
		if pathID != id {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "workfile path does not match workspace id",
			})
			return
		}
		e, err = a.Registry.GetOrCreate(req.WorkfilePath)
	}
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace_not_found", "workspace_id": id})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	clientType := req.ClientType
	if clientType == "" {
		clientType = engine.ClientGUI
	}
	clientID := e.Connect(clientType, req.SocketioSID)
	c.JSON(http.StatusOK, gin.H{
		"status":       "connected",
		"workspace_id": e.WorkspaceID(),
		"client_id":    clientID,
		"client_type":  clientType,
	})
}

// ClientDisconnect detaches a client. Never an error: a disconnect for
// an unknown client or workspace is logged and acknowledged. When the
// last client leaves, the workspace is torn down once its queue drains.
func (a *API) ClientDisconnect(c *gin.Context) {
	var req datatypes.ClientDisconnectRequest
	_ = c.ShouldBindJSON(&req)
	id := c.Param("workspace_id")
	if e, err := a.Registry.Get(id); err == nil {
		if e.Disconnect(req.ClientID) == 0 {
			if err := a.Registry.Destroy(id, false); err != nil && !errors.Is(err, registry.ErrActiveRun) {
				a.logger().Warn("workspace teardown failed", "workspace_id", id, "error", err)
			}
		}
	} else {
		a.logger().Warn("disconnect for unknown workspace", "workspace_id", id)
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected", "workspace_id": id})
}

// Clients lists attached clients grouped by type.
func (a *API) Clients(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	gui := []string{}
	runner := []string{}
	for id, t := range e.Clients() {
		if t == engine.ClientRunner {
			runner = append(runner, id)
		} else {
			gui = append(gui, id)
		}
	}
	sort.Strings(gui)
	sort.Strings(runner)
	c.JSON(http.StatusOK, gin.H{"gui": gui, "runner": runner})
}

// RemoveWorkspace force-closes a workspace. Removing an absent
// workspace is not an error.
func (a *API) RemoveWorkspace(c *gin.Context) {
	id := c.Param("workspace_id")
	if err := a.Registry.Destroy(id, true); err != nil && !errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "workspace_id": id})
}

// SaveAs copies the workfile to a new path and reports the workspace id
// the copy would have. Refused while a run is active: the copy would
// freeze half-applied statuses.
func (a *API) SaveAs(c *gin.Context) {
	e, ok := a.workspace(c)
	if !ok {
		return
	}
	var req datatypes.SaveAsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "new_path required"})
		return
	}
	if e.HasActiveRun() {
		c.JSON(http.StatusConflict, gin.H{"error": "active_run"})
		return
	}
	g, err := e.Store().Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := e.Store().SaveTo(req.NewPath, g); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_path", "detail": err.Error()})
		return
	}
	newID, err := registry.WorkspaceID(req.NewPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_path", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           "saved",
		"new_path":         req.NewPath,
		"new_workspace_id": newID,
		"new_base_url":     a.WorkspaceURL(newID),
	})
}

func clientIDs(e *engine.Engine) []string {
	clients := e.Clients()
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
