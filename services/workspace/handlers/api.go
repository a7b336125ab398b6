// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the workspace HTTP surface.
//
// Handlers validate request shape synchronously and answer 4xx for
// malformed input; anything that depends on graph state is enqueued on
// the workspace's mutation worker and acknowledged 202. Read-only
// snapshot endpoints load the workfile directly, which is safe because
// saves are atomic renames.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/workforce-sh/workforce/services/workspace/engine"
	"github.com/workforce-sh/workforce/services/workspace/registry"
)

// API carries the dependencies of every handler.
type API struct {
	Registry   *registry.Registry
	Host       string
	Port       int
	LANEnabled bool
	Logger     *slog.Logger
}

func (a *API) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// BaseURL returns the server's advertised base URL.
func (a *API) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", a.Host, a.Port)
}

// WorkspaceURL returns the base URL of one workspace.
func (a *API) WorkspaceURL(id string) string {
	return a.BaseURL() + "/workspace/" + id
}

// Health reports liveness.
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// workspace resolves the workspace_id path parameter, answering 404
// workspace_not_found when it is not open.
func (a *API) workspace(c *gin.Context) (*engine.Engine, bool) {
	id := c.Param("workspace_id")
	e, err := a.Registry.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace_not_found", "workspace_id": id})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return e, true
}

// idempotencyKey resolves the request's idempotency key: the body field
// wins, the X-Idempotency-Key header backs it up.
func idempotencyKey(c *gin.Context, bodyKey string) string {
	if bodyKey != "" {
		return bodyKey
	}
	return c.GetHeader("X-Idempotency-Key")
}

// queued acknowledges an enqueued mutation.
func queued(c *gin.Context, key string) {
	resp := gin.H{"status": "queued"}
	if key != "" {
		resp["idempotency_key"] = key
	}
	c.JSON(http.StatusAccepted, resp)
}

// enqueue funnels the outcome of an Enqueue* call into the transport:
// validation failures are 400, a closed queue is 503, a replayed
// idempotency key is acknowledged without re-applying, success is 202.
func enqueue(c *gin.Context, key string, err error) {
	if err != nil {
		if errors.Is(err, engine.ErrQueueClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workspace shutting down"})
			return
		}
		if errors.Is(err, engine.ErrDuplicateRequest) {
			c.JSON(http.StatusAccepted, gin.H{"status": "duplicate", "idempotency_key": key})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	queued(c, key)
}
