// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/workforce-sh/workforce/services/workspace/handlers"
	"github.com/workforce-sh/workforce/services/workspace/hub"
	"github.com/workforce-sh/workforce/services/workspace/observability"
)

// SetupRoutes wires the full HTTP surface: global diagnostics at the
// root, every workspace-scoped operation under /workspace/:workspace_id,
// the websocket event channel, and the Prometheus scrape endpoint.
func SetupRoutes(router *gin.Engine, api *handlers.API, h *hub.Hub) {
	router.Use(observability.Middleware())

	router.GET("/health", api.Health)
	router.GET("/metrics", observability.MetricsHandler())
	router.GET("/workspaces", api.ListWorkspaces)
	router.POST("/workspace/register", api.RegisterWorkspace)
	router.GET("/ws", h.Handler())

	ws := router.Group("/workspace/:workspace_id")
	{
		ws.GET("/get-graph", api.GetGraph)
		ws.GET("/get-node-log/:node_id", api.GetNodeLog)

		ws.POST("/add-node", api.AddNode)
		ws.POST("/remove-node", api.RemoveNode)
		ws.POST("/add-edge", api.AddEdge)
		ws.POST("/remove-edge", api.RemoveEdge)
		ws.POST("/edit-edge-type", api.EditEdgeType)
		ws.POST("/edit-status", api.EditStatus)
		ws.POST("/edit-statuses", api.EditStatuses)
		ws.POST("/edit-node-position", api.EditNodePosition)
		ws.POST("/edit-node-positions", api.EditNodePositions)
		ws.POST("/edit-wrapper", api.EditWrapper)
		ws.POST("/edit-node-label", api.EditNodeLabel)
		ws.POST("/save-node-log", api.SaveNodeLog)
		ws.POST("/remove-node-logs", api.RemoveNodeLogs)

		ws.POST("/client-connect", api.ClientConnect)
		ws.POST("/client-disconnect", api.ClientDisconnect)
		ws.GET("/clients", api.Clients)

		ws.POST("/run", api.Run)
		ws.GET("/runs", api.Runs)
		ws.POST("/stop", api.Stop)
		ws.POST("/save-as", api.SaveAs)
		ws.DELETE("/", api.RemoveWorkspace)
	}
}
