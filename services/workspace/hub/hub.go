// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hub fans workspace events out to websocket clients.
//
// Clients connect once and join the room of the workspace they care
// about; every room broadcast is a JSON envelope {"event": ..., "data":
// ...}. A slow client drops messages rather than stalling the room.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local workspace server; clients are same-host tools.
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Hub tracks connected clients by room. Rooms are workspace ids.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*client]bool
	logger *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[*client]bool),
		logger: logger,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// clientMessage is what clients send us. The only actions are joining
// and leaving rooms.
type clientMessage struct {
	Action      string `json:"action"`
	WorkspaceID string `json:"workspace_id"`
}

// envelope is what we send clients.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// roomName maps a workspace id to its room.
func roomName(workspaceID string) string { return "ws:" + workspaceID }

// RoomSize returns the number of clients in a workspace's room.
func (h *Hub) RoomSize(workspaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomName(workspaceID)])
}

// Broadcast sends one event to every client in a workspace's room.
func (h *Hub) Broadcast(workspaceID, event string, data any) {
	msg, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Warn("broadcast encode failed", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomName(workspaceID)] {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping message to slow websocket client",
				"workspace_id", workspaceID, "event", event)
		}
	}
}

func (h *Hub) join(workspaceID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[workspaceID]
	if room == nil {
		room = make(map[*client]bool)
		h.rooms[workspaceID] = room
	}
	room[c] = true
}

func (h *Hub) leave(workspaceID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.rooms[workspaceID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, workspaceID)
		}
	}
}

func (h *Hub) dropEverywhere(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
}

// Handler upgrades the connection and serves it until the client goes
// away.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ws, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		c := &client{conn: ws, send: make(chan []byte, sendBufferSize)}
		h.logger.Info("websocket client connected", "remote", ws.RemoteAddr().String())

		go h.writePump(c)
		h.readPump(c)
	}
}

// readPump processes join/leave actions until the connection drops.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.dropEverywhere(c)
		close(c.send)
		c.conn.Close()
		h.logger.Info("websocket client disconnected")
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "join_room":
			if msg.WorkspaceID != "" {
				h.join(roomName(msg.WorkspaceID), c)
				h.logger.Debug("websocket client joined room", "workspace_id", msg.WorkspaceID)
			}
		case "leave_room":
			if msg.WorkspaceID != "" {
				h.leave(roomName(msg.WorkspaceID), c)
			}
		default:
			h.logger.Debug("ignoring unknown websocket action", "action", msg.Action)
		}
	}
}

// writePump owns all writes to the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
