// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workforce-sh/workforce/services/workspace/events"
)

func dialTestHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", h.Handler())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func joinRoom(t *testing.T, h *Hub, conn *websocket.Conn, workspaceID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{
		"action":       "join_room",
		"workspace_id": workspaceID,
	}))
	require.Eventually(t, func() bool {
		return h.RoomSize(workspaceID) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestBroadcastReachesRoomMembersOnly(t *testing.T) {
	h := New(nil)
	conn := dialTestHub(t, h)
	joinRoom(t, h, conn, "ws-a")

	h.Broadcast("ws-b", "graph_update", map[string]any{"workspace_id": "ws-b"})
	h.Broadcast("ws-a", "graph_update", map[string]any{"workspace_id": "ws-a"})

	env := readEnvelope(t, conn)
	assert.Equal(t, "graph_update", env.Event)
	data := env.Data.(map[string]any)
	assert.Equal(t, "ws-a", data["workspace_id"], "only own-room traffic is delivered")
}

func TestLeaveRoomStopsDelivery(t *testing.T) {
	h := New(nil)
	conn := dialTestHub(t, h)
	joinRoom(t, h, conn, "ws-a")

	require.NoError(t, conn.WriteJSON(map[string]string{
		"action":       "leave_room",
		"workspace_id": "ws-a",
	}))
	require.Eventually(t, func() bool {
		return h.RoomSize("ws-a") == 0
	}, 2*time.Second, 10*time.Millisecond)

	h.Broadcast("ws-a", "graph_update", nil)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "nothing arrives after leaving the room")
}

func TestDisconnectEmptiesRoom(t *testing.T) {
	h := New(nil)
	conn := dialTestHub(t, h)
	joinRoom(t, h, conn, "ws-a")

	conn.Close()
	require.Eventually(t, func() bool {
		return h.RoomSize("ws-a") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAttachBridgesBusToTransport(t *testing.T) {
	h := New(nil)
	conn := dialTestHub(t, h)
	joinRoom(t, h, conn, "wsid")

	bus := events.NewBus(nil, nil)
	h.Attach("wsid", bus)

	bus.Emit(events.NodeReady, map[string]any{
		"workspace_id": "wsid", "node_id": "n1", "label": "echo hi",
	})
	env := readEnvelope(t, conn)
	assert.Equal(t, EventNodeReady, env.Event)
	assert.Equal(t, "n1", env.Data.(map[string]any)["node_id"])
	assert.Equal(t, "echo hi", env.Data.(map[string]any)["label"])

	bus.Emit(events.NodeFailed, map[string]any{
		"workspace_id": "wsid", "node_id": "n1",
	})
	env = readEnvelope(t, conn)
	assert.Equal(t, EventStatusChange, env.Event)
	data := env.Data.(map[string]any)
	assert.Equal(t, string(events.NodeFailed), data["event_type"],
		"terminal statuses share one transport event, told apart by event_type")

	bus.Emit(events.RunComplete, map[string]any{
		"workspace_id": "wsid", "run_id": "r1", "failed_nodes": []string{"n1"},
	})
	env = readEnvelope(t, conn)
	assert.Equal(t, EventRunComplete, env.Event)
}
