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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workforce-sh/workforce/services/workspace/handlers"
	"github.com/workforce-sh/workforce/services/workspace/hub"
	"github.com/workforce-sh/workforce/services/workspace/registry"
)

type testServer struct {
	t      *testing.T
	router *gin.Engine
	reg    *registry.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	base := t.TempDir()
	h := hub.New(nil)
	reg := registry.New(h, filepath.Join(base, "data"), filepath.Join(base, "cache"), nil)
	t.Cleanup(reg.CloseAll)

	api := &handlers.API{Registry: reg, Host: "127.0.0.1", Port: 5000}
	router := gin.New()
	SetupRoutes(router, api, h)
	return &testServer{t: t, router: router, reg: reg}
}

func (s *testServer) do(method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &decoded),
			"non-JSON response: %s", w.Body.String())
	}
	return w, decoded
}

func (s *testServer) register(path string) string {
	s.t.Helper()
	w, resp := s.do(http.MethodPost, "/workspace/register", gin.H{"path": path})
	require.Equal(s.t, http.StatusOK, w.Code)
	return resp["workspace_id"].(string)
}

// graphEventually polls get-graph until the predicate holds, since
// mutations are acknowledged before they apply.
func (s *testServer) graphEventually(id string, pred func(map[string]any) bool) map[string]any {
	s.t.Helper()
	var last map[string]any
	require.Eventually(s.t, func() bool {
		w, resp := s.do(http.MethodGet, "/workspace/"+id+"/get-graph", nil)
		if w.Code != http.StatusOK {
			return false
		}
		last = resp
		return pred(resp)
	}, 3*time.Second, 20*time.Millisecond)
	return last
}

func graphNodes(g map[string]any) []any {
	nodes, _ := g["nodes"].([]any)
	return nodes
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w, resp := s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])
}

func TestRegisterAndMutateGraph(t *testing.T) {
	s := newTestServer(t)
	id := s.register(filepath.Join(t.TempDir(), "work.graphml"))

	w, resp := s.do(http.MethodPost, "/workspace/"+id+"/add-node",
		gin.H{"label": "echo hi", "x": 10, "y": 20})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "queued", resp["status"])

	g := s.graphEventually(id, func(g map[string]any) bool {
		return len(graphNodes(g)) == 1
	})
	node := graphNodes(g)[0].(map[string]any)
	assert.Equal(t, "echo hi", node["label"])
	nodeID := node["id"].(string)

	w, _ = s.do(http.MethodPost, "/workspace/"+id+"/edit-node-label",
		gin.H{"node_id": nodeID, "label": "echo bye"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	s.graphEventually(id, func(g map[string]any) bool {
		return graphNodes(g)[0].(map[string]any)["label"] == "echo bye"
	})

	w, _ = s.do(http.MethodPost, "/workspace/"+id+"/remove-node", gin.H{"node_id": nodeID})
	assert.Equal(t, http.StatusAccepted, w.Code)
	s.graphEventually(id, func(g map[string]any) bool {
		return len(graphNodes(g)) == 0
	})
}

func TestRegisterSameFileIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "work.graphml")
	assert.Equal(t, s.register(path), s.register(path))
}

func TestUnknownWorkspaceIs404(t *testing.T) {
	s := newTestServer(t)
	w, resp := s.do(http.MethodGet, "/workspace/deadbeefdeadbeef/get-graph", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "workspace_not_found", resp["error"])
}

func TestValidationErrorsAre400(t *testing.T) {
	s := newTestServer(t)
	id := s.register(filepath.Join(t.TempDir(), "work.graphml"))

	w, _ := s.do(http.MethodPost, "/workspace/"+id+"/add-node", gin.H{"x": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code, "label is required")

	w, _ = s.do(http.MethodPost, "/workspace/"+id+"/add-node",
		gin.H{"label": "x", "status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown status is rejected before enqueue")

	w, _ = s.do(http.MethodPost, "/workspace/register", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdempotencyKeyHeader(t *testing.T) {
	s := newTestServer(t)
	id := s.register(filepath.Join(t.TempDir(), "work.graphml"))

	w, resp := s.do(http.MethodPost, "/workspace/"+id+"/add-node",
		gin.H{"label": "once"}, "X-Idempotency-Key", "req-1")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "req-1", resp["idempotency_key"])

	w, resp = s.do(http.MethodPost, "/workspace/"+id+"/add-node",
		gin.H{"label": "once"}, "X-Idempotency-Key", "req-1")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "duplicate", resp["status"], "a replayed key is acknowledged, not re-applied")

	s.graphEventually(id, func(g map[string]any) bool {
		return len(graphNodes(g)) == 1
	})
	time.Sleep(50 * time.Millisecond)
	g := s.graphEventually(id, func(map[string]any) bool { return true })
	assert.Len(t, graphNodes(g), 1, "duplicate key applies once")
}

func TestRunRejectsBlockingCycle(t *testing.T) {
	s := newTestServer(t)
	id := s.register(filepath.Join(t.TempDir(), "work.graphml"))

	for _, label := range []string{"a", "b"} {
		w, _ := s.do(http.MethodPost, "/workspace/"+id+"/add-node", gin.H{"label": label})
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	g := s.graphEventually(id, func(g map[string]any) bool {
		return len(graphNodes(g)) == 2
	})
	a := graphNodes(g)[0].(map[string]any)["id"].(string)
	b := graphNodes(g)[1].(map[string]any)["id"].(string)

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		w, _ := s.do(http.MethodPost, "/workspace/"+id+"/add-edge",
			gin.H{"source": pair[0], "target": pair[1], "edge_type": "blocking"})
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	s.graphEventually(id, func(g map[string]any) bool {
		links, _ := g["links"].([]any)
		return len(links) == 2
	})

	w, resp := s.do(http.MethodPost, "/workspace/"+id+"/run", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "run_blocked_cycle", resp["error"])
}

func TestRunAndStopLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := s.register(filepath.Join(t.TempDir(), "work.graphml"))

	w, _ := s.do(http.MethodPost, "/workspace/"+id+"/add-node", gin.H{"label": "sleep 60"})
	require.Equal(t, http.StatusAccepted, w.Code)
	s.graphEventually(id, func(g map[string]any) bool {
		return len(graphNodes(g)) == 1
	})

	w, resp := s.do(http.MethodPost, "/workspace/"+id+"/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "started", resp["status"])
	assert.NotEmpty(t, resp["run_id"])
	assert.NotEmpty(t, resp["client_id"])

	w, resp = s.do(http.MethodGet, "/workspace/"+id+"/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := resp["runs"].([]any)
	require.Len(t, runs, 1)

	// No runner will ever pick the node up, so the run pins the
	// workspace until stop clears it.
	w, resp = s.do(http.MethodPost, "/workspace/"+id+"/save-as",
		gin.H{"new_path": filepath.Join(t.TempDir(), "copy.graphml")})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "active_run", resp["error"])

	w, resp = s.do(http.MethodPost, "/workspace/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, resp["stopped_nodes"])

	require.Eventually(t, func() bool {
		_, resp := s.do(http.MethodGet, "/workspace/"+id+"/runs", nil)
		runs := resp["runs"].([]any)
		return len(runs) == 0
	}, 3*time.Second, 20*time.Millisecond, "stop settles the run")
}

func TestSaveAs(t *testing.T) {
	s := newTestServer(t)
	id := s.register(filepath.Join(t.TempDir(), "work.graphml"))
	newPath := filepath.Join(t.TempDir(), "copy.graphml")

	w, resp := s.do(http.MethodPost, "/workspace/"+id+"/save-as", gin.H{"new_path": newPath})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "saved", resp["status"])
	assert.Equal(t, newPath, resp["new_path"])
	assert.Len(t, resp["new_workspace_id"], 16)

	newID := s.register(newPath)
	assert.Equal(t, resp["new_workspace_id"], newID)
}

func TestClientConnectDisconnect(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "work.graphml")
	id := s.register(path)

	w, resp := s.do(http.MethodPost, "/workspace/"+id+"/client-connect",
		gin.H{"client_type": "runner"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "connected", resp["status"])
	clientID := resp["client_id"].(string)

	w, resp = s.do(http.MethodGet, "/workspace/"+id+"/clients", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{clientID}, resp["runner"])
	assert.Equal(t, []any{}, resp["gui"])

	w, _ = s.do(http.MethodPost, "/workspace/"+id+"/client-disconnect",
		gin.H{"client_id": clientID})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(http.MethodPost, "/workspace/"+id+"/client-disconnect",
		gin.H{"client_id": clientID})
	assert.Equal(t, http.StatusOK, w.Code, "double disconnect is fine")
}

func TestLastDisconnectClosesWorkspace(t *testing.T) {
	s := newTestServer(t)
	id := s.register(filepath.Join(t.TempDir(), "work.graphml"))

	_, resp := s.do(http.MethodPost, "/workspace/"+id+"/client-connect",
		gin.H{"client_type": "gui"})
	clientID := resp["client_id"].(string)

	w, _ := s.do(http.MethodPost, "/workspace/"+id+"/client-disconnect",
		gin.H{"client_id": clientID})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(http.MethodGet, "/workspace/"+id+"/get-graph", nil)
	assert.Equal(t, http.StatusNotFound, w.Code,
		"the workspace is torn down when its last client leaves")
}

func TestClientConnectAutoRegisters(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "work.graphml")
	id, err := registry.WorkspaceID(path)
	require.NoError(t, err)

	w, resp := s.do(http.MethodPost, "/workspace/"+id+"/client-connect",
		gin.H{"workfile_path": path})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, resp["workspace_id"])
}

func TestClientConnectPathMismatchOpensNothing(t *testing.T) {
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "work.graphml")

	w, resp := s.do(http.MethodPost, "/workspace/0123456789abcdef/client-connect",
		gin.H{"workfile_path": path})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, resp["error"], "does not match")

	_, resp = s.do(http.MethodGet, "/workspaces", nil)
	assert.Empty(t, resp["workspaces"],
		"a mismatched connect must not open a workspace for the wrong path")
}

func TestRemoveWorkspace(t *testing.T) {
	s := newTestServer(t)
	id := s.register(filepath.Join(t.TempDir(), "work.graphml"))

	w, resp := s.do(http.MethodDelete, "/workspace/"+id+"/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "removed", resp["status"])

	w, _ = s.do(http.MethodGet, "/workspace/"+id+"/get-graph", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(http.MethodDelete, "/workspace/"+id+"/", nil)
	assert.Equal(t, http.StatusOK, w.Code, "removing an absent workspace is not an error")
}

func TestGetNodeLog(t *testing.T) {
	s := newTestServer(t)
	id := s.register(filepath.Join(t.TempDir(), "work.graphml"))

	w, _ := s.do(http.MethodPost, "/workspace/"+id+"/add-node", gin.H{"label": "echo hi"})
	require.Equal(t, http.StatusAccepted, w.Code)
	g := s.graphEventually(id, func(g map[string]any) bool {
		return len(graphNodes(g)) == 1
	})
	nodeID := graphNodes(g)[0].(map[string]any)["id"].(string)

	w, resp := s.do(http.MethodGet, "/workspace/"+id+"/get-node-log/"+nodeID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[No log available for this node]", resp["log"])

	w, _ = s.do(http.MethodPost, "/workspace/"+id+"/save-node-log",
		gin.H{"node_id": nodeID, "command": "echo hi", "stdout": "hi\n", "pid": 42, "error_code": "0"})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		_, resp := s.do(http.MethodGet, "/workspace/"+id+"/get-node-log/"+nodeID, nil)
		log, _ := resp["log"].(string)
		return log != "" && log != "[No log available for this node]"
	}, 3*time.Second, 20*time.Millisecond)

	_, resp = s.do(http.MethodGet, "/workspace/"+id+"/get-node-log/"+nodeID, nil)
	log := resp["log"].(string)
	assert.Contains(t, log, "Command: echo hi")
	assert.Contains(t, log, "PID: 42")

	w, resp = s.do(http.MethodGet, "/workspace/"+id+"/get-node-log/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "node_not_found", resp["error"])
}

func TestListWorkspaces(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 2; i++ {
		s.register(filepath.Join(t.TempDir(), fmt.Sprintf("w%d.graphml", i)))
	}

	w, resp := s.do(http.MethodGet, "/workspaces", nil)
	require.Equal(t, http.StatusOK, w.Code)
	server := resp["server"].(map[string]any)
	assert.Equal(t, "127.0.0.1", server["host"])
	assert.Len(t, resp["workspaces"], 2)
}
