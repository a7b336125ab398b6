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
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeStatus(t *testing.T) {
	for _, valid := range []string{"", "run", "running", "ran", "fail"} {
		st, err := ParseNodeStatus(valid)
		require.NoError(t, err)
		assert.Equal(t, NodeStatus(valid), st)
	}
	_, err := ParseNodeStatus("done")
	assert.Error(t, err)
}

func TestParseEdgeType(t *testing.T) {
	et, err := ParseEdgeType("")
	require.NoError(t, err)
	assert.Equal(t, EdgeTypeBlocking, et, "empty edge type defaults to blocking")

	_, err = ParseEdgeType("soft")
	assert.Error(t, err)
}

func TestComposeCommand(t *testing.T) {
	assert.Equal(t, "echo hi", ComposeCommand("", "echo hi"))
	assert.Equal(t, "echo hi", ComposeCommand("{}", "echo hi"))
	assert.Equal(t, "bash -c 'echo hi'", ComposeCommand("bash -c '{}'", "echo hi"))
	assert.Equal(t, "nice echo hi", ComposeCommand("nice", "echo hi"),
		"wrapper without sigil prepends with a space")
}

func buildGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	for _, id := range []string{"a", "b", "c"} {
		g.AddNode(&Node{ID: id, Label: "echo " + id})
	}
	g.AddEdge(&Edge{ID: "ab", Source: "a", Target: "b", Type: EdgeTypeBlocking})
	g.AddEdge(&Edge{ID: "bc", Source: "b", Target: "c", Type: EdgeTypeBlocking})
	return g
}

func TestRemoveNodeCascades(t *testing.T) {
	g := buildGraph(t)
	require.True(t, g.RemoveNode("b"))
	assert.Nil(t, g.NodeByID("b"))
	assert.Empty(t, g.Edges, "edges incident to the node go with it")
	assert.Nil(t, g.EdgeByID("ab"))
	assert.False(t, g.RemoveNode("b"))
}

func TestRoots(t *testing.T) {
	g := buildGraph(t)
	assert.Equal(t, []string{"a"}, g.Roots())

	g.AddNode(&Node{ID: "d"})
	assert.ElementsMatch(t, []string{"a", "d"}, g.Roots())
}

func TestSubgraphRoots(t *testing.T) {
	g := buildGraph(t)
	// Selecting {b, c} makes b a root: the a->b edge is out of scope.
	roots := g.SubgraphRoots(map[string]bool{"b": true, "c": true})
	assert.Equal(t, []string{"b"}, roots)
}

func TestHasBlockingCycle(t *testing.T) {
	g := buildGraph(t)
	assert.False(t, g.HasBlockingCycle(nil))

	g.AddEdge(&Edge{ID: "ca", Source: "c", Target: "a", Type: EdgeTypeNonBlocking})
	assert.False(t, g.HasBlockingCycle(nil), "non-blocking edges may close loops")

	g.AddEdge(&Edge{ID: "ca2", Source: "c", Target: "a", Type: EdgeTypeBlocking})
	assert.True(t, g.HasBlockingCycle(nil))

	// The cycle is out of scope when the selection cuts it.
	assert.False(t, g.HasBlockingCycle(map[string]bool{"a": true, "b": true}))
}

func TestToNodeLinkStripsExecutionRecord(t *testing.T) {
	g := NewGraph()
	g.AddNode(&Node{
		ID: "n1", Label: "true", Status: NodeStatusRan,
		Command: "true", Stdout: "big output", Stderr: "noise", PID: "42", ErrorCode: "0",
	})
	data := g.ToNodeLink()

	require.Len(t, data.Nodes, 1)
	assert.True(t, data.Directed)
	assert.Equal(t, "{}", data.Graph.Wrapper, "wrapper defaults to the bare sigil")
	assert.Equal(t, "ran", data.Nodes[0].Status)
}

func TestFormatExecutionLog(t *testing.T) {
	t.Run("structured record", func(t *testing.T) {
		n := &Node{Command: "echo hi", Stdout: "hi\n", PID: "7", ErrorCode: "0"}
		log := n.FormatExecutionLog()
		assert.True(t, strings.HasPrefix(log, "=== Node Execution ===\n"))
		assert.Contains(t, log, "Command: echo hi\n")
		assert.Contains(t, log, "PID: 7\n")
		assert.Contains(t, log, "Exit Code: 0\n")
		assert.Contains(t, log, "--- STDOUT ---\nhi\n")
		assert.Contains(t, log, "--- STDERR ---\n")
	})
	t.Run("legacy log", func(t *testing.T) {
		n := &Node{Log: "old style"}
		assert.Equal(t, "old style", n.FormatExecutionLog())
	})
	t.Run("empty", func(t *testing.T) {
		n := &Node{}
		assert.Equal(t, "[No log available for this node]", n.FormatExecutionLog())
	})
}

func TestFlexString(t *testing.T) {
	var req SaveNodeLogRequest
	body := `{"node_id":"n","pid":1234,"error_code":"0"}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, FlexString("1234"), req.PID)
	assert.Equal(t, FlexString("0"), req.ErrorCode)
}
