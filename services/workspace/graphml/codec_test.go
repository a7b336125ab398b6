// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphml

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workforce-sh/workforce/services/workspace/datatypes"
)

func TestRoundTrip(t *testing.T) {
	g := datatypes.NewGraph()
	g.Wrapper = "bash -c '{}'"
	g.AddNode(&datatypes.Node{
		ID: "n1", Label: "echo one", X: 10.5, Y: -3,
		Status: datatypes.NodeStatusRan,
		Command: "echo one", Stdout: "one\n", PID: "99", ErrorCode: "0",
		Extra: map[string]string{"color": "blue"},
	})
	g.AddNode(&datatypes.Node{ID: "n2", Label: "echo two"})
	g.AddEdge(&datatypes.Edge{
		ID: "e1", Source: "n1", Target: "n2",
		Type:   datatypes.EdgeTypeNonBlocking,
		Status: datatypes.EdgeStatusToRun,
		Extra:  map[string]string{"weight": "3"},
	})

	var buf bytes.Buffer
	codec := New()
	require.NoError(t, codec.Encode(&buf, g))

	got, err := codec.Decode(&buf)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
	require.Len(t, got.Edges, 1)

	n1 := got.NodeByID("n1")
	require.NotNil(t, n1)
	assert.Equal(t, "echo one", n1.Label)
	assert.Equal(t, 10.5, n1.X)
	assert.Equal(t, -3.0, n1.Y)
	assert.Equal(t, datatypes.NodeStatusRan, n1.Status)
	assert.Equal(t, "one\n", n1.Stdout)
	assert.Equal(t, "99", n1.PID)
	assert.Equal(t, "blue", n1.Extra["color"], "unknown attributes survive the round trip")

	e1 := got.EdgeByID("e1")
	require.NotNil(t, e1)
	assert.Equal(t, datatypes.EdgeTypeNonBlocking, e1.Type)
	assert.Equal(t, datatypes.EdgeStatusToRun, e1.Status)
	assert.Equal(t, "3", e1.Extra["weight"])

	assert.Equal(t, "bash -c '{}'", got.Wrapper)
}

func TestDecodeDefaults(t *testing.T) {
	// Hand-written file: key ids double as attribute names, no edge id,
	// no edge type.
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<graphml xmlns="http://graphml.graphdrawing.org/xmlns">
  <graph edgedefault="directed">
    <node id="a"><data key="label">echo a</data></node>
    <node id="b"><data key="label">echo b</data></node>
    <edge source="a" target="b"></edge>
  </graph>
</graphml>`

	g, err := New().Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, datatypes.EdgeTypeBlocking, g.Edges[0].Type, "missing edge type means blocking")
	assert.Empty(t, g.Edges[0].ID)
	assert.Equal(t, "echo a", g.NodeByID("a").Label)
	assert.Equal(t, datatypes.NodeStatusNone, g.NodeByID("a").Status)
}

func TestDecodeRejectsUnknownStatus(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<graphml xmlns="http://graphml.graphdrawing.org/xmlns">
  <graph edgedefault="directed">
    <node id="a"><data key="status">exploded</data></node>
  </graph>
</graphml>`
	_, err := New().Decode(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exploded")
}

func TestEncodeDeterministic(t *testing.T) {
	g := datatypes.NewGraph()
	g.AddNode(&datatypes.Node{ID: "a", Label: "x", Extra: map[string]string{"k2": "v", "k1": "v"}})
	g.AddNode(&datatypes.Node{ID: "b", Label: "y"})
	g.AddEdge(&datatypes.Edge{ID: "e", Source: "a", Target: "b", Type: datatypes.EdgeTypeBlocking})

	codec := New()
	var first, second bytes.Buffer
	require.NoError(t, codec.Encode(&first, g))
	require.NoError(t, codec.Encode(&second, g))
	assert.Equal(t, first.String(), second.String(), "repeated saves are byte-stable")
}
