// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphml implements the canonical workfile codec.
//
// Workfiles are GraphML documents: a directed graph whose node, edge, and
// graph attributes are declared through <key> elements and referenced from
// <data> elements. The codec resolves attribute names through the key
// table on decode and emits a fresh key table on encode, so files written
// by other GraphML tooling round-trip cleanly. Attributes the model does
// not know about are preserved verbatim.
package graphml

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/workforce-sh/workforce/services/workspace/datatypes"
)

// Codec serializes graphs to and from a byte stream. The store injects a
// Codec so tests can substitute lighter formats.
type Codec interface {
	Decode(r io.Reader) (*datatypes.Graph, error)
	Encode(w io.Writer, g *datatypes.Graph) error
}

// GraphML is the canonical Codec.
type GraphML struct{}

// New returns the canonical GraphML codec.
func New() *GraphML { return &GraphML{} }

const xmlns = "http://graphml.graphdrawing.org/xmlns"

// Known attribute names, by element.
const (
	attrLabel     = "label"
	attrX         = "x"
	attrY         = "y"
	attrStatus    = "status"
	attrCommand   = "command"
	attrStdout    = "stdout"
	attrStderr    = "stderr"
	attrPID       = "pid"
	attrErrorCode = "error_code"
	attrLog       = "log"
	attrEdgeID    = "id"
	attrEdgeType  = "edge_type"
	attrWrapper   = "wrapper"
)

// =============================================================================
// Document shape
// =============================================================================

type xmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type xmlKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

type xmlNode struct {
	ID   string    `xml:"id,attr"`
	Data []xmlData `xml:"data"`
}

type xmlEdge struct {
	Source string    `xml:"source,attr"`
	Target string    `xml:"target,attr"`
	Data   []xmlData `xml:"data"`
}

type xmlGraph struct {
	EdgeDefault string    `xml:"edgedefault,attr"`
	Data        []xmlData `xml:"data"`
	Nodes       []xmlNode `xml:"node"`
	Edges       []xmlEdge `xml:"edge"`
}

type xmlDoc struct {
	XMLName xml.Name  `xml:"graphml"`
	Xmlns   string    `xml:"xmlns,attr"`
	Keys    []xmlKey  `xml:"key"`
	Graph   *xmlGraph `xml:"graph"`
}

// =============================================================================
// Decode
// =============================================================================

// Decode parses a GraphML document into the typed graph model.
//
// Unknown node and edge attributes land in the Extra maps. Status and
// edge-type values are validated against the closed enumerations; an
// out-of-set value is a decode error rather than silent data.
func (c *GraphML) Decode(r io.Reader) (*datatypes.Graph, error) {
	var doc xmlDoc
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing graphml: %w", err)
	}

	// key id -> attribute name, scoped by element kind
	names := make(map[string]string, len(doc.Keys))
	for _, k := range doc.Keys {
		names[k.ID] = k.AttrName
	}
	resolve := func(d xmlData) string {
		if name, ok := names[d.Key]; ok {
			return name
		}
		// Some writers use the attribute name directly as the key id.
		return d.Key
	}

	g := datatypes.NewGraph()
	if doc.Graph == nil {
		return g, nil
	}

	for _, d := range doc.Graph.Data {
		if resolve(d) == attrWrapper {
			g.Wrapper = d.Value
		}
	}

	for _, xn := range doc.Graph.Nodes {
		n := &datatypes.Node{ID: xn.ID}
		for _, d := range xn.Data {
			switch resolve(d) {
			case attrLabel:
				n.Label = d.Value
			case attrX:
				n.X = parseFloat(d.Value)
			case attrY:
				n.Y = parseFloat(d.Value)
			case attrStatus:
				st, err := datatypes.ParseNodeStatus(d.Value)
				if err != nil {
					return nil, fmt.Errorf("node %s: %w", xn.ID, err)
				}
				n.Status = st
			case attrCommand:
				n.Command = d.Value
			case attrStdout:
				n.Stdout = d.Value
			case attrStderr:
				n.Stderr = d.Value
			case attrPID:
				n.PID = d.Value
			case attrErrorCode:
				n.ErrorCode = d.Value
			case attrLog:
				n.Log = d.Value
			default:
				if n.Extra == nil {
					n.Extra = make(map[string]string)
				}
				n.Extra[resolve(d)] = d.Value
			}
		}
		g.AddNode(n)
	}

	for _, xe := range doc.Graph.Edges {
		e := &datatypes.Edge{
			Source: xe.Source,
			Target: xe.Target,
			Type:   datatypes.EdgeTypeBlocking,
		}
		for _, d := range xe.Data {
			switch resolve(d) {
			case attrEdgeID:
				e.ID = d.Value
			case attrEdgeType:
				et, err := datatypes.ParseEdgeType(d.Value)
				if err != nil {
					return nil, fmt.Errorf("edge %s->%s: %w", xe.Source, xe.Target, err)
				}
				e.Type = et
			case attrStatus:
				st, err := datatypes.ParseEdgeStatus(d.Value)
				if err != nil {
					return nil, fmt.Errorf("edge %s->%s: %w", xe.Source, xe.Target, err)
				}
				e.Status = st
			default:
				if e.Extra == nil {
					e.Extra = make(map[string]string)
				}
				e.Extra[resolve(d)] = d.Value
			}
		}
		g.AddEdge(e)
	}

	g.Reindex()
	return g, nil
}

// =============================================================================
// Encode
// =============================================================================

// Encode writes the graph as a GraphML document.
//
// Key ids are assigned deterministically (sorted attribute names per
// element kind) so repeated saves of an unchanged graph are byte-stable.
func (c *GraphML) Encode(w io.Writer, g *datatypes.Graph) error {
	nodeAttrs := map[string]bool{attrLabel: true, attrX: true, attrY: true, attrStatus: true}
	edgeAttrs := map[string]bool{attrEdgeID: true, attrEdgeType: true, attrStatus: true}
	graphAttrs := map[string]bool{}

	for _, n := range g.Nodes {
		if n.Command != "" {
			nodeAttrs[attrCommand] = true
		}
		if n.Stdout != "" {
			nodeAttrs[attrStdout] = true
		}
		if n.Stderr != "" {
			nodeAttrs[attrStderr] = true
		}
		if n.PID != "" {
			nodeAttrs[attrPID] = true
		}
		if n.ErrorCode != "" {
			nodeAttrs[attrErrorCode] = true
		}
		if n.Log != "" {
			nodeAttrs[attrLog] = true
		}
		for name := range n.Extra {
			nodeAttrs[name] = true
		}
	}
	for _, e := range g.Edges {
		for name := range e.Extra {
			edgeAttrs[name] = true
		}
	}
	if g.Wrapper != "" {
		graphAttrs[attrWrapper] = true
	}

	var keys []xmlKey
	keyID := make(map[string]string) // "for/name" -> key id
	addKeys := func(forKind string, attrs map[string]bool) {
		names := make([]string, 0, len(attrs))
		for name := range attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			id := fmt.Sprintf("d%d", len(keys))
			keys = append(keys, xmlKey{ID: id, For: forKind, AttrName: name, AttrType: "string"})
			keyID[forKind+"/"+name] = id
		}
	}
	addKeys("graph", graphAttrs)
	addKeys("node", nodeAttrs)
	addKeys("edge", edgeAttrs)

	data := func(forKind, name, value string) xmlData {
		return xmlData{Key: keyID[forKind+"/"+name], Value: value}
	}

	xg := &xmlGraph{EdgeDefault: "directed"}
	if g.Wrapper != "" {
		xg.Data = append(xg.Data, data("graph", attrWrapper, g.Wrapper))
	}

	for _, n := range g.Nodes {
		xn := xmlNode{ID: n.ID}
		xn.Data = append(xn.Data,
			data("node", attrLabel, n.Label),
			data("node", attrX, formatFloat(n.X)),
			data("node", attrY, formatFloat(n.Y)),
			data("node", attrStatus, string(n.Status)),
		)
		if n.Command != "" {
			xn.Data = append(xn.Data, data("node", attrCommand, n.Command))
		}
		if n.Stdout != "" {
			xn.Data = append(xn.Data, data("node", attrStdout, n.Stdout))
		}
		if n.Stderr != "" {
			xn.Data = append(xn.Data, data("node", attrStderr, n.Stderr))
		}
		if n.PID != "" {
			xn.Data = append(xn.Data, data("node", attrPID, n.PID))
		}
		if n.ErrorCode != "" {
			xn.Data = append(xn.Data, data("node", attrErrorCode, n.ErrorCode))
		}
		if n.Log != "" {
			xn.Data = append(xn.Data, data("node", attrLog, n.Log))
		}
		for _, name := range sortedKeys(n.Extra) {
			xn.Data = append(xn.Data, data("node", name, n.Extra[name]))
		}
		xg.Nodes = append(xg.Nodes, xn)
	}

	for _, e := range g.Edges {
		xe := xmlEdge{Source: e.Source, Target: e.Target}
		if e.ID != "" {
			xe.Data = append(xe.Data, data("edge", attrEdgeID, e.ID))
		}
		xe.Data = append(xe.Data,
			data("edge", attrEdgeType, string(e.Type)),
			data("edge", attrStatus, string(e.Status)),
		)
		for _, name := range sortedKeys(e.Extra) {
			xe.Data = append(xe.Data, data("edge", name, e.Extra[name]))
		}
		xg.Edges = append(xg.Edges, xe)
	}

	doc := xmlDoc{Xmlns: xmlns, Keys: keys, Graph: xg}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("writing graphml: %w", err)
	}
	return enc.Close()
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
