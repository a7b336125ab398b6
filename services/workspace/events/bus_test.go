// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTypeClosedSet(t *testing.T) {
	for _, valid := range []string{
		"GRAPH_UPDATED", "NODE_READY", "NODE_STARTED",
		"NODE_FINISHED", "NODE_FAILED", "RUN_COMPLETE",
	} {
		got, err := ParseType(valid)
		require.NoError(t, err)
		assert.Equal(t, Type(valid), got)
	}
	_, err := ParseType("NODE_EXPLODED")
	assert.Error(t, err)
}

func TestEmitOrderAndIsolation(t *testing.T) {
	bus := NewBus(nil, nil)

	var calls []string
	bus.Subscribe(NodeReady, func(ev Event) error {
		calls = append(calls, "first:"+ev.Payload["node_id"].(string))
		return errors.New("boom")
	})
	bus.Subscribe(NodeReady, func(Event) error {
		calls = append(calls, "panic")
		panic("handler bug")
	})
	bus.Subscribe(NodeReady, func(Event) error {
		calls = append(calls, "last")
		return nil
	})
	bus.Subscribe(NodeFailed, func(Event) error {
		calls = append(calls, "wrong type")
		return nil
	})

	bus.Emit(NodeReady, map[string]any{"node_id": "n1"})

	assert.Equal(t, []string{"first:n1", "panic", "last"}, calls,
		"handlers run in order; errors and panics do not stop the rest")
}

func TestEmitAppendsToLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	log, err := NewLog(path, 0)
	require.NoError(t, err)

	bus := NewBus(log, nil)
	bus.Emit(GraphUpdated, map[string]any{"workspace_id": "abc"})
	bus.Emit(RunComplete, map[string]any{"run_id": "r1"})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []logLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ll logLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ll))
		lines = append(lines, ll)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 2)
	assert.Equal(t, GraphUpdated, lines[0].Type)
	assert.Equal(t, "abc", lines[0].Payload["workspace_id"])
	assert.True(t, strings.HasSuffix(lines[0].Timestamp, "Z"), "timestamps are UTC")
	assert.Equal(t, RunComplete, lines[1].Type)
}

func TestLogRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	log, err := NewLog(path, 64)
	require.NoError(t, err)

	// Each line is well past 64 bytes, so every append after the first
	// rotates the previous file aside.
	for i := 0; i < 3; i++ {
		require.NoError(t, log.Append(Event{
			Type:    GraphUpdated,
			Payload: map[string]any{"workspace_id": strings.Repeat("x", 80)},
		}))
	}

	for _, name := range []string{"events.log", "events.log.1", "events.log.2"} {
		_, err := os.Stat(filepath.Join(filepath.Dir(path), name))
		assert.NoError(t, err, name)
	}
}
