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
	"github.com/workforce-sh/workforce/services/workspace/events"
)

// Transport event names as clients know them. Node lifecycle events
// collapse into a single status_change stream; the event type rides in
// the payload.
const (
	EventGraphUpdate  = "graph_update"
	EventNodeReady    = "node_ready"
	EventStatusChange = "status_change"
	EventRunComplete  = "run_complete"
)

// Attach subscribes the hub to a workspace bus so every lifecycle event
// reaches the workspace's room.
func (h *Hub) Attach(workspaceID string, bus *events.Bus) {
	bus.Subscribe(events.GraphUpdated, func(ev events.Event) error {
		h.Broadcast(workspaceID, EventGraphUpdate, ev.Payload)
		return nil
	})
	bus.Subscribe(events.NodeReady, func(ev events.Event) error {
		h.Broadcast(workspaceID, EventNodeReady, ev.Payload)
		return nil
	})
	for _, t := range []events.Type{events.NodeStarted, events.NodeFinished, events.NodeFailed} {
		t := t
		bus.Subscribe(t, func(ev events.Event) error {
			payload := make(map[string]any, len(ev.Payload)+1)
			for k, v := range ev.Payload {
				payload[k] = v
			}
			payload["event_type"] = string(t)
			h.Broadcast(workspaceID, EventStatusChange, payload)
			return nil
		})
	}
	bus.Subscribe(events.RunComplete, func(ev events.Event) error {
		h.Broadcast(workspaceID, EventRunComplete, ev.Payload)
		return nil
	})
}
