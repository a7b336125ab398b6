// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the workspace-internal event bus.
//
// Emission is synchronous: handlers run in registration order on the
// emitting goroutine, which for lifecycle events is always the mutation
// worker. A handler panic or error is logged and isolated; remaining
// handlers still run. Every emitted event is also appended to the
// workspace event log.
package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Type identifies a lifecycle event. The set is closed.
type Type string

const (
	// GraphUpdated fires after every successful mutation.
	GraphUpdated Type = "GRAPH_UPDATED"

	// NodeReady fires when scheduling decides a node should execute.
	NodeReady Type = "NODE_READY"

	// NodeStarted fires when a runner reports a live process.
	NodeStarted Type = "NODE_STARTED"

	// NodeFinished fires when a node completes successfully.
	NodeFinished Type = "NODE_FINISHED"

	// NodeFailed fires when a node exits nonzero.
	NodeFailed Type = "NODE_FAILED"

	// RunComplete fires when every node of a run has settled.
	RunComplete Type = "RUN_COMPLETE"
)

// ParseType validates a raw event type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case GraphUpdated, NodeReady, NodeStarted, NodeFinished, NodeFailed, RunComplete:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Event is one bus emission.
type Event struct {
	Type    Type
	Payload map[string]any
}

// Handler consumes an event. Errors are logged, never propagated to the
// emitter.
type Handler func(Event) error

// Bus fans events out to per-type subscriber lists.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	log      *Log
	logger   *slog.Logger
}

// NewBus creates a bus. The event log is optional; pass nil to skip
// persistence (tests do).
func NewBus(log *Log, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Type][]Handler),
		log:      log,
		logger:   logger,
	}
}

// Subscribe registers a handler for one event type. Handlers run in
// registration order.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit appends the event to the log and invokes every subscriber for its
// type, synchronously, in registration order. A failing or panicking
// handler does not stop the rest.
func (b *Bus) Emit(t Type, payload map[string]any) {
	ev := Event{Type: t, Payload: payload}

	if b.log != nil {
		if err := b.log.Append(ev); err != nil {
			b.logger.Warn("event log append failed", "type", t, "error", err)
		}
	}

	b.mu.RLock()
	handlers := b.handlers[t]
	b.mu.RUnlock()

	for i, h := range handlers {
		b.invoke(t, i, h, ev)
	}
}

func (b *Bus) invoke(t Type, idx int, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", t, "handler", idx, "panic", r)
		}
	}()
	if err := h(ev); err != nil {
		b.logger.Warn("event handler failed", "type", t, "handler", idx, "error", err)
	}
}
