// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned when enqueueing after shutdown began.
var ErrQueueClosed = errors.New("mutation queue closed")

// queue is an unbounded FIFO of mutation operations. Enqueue never
// blocks; Dequeue blocks until an operation or close. A channel would
// impose a capacity, and the single-writer contract requires that
// producers are never back-pressured into dropping mutations.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ops    []*operation
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an operation. Fails only after Close.
func (q *queue) Enqueue(op *operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.ops = append(q.ops, op)
	q.cond.Signal()
	return nil
}

// Dequeue blocks for the next operation. The second return is false once
// the queue is closed and drained.
func (q *queue) Dequeue() (*operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ops) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.ops) == 0 {
		return nil, false
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	return op, true
}

// Len reports the number of queued operations.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Close stops further enqueues and wakes the worker. Already-queued
// operations still drain.
func (q *queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
