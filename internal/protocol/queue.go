// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package protocol

import (
	"sync"

	"github.com/tomtom215/streamgate/internal/event"
)

// Queue is a bounded priority queue for messages that could not be
// transmitted because the transport was down. Messages drain in
// priority order (critical first) and FIFO within a priority.
//
// When the queue is full, pushing a message evicts the single oldest
// entry of the lowest occupied priority, provided the new message
// outranks it. A message that would itself be the lowest-priority
// entry is dropped instead of displacing queued work.
//
// Complexity:
//   - Push: O(1)
//   - Drain: O(n)
//   - Memory: O(capacity) per connection
type Queue struct {
	mu       sync.Mutex
	buckets  [4][]*event.Message // indexed by event.Priority
	size     int
	capacity int
}

// NewQueue creates a queue with the given capacity. A capacity of 0 or
// less defaults to 1000.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{capacity: capacity}
}

// Push enqueues a message. When the queue is full it returns the
// evicted lower-priority message, or the message itself if nothing
// queued ranks below it. The second return reports whether the message
// was accepted.
func (q *Queue) Push(msg *event.Message) (evicted *event.Message, accepted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size < q.capacity {
		q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
		q.size++
		return nil, true
	}

	lowest := q.lowestOccupied()
	if lowest < 0 || event.Priority(lowest) >= msg.Priority {
		// The new message does not outrank anything queued.
		return msg, false
	}

	evicted = q.buckets[lowest][0]
	q.buckets[lowest] = q.buckets[lowest][1:]
	q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
	return evicted, true
}

// Drain removes and returns all queued messages in priority order,
// critical first, FIFO within each priority.
func (q *Queue) Drain() []*event.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*event.Message, 0, q.size)
	for p := int(event.PriorityCritical); p >= int(event.PriorityLow); p-- {
		out = append(out, q.buckets[p]...)
		q.buckets[p] = nil
	}
	q.size = 0
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Clear discards all queued messages.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.buckets {
		q.buckets[p] = nil
	}
	q.size = 0
}

// lowestOccupied returns the lowest priority with at least one queued
// message, or -1 when empty. Must be called with the lock held.
func (q *Queue) lowestOccupied() int {
	for p := int(event.PriorityLow); p <= int(event.PriorityCritical); p++ {
		if len(q.buckets[p]) > 0 {
			return p
		}
	}
	return -1
}
