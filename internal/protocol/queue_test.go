// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package protocol

import (
	"fmt"
	"testing"

	"github.com/tomtom215/streamgate/internal/event"
)

func makeMsg(id string, p event.Priority) *event.Message {
	msg := event.NewMessage(event.TypeEvent, nil)
	msg.ID = id
	msg.Priority = p
	return msg
}

func TestQueue_PushAndDrain(t *testing.T) {
	q := NewQueue(10)

	q.Push(makeMsg("low-1", event.PriorityLow))
	q.Push(makeMsg("crit-1", event.PriorityCritical))
	q.Push(makeMsg("norm-1", event.PriorityNormal))
	q.Push(makeMsg("low-2", event.PriorityLow))
	q.Push(makeMsg("high-1", event.PriorityHigh))

	if q.Len() != 5 {
		t.Fatalf("Expected length 5, got %d", q.Len())
	}

	drained := q.Drain()
	want := []string{"crit-1", "high-1", "norm-1", "low-1", "low-2"}
	if len(drained) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(drained))
	}
	for i, id := range want {
		if drained[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, drained[i].ID)
		}
	}

	if q.Len() != 0 {
		t.Errorf("Expected empty queue after drain, got %d", q.Len())
	}
}

func TestQueue_OverflowEvictsLowestPriority(t *testing.T) {
	q := NewQueue(3)

	q.Push(makeMsg("low-1", event.PriorityLow))
	q.Push(makeMsg("low-2", event.PriorityLow))
	q.Push(makeMsg("norm-1", event.PriorityNormal))

	// Queue full. A higher-priority push evicts the oldest low entry.
	evicted, accepted := q.Push(makeMsg("high-1", event.PriorityHigh))
	if !accepted {
		t.Fatal("Expected high-priority message to be accepted")
	}
	if evicted == nil || evicted.ID != "low-1" {
		t.Fatalf("Expected low-1 evicted, got %+v", evicted)
	}
	if q.Len() != 3 {
		t.Errorf("Expected length to stay 3, got %d", q.Len())
	}

	drained := q.Drain()
	want := []string{"high-1", "norm-1", "low-2"}
	for i, id := range want {
		if drained[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, drained[i].ID)
		}
	}
}

func TestQueue_OverflowDropsNonOutrankingMessage(t *testing.T) {
	q := NewQueue(2)

	q.Push(makeMsg("norm-1", event.PriorityNormal))
	q.Push(makeMsg("norm-2", event.PriorityNormal))

	// Equal priority does not outrank anything queued.
	msg := makeMsg("norm-3", event.PriorityNormal)
	evicted, accepted := q.Push(msg)
	if accepted {
		t.Error("Expected equal-priority message to be rejected")
	}
	if evicted != msg {
		t.Errorf("Expected the rejected message back, got %+v", evicted)
	}

	// Lower priority is rejected too.
	evicted, accepted = q.Push(makeMsg("low-1", event.PriorityLow))
	if accepted {
		t.Error("Expected lower-priority message to be rejected")
	}
	if evicted == nil || evicted.ID != "low-1" {
		t.Errorf("Expected low-1 back, got %+v", evicted)
	}

	if q.Len() != 2 {
		t.Errorf("Expected length 2, got %d", q.Len())
	}
}

func TestQueue_OverflowEvictsOldestWithinBucket(t *testing.T) {
	q := NewQueue(4)

	for i := 0; i < 4; i++ {
		q.Push(makeMsg(fmt.Sprintf("low-%d", i), event.PriorityLow))
	}

	for i := 0; i < 3; i++ {
		evicted, accepted := q.Push(makeMsg(fmt.Sprintf("crit-%d", i), event.PriorityCritical))
		if !accepted {
			t.Fatalf("Push %d: expected acceptance", i)
		}
		wantEvicted := fmt.Sprintf("low-%d", i)
		if evicted.ID != wantEvicted {
			t.Errorf("Push %d: expected %s evicted, got %s", i, wantEvicted, evicted.ID)
		}
	}
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue(10)
	q.Push(makeMsg("a", event.PriorityNormal))
	q.Push(makeMsg("b", event.PriorityHigh))

	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Expected empty queue after clear, got %d", q.Len())
	}
	if drained := q.Drain(); len(drained) != 0 {
		t.Errorf("Expected nothing to drain after clear, got %d", len(drained))
	}
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < 1000; i++ {
		if _, accepted := q.Push(makeMsg(fmt.Sprintf("m-%d", i), event.PriorityNormal)); !accepted {
			t.Fatalf("Push %d: expected acceptance within default capacity", i)
		}
	}
	if q.Len() != 1000 {
		t.Errorf("Expected default capacity 1000, got length %d", q.Len())
	}
}
