// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

// Package event defines the event model and wire envelope shared by the
// registry, router, batcher, and protocol packages.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is a server-generated notification produced by upstream domain
// logic and distributed to subscribed connections.
//
// An Event is immutable once handed to the router: transformation derives
// a new copy and never mutates the original.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New creates an event of the given type from the given source.
func New(eventType, source string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Metadata:  make(map[string]interface{}),
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a copy of the event with fresh payload and metadata
// maps. Nested string-keyed maps are copied too so transforms can edit
// dotted paths without mutating the original. Nil maps come back as
// empty maps so callers can write into the copy unconditionally.
func (e *Event) Clone() *Event {
	payload := deepCopyMap(e.Payload)
	if payload == nil {
		payload = make(map[string]interface{})
	}
	metadata := deepCopyMap(e.Metadata)
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &Event{
		ID:        e.ID,
		Type:      e.Type,
		Source:    e.Source,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: e.Timestamp,
	}
}

// deepCopyMap copies a string-keyed map, recursing into nested
// string-keyed maps. Other values (slices included) are shared.
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
