// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package router

import (
	"time"

	"github.com/tomtom215/streamgate/internal/event"
)

// Subscription is one connection's registered interest in a set of
// event types, with optional filtering, transformation, and batching.
// A subscription belongs to exactly one connection; removing the
// connection cascades removal of its subscriptions.
type Subscription struct {
	ID           string   `json:"id" validate:"required,max=128"`
	ConnectionID string   `json:"connectionId" validate:"required,max=128"`
	EventTypes   []string `json:"eventTypes" validate:"required,min=1,max=64,dive,required,max=128"`

	Filter    *Filter        `json:"filter,omitempty"`
	Transform *Transform     `json:"transform,omitempty"`
	Priority  event.Priority `json:"priority"`
	Batching  BatchingConfig `json:"batching"`

	// RequiredPermission, when set, restricts delivery to connections
	// whose auth snapshot grants it.
	RequiredPermission string `json:"requiredPermission,omitempty" validate:"max=128"`

	CreatedAt time.Time `json:"createdAt"`
}

// BatchingConfig enables per-subscription batching. Critical-priority
// subscriptions always bypass batching regardless of Enabled.
type BatchingConfig struct {
	Enabled bool          `json:"enabled"`
	MaxSize int           `json:"maxSize" validate:"omitempty,min=1,max=1000"`
	MaxWait time.Duration `json:"maxWait"`
}

// Filter restricts which events a subscription receives. All configured
// predicates are ANDed: the source must match exactly, every metadata
// and payload pair must match, and every condition must hold.
//
// Conditions are a whitelist DSL (field path plus comparator), never
// arbitrary expressions.
type Filter struct {
	Source     string                 `json:"source,omitempty" validate:"max=128"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Conditions []Condition            `json:"conditions,omitempty" validate:"omitempty,max=16,dive"`
}

// Comparison operators permitted in filter conditions.
const (
	OpEqual          = "eq"
	OpNotEqual       = "ne"
	OpGreaterThan    = "gt"
	OpGreaterOrEqual = "gte"
	OpLessThan       = "lt"
	OpLessOrEqual    = "lte"
	OpContains       = "contains"
	OpExists         = "exists"
)

// Condition is a single whitelist predicate against a dotted field path
// in the event payload (or "metadata.<key>" for metadata fields).
type Condition struct {
	Field string      `json:"field" validate:"required,max=256"`
	Op    string      `json:"op" validate:"required,oneof=eq ne gt gte lt lte contains exists"`
	Value interface{} `json:"value,omitempty"`
}

// Transform derives a modified copy of an event for one subscription.
// The original event is never mutated. RemoveFields drops dotted paths
// from the payload, AddFields shallow-merges into it, and RenameFields
// moves a payload value from one path to another.
type Transform struct {
	Enabled      bool                   `json:"enabled"`
	RemoveFields []string               `json:"removeFields,omitempty" validate:"omitempty,max=32,dive,max=256"`
	AddFields    map[string]interface{} `json:"addFields,omitempty"`
	RenameFields map[string]string      `json:"renameFields,omitempty"`
}
