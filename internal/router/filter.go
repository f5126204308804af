// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package router

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/tomtom215/streamgate/internal/event"
)

// matches evaluates the filter against an event. All configured
// predicates are ANDed. A nil filter matches everything.
func (f *Filter) matches(ev *event.Event) (bool, error) {
	if f == nil {
		return true, nil
	}

	if f.Source != "" && f.Source != ev.Source {
		return false, nil
	}

	for key, want := range f.Metadata {
		got, ok := ev.Metadata[key]
		if !ok || !looseEqual(got, want) {
			return false, nil
		}
	}

	for key, want := range f.Payload {
		got, ok := ev.Payload[key]
		if !ok || !looseEqual(got, want) {
			return false, nil
		}
	}

	for _, cond := range f.Conditions {
		ok, err := cond.evaluate(ev)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// evaluate applies a single whitelist condition to the event. Field
// paths prefixed "metadata." resolve against the metadata bag,
// everything else against the payload.
func (c *Condition) evaluate(ev *event.Event) (bool, error) {
	var value interface{}
	var found bool

	if path, ok := strings.CutPrefix(c.Field, "metadata."); ok {
		value, found = lookupPath(ev.Metadata, path)
	} else {
		value, found = lookupPath(ev.Payload, strings.TrimPrefix(c.Field, "payload."))
	}

	switch c.Op {
	case OpExists:
		return found, nil
	case OpEqual:
		return found && looseEqual(value, c.Value), nil
	case OpNotEqual:
		return !found || !looseEqual(value, c.Value), nil
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		if !found {
			return false, nil
		}
		a, aok := toFloat(value)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("condition %q: operator %q requires numeric operands", c.Field, c.Op)
		}
		switch c.Op {
		case OpGreaterThan:
			return a > b, nil
		case OpGreaterOrEqual:
			return a >= b, nil
		case OpLessThan:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpContains:
		if !found {
			return false, nil
		}
		s, sok := value.(string)
		sub, subok := c.Value.(string)
		if !sok || !subok {
			return false, fmt.Errorf("condition %q: operator %q requires string operands", c.Field, c.Op)
		}
		return strings.Contains(s, sub), nil
	default:
		return false, fmt.Errorf("condition %q: unknown operator %q", c.Field, c.Op)
	}
}

// apply derives a transformed copy of the event. The original is never
// mutated; a disabled or nil transform returns the event unchanged.
func (t *Transform) apply(ev *event.Event) *event.Event {
	if t == nil || !t.Enabled {
		return ev
	}

	derived := ev.Clone()

	for _, path := range t.RemoveFields {
		removePath(derived.Payload, path)
	}

	for key, value := range t.AddFields {
		derived.Payload[key] = value
	}

	for from, to := range t.RenameFields {
		if value, ok := lookupPath(derived.Payload, from); ok {
			removePath(derived.Payload, from)
			setPath(derived.Payload, to, value)
		}
	}

	return derived
}

// lookupPath resolves a dotted path against nested string-keyed maps.
func lookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	if m == nil || path == "" {
		return nil, false
	}

	parts := strings.Split(path, ".")
	current := m
	for i, part := range parts {
		value, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return value, true
		}
		next, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

// removePath deletes the value at a dotted path, leaving intermediate
// maps in place.
func removePath(m map[string]interface{}, path string) {
	if m == nil || path == "" {
		return
	}

	parts := strings.Split(path, ".")
	current := m
	for i, part := range parts {
		if i == len(parts)-1 {
			delete(current, part)
			return
		}
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return
		}
		current = next
	}
}

// setPath writes a value at a dotted path, creating intermediate maps
// as needed.
func setPath(m map[string]interface{}, path string, value interface{}) {
	if m == nil || path == "" {
		return
	}

	parts := strings.Split(path, ".")
	current := m
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return
		}
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
}

// looseEqual compares filter operands, treating numeric types as
// interchangeable since JSON decoding produces float64.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// toFloat widens any numeric value to float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
