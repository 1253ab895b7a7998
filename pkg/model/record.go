// Package model defines the runtime shapes the core moves data between:
// Record (a store-shaped entity instance), DTO (the wire-shaped map
// exchanged with clients), and IncludeTree (the per-request shaping of
// which related entities are serialized).
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/loomstack/loom/pkg/meta"
)

// ErrUnknownProperty is returned when a value is read or written under a
// name the record's model does not declare.
var ErrUnknownProperty = errors.New("unknown property")

// DTO is the wire-shaped representation of an entity. Navigation
// properties nest as DTOs or []DTO.
type DTO map[string]any

// Key returns the DTO's primary key value for the given model, or nil.
func (d DTO) Key(m *meta.Model) any {
	if d == nil {
		return nil
	}
	return d[m.KeyProp().Name]
}

// Record is one entity instance: a row-shaped bag of values described by
// an immutable Model. Navigation properties hold *Record or []*Record.
type Record struct {
	model  *meta.Model
	values map[string]any
}

// NewRecord returns an empty record of the given model, with property
// defaults applied.
func NewRecord(m *meta.Model) *Record {
	r := &Record{model: m, values: make(map[string]any, len(m.Props))}
	for _, p := range m.Props {
		if p.DefaultValue != nil {
			r.values[p.Name] = p.DefaultValue
		}
	}
	return r
}

// Model returns the record's metadata.
func (r *Record) Model() *meta.Model { return r.model }

// Get returns the value of the named property, or nil when unset.
func (r *Record) Get(name string) any { return r.values[name] }

// Set writes the value of the named property.
// Returns ErrUnknownProperty for names the model does not declare.
func (r *Record) Set(name string, v any) error {
	if r.model.Prop(name) == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, r.model.Name, name)
	}
	r.values[name] = v
	return nil
}

// Key returns the primary key value, or nil when unset.
func (r *Record) Key() any { return r.values[r.model.KeyProp().Name] }

// SetKey writes the primary key value.
func (r *Record) SetKey(v any) { r.values[r.model.KeyProp().Name] = v }

// HasKey reports whether the record carries a usable primary key.
func (r *Record) HasKey() bool { return !KeyAbsent(r.Key()) }

// Clone returns a shallow copy of the record. Navigation values are
// shared, not copied.
func (r *Record) Clone() *Record {
	c := &Record{model: r.model, values: make(map[string]any, len(r.values))}
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// KeyAbsent reports whether v counts as "no primary key": nil, the empty
// string, or a numeric zero. Stores in this module never assign zero keys,
// so a zero key always means the row has not been persisted.
func KeyAbsent(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	if f, ok := AsNumber(v); ok {
		return f == 0
	}
	return false
}

// KeyEqual compares two primary key values, tolerating the numeric type
// drift between JSON decoding (float64) and store reads (int64).
func KeyEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a == b {
		return true
	}
	af, aok := AsNumber(a)
	bf, bok := AsNumber(b)
	return aok && bok && af == bf
}

// AsNumber coerces the numeric types a value may arrive as to float64.
func AsNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// ValueEqual compares two property values for dirty-checking purposes:
// strict equality with a value-equality fallback for times and numbers.
func ValueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	at, aIsTime := asTime(a)
	bt, bIsTime := asTime(b)
	if aIsTime || bIsTime {
		return aIsTime && bIsTime && at.Equal(bt)
	}
	if af, ok := AsNumber(a); ok {
		bf, bok := AsNumber(b)
		return bok && af == bf
	}
	return a == b
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	}
	return time.Time{}, false
}
