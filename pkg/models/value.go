package models

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// ValueStatus says what an optional event field asks the store to do.
type ValueStatus int

const (
	// ValueUnknown means the source said nothing about the field; leave it alone.
	ValueUnknown ValueStatus = iota
	// ValueDelete means the source explicitly cleared the field.
	ValueDelete
	// ValueSave means the source supplied a value.
	ValueSave
)

// DeleteMarker is the wire form of an explicit clear: a string holding two double quotes.
const DeleteMarker = `""`

// Value is an event field that may be unknown, explicitly deleted, or set.
// The zero value is unknown.
type Value[T any] struct {
	status ValueStatus
	value  T
}

// Known returns a Value carrying v.
func Known[T any](v T) Value[T] {
	return Value[T]{status: ValueSave, value: v}
}

// Deleted returns a Value asking for the field to be cleared.
func Deleted[T any]() Value[T] {
	return Value[T]{status: ValueDelete}
}

// Unknown returns a Value that leaves the field untouched.
func Unknown[T any]() Value[T] {
	return Value[T]{}
}

func (v Value[T]) Status() ValueStatus { return v.status }
func (v Value[T]) IsUnknown() bool     { return v.status == ValueUnknown }
func (v Value[T]) IsDelete() bool      { return v.status == ValueDelete }
func (v Value[T]) IsSave() bool        { return v.status == ValueSave }

// Get returns the carried value, or the zero T unless IsSave.
func (v Value[T]) Get() T {
	return v.value
}

// Ptr returns a pointer to the carried value, or nil unless IsSave.
func (v Value[T]) Ptr() *T {
	if v.status != ValueSave {
		return nil
	}
	out := v.value
	return &out
}

// MarshalJSON writes unknown as null and delete as the delete marker.
func (v Value[T]) MarshalJSON() ([]byte, error) {
	switch v.status {
	case ValueSave:
		return json.Marshal(v.value)
	case ValueDelete:
		return json.Marshal(DeleteMarker)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON reads null and empty strings as unknown and the delete marker as delete.
func (v *Value[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = Value[T]{}
		return nil
	}

	var marker string
	if err := json.Unmarshal(trimmed, &marker); err == nil {
		switch marker {
		case "":
			*v = Value[T]{}
			return nil
		case DeleteMarker:
			*v = Deleted[T]()
			return nil
		}
	}

	var out T
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return err
	}
	*v = Known(out)
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML envelopes.
func (v *Value[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && (node.Tag == "!!null" || node.Value == "") {
		*v = Value[T]{}
		return nil
	}
	if node.Kind == yaml.ScalarNode && node.Value == DeleteMarker {
		*v = Deleted[T]()
		return nil
	}

	var out T
	if err := node.Decode(&out); err != nil {
		return err
	}
	*v = Known(out)
	return nil
}
