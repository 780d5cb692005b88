// Package schema validates and normalizes event records before they reach
// the broker. A registry holds a common schema shared by every event plus a
// per-type schema selected by the record's type tag. Validation is a pure
// function of the registry and the candidate record.
package schema

import (
	"time"

	"github.com/streamhouse/eventlog/pkg/idgen"
)

// Kind identifies the expected shape of a field value.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
	KindObject Kind = "object"
	KindUUID   Kind = "uuid"
	KindEmail  Kind = "email"
)

// Field constrains a single record field.
type Field struct {
	Kind     Kind
	Required bool

	// Default is invoked when the field is absent from the record.
	// A field with a default is never reported as missing.
	Default func() any
}

// Schema maps field names to their constraints.
type Schema map[string]Field

// Record is a raw or normalized event record.
type Record = map[string]any

// Now is a default generator producing the current UTC time. Typically used
// for occurred-at style fields.
func Now() any {
	return time.Now().UTC()
}

// SortableID is a default generator producing a ULID string.
func SortableID() any {
	return idgen.MustNewSortableID()
}

// merge returns a copy of base with overlay applied on top. Overlay fields
// win on conflict.
func merge(base, overlay Schema) Schema {
	out := make(Schema, len(base)+len(overlay))
	for name, f := range base {
		out[name] = f
	}
	for name, f := range overlay {
		out[name] = f
	}
	return out
}
