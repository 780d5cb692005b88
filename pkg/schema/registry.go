package schema

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/asaskevich/govalidator"
)

// DefaultTypeField is the record field holding the event type tag.
const DefaultTypeField = "type"

// DefaultMetadataField is the record field the store reserves for broker
// metadata (topic, partition, offset).
const DefaultMetadataField = "_kafka"

// Config configures a Registry.
type Config struct {
	// TypeField names the field whose value selects the per-type schema.
	// Defaults to "type".
	TypeField string

	// MetadataField names the field reserved for broker metadata. Callers
	// may never supply it; it is stripped before validation. Defaults to
	// "_kafka".
	MetadataField string

	// Strict controls handling of unregistered event types: true rejects
	// them, false validates against the common schema only and retains
	// unknown fields. There is no default; set it explicitly.
	Strict bool

	// Common is the schema every event must satisfy regardless of type.
	Common Schema
}

// Registry validates candidate event records against a common schema plus a
// per-type schema map. The per-type schemas are merged over the common schema
// at construction, with type-specific fields winning on conflict.
type Registry struct {
	common        Schema
	types         map[string]Schema
	strict        bool
	typeField     string
	metadataField string
}

// NewRegistry builds a registry from a config and per-type schemas.
func NewRegistry(cfg Config, types map[string]Schema) *Registry {
	if cfg.TypeField == "" {
		cfg.TypeField = DefaultTypeField
	}
	if cfg.MetadataField == "" {
		cfg.MetadataField = DefaultMetadataField
	}

	merged := make(map[string]Schema, len(types))
	for name, s := range types {
		merged[name] = merge(cfg.Common, s)
	}

	return &Registry{
		common:        cfg.Common,
		types:         merged,
		strict:        cfg.Strict,
		typeField:     cfg.TypeField,
		metadataField: cfg.MetadataField,
	}
}

// Strict reports whether unregistered event types are rejected.
func (r *Registry) Strict() bool { return r.strict }

// TypeField returns the configured type tag field name.
func (r *Registry) TypeField() string { return r.typeField }

// MetadataField returns the configured metadata field name.
func (r *Registry) MetadataField() string { return r.metadataField }

// Known reports whether an event type is registered.
func (r *Registry) Known(eventType string) bool {
	_, ok := r.types[eventType]
	return ok
}

// Validate checks a candidate record and returns a normalized copy: defaults
// applied, values coerced, and unknown fields stripped (strict) or retained
// (non-strict). The input record is not mutated. Validation aborts on the
// first violation.
func (r *Registry) Validate(rec Record) (Record, error) {
	tag, _ := rec[r.typeField].(string)

	sch, known := r.types[tag]
	if !known {
		if r.strict {
			return nil, &UnknownTypeError{Type: tag}
		}
		sch = r.common
	}

	out := make(Record, len(sch))
	for name, field := range sch {
		if name == r.metadataField {
			// Reserved for the store; never taken from the caller.
			continue
		}

		v, ok := rec[name]
		if !ok || v == nil {
			if field.Default != nil {
				out[name] = field.Default()
				continue
			}
			if field.Required {
				return nil, &ValidationError{Field: name, Reason: "is required"}
			}
			continue
		}

		coerced, err := coerce(field.Kind, v)
		if err != nil {
			return nil, &ValidationError{Field: name, Reason: err.Error()}
		}
		out[name] = coerced
	}

	// Unknown fields pass through only in non-strict mode.
	if !r.strict {
		for name, v := range rec {
			if name == r.metadataField {
				continue
			}
			if _, declared := sch[name]; !declared {
				out[name] = v
			}
		}
	}

	return out, nil
}

// coerce converts v to the canonical representation for kind, or reports why
// it cannot.
func coerce(kind Kind, v any) (any, error) {
	switch kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string, got %T", v)
		}
		return s, nil

	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("must be an integer, got %v", n)
			}
			return int64(n), nil
		}
		return nil, fmt.Errorf("must be an integer, got %T", v)

	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("must be a number, got %T", v)

	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("must be a boolean, got %q", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("must be a boolean, got %T", v)

	case KindTime:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return nil, fmt.Errorf("must be an RFC3339 timestamp, got %q", ts)
			}
			return parsed.UTC(), nil
		case float64:
			// JSON numbers arrive as float64; interpret as epoch millis.
			return time.UnixMilli(int64(ts)).UTC(), nil
		case int64:
			return time.UnixMilli(ts).UTC(), nil
		}
		return nil, fmt.Errorf("must be a timestamp, got %T", v)

	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("must be an object, got %T", v)
		}
		return m, nil

	case KindUUID:
		s, ok := v.(string)
		if !ok || !govalidator.IsUUID(s) {
			return nil, fmt.Errorf("must be a UUID")
		}
		return s, nil

	case KindEmail:
		s, ok := v.(string)
		if !ok || !govalidator.IsEmail(s) {
			return nil, fmt.Errorf("must be an email address")
		}
		return s, nil
	}

	return nil, fmt.Errorf("has unsupported kind %q", kind)
}
