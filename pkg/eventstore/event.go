// Package eventstore provides a schema-validated, append-only event log over
// a single broker topic. Events are free-form records validated against a
// schema registry on publish; the store stamps broker metadata (topic,
// partition, offset) on every event it returns, from Append and from Stream
// alike.
package eventstore

import "time"

// Event is one fact in the log: a mapping of field names to values. The type
// tag field selects its schema; the metadata field is owned by the store.
type Event map[string]any

// Metadata is the delivery metadata the store attaches to events. Offsets
// are 0-based and monotonically increasing within a partition.
type Metadata struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Type returns the event's type tag, or "" when absent.
func (e Event) Type(typeField string) string {
	s, _ := e[typeField].(string)
	return s
}

// Meta returns the broker metadata stamped under metadataField.
func (e Event) Meta(metadataField string) (Metadata, bool) {
	m, ok := e[metadataField].(Metadata)
	return m, ok
}

// OccurredAt returns the event's timestamp field as a time.Time when set.
func (e Event) OccurredAt(timeField string) (time.Time, bool) {
	t, ok := e[timeField].(time.Time)
	return t, ok
}
