// Package projection materializes relational read models from the event log.
// An Engine consumes a store's stream in time-or-count batches and applies
// per-event-type mutation handlers inside one transaction per batch, saving
// the consumer's offset in that same transaction. That coupling is the
// correctness anchor: after a crash the engine resumes at the last committed
// offset and, because handlers are idempotent upserts, redelivered events
// converge to the same table state.
package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/streamhouse/eventlog/pkg/eventstore"
)

// Handler mutates the projection for one event, inside the batch
// transaction. Handlers MUST be idempotent upserts keyed by a stable entity
// id; the log is delivered at-least-once.
type Handler func(ctx context.Context, tx *sql.Tx, ev eventstore.Event) error

// SchemaFn initializes projection tables before the engine starts.
type SchemaFn func(ctx context.Context, db *sql.DB) error

// Projection is a named set of event handlers over a relational table.
// Events whose type has no handler are no-ops that still advance the offset.
type Projection struct {
	name     string
	handlers map[string]Handler
	schemas  []SchemaFn
}

// Builder assembles a Projection.
type Builder struct {
	p *Projection
}

// New starts building a projection with the given name. The name doubles as
// the consumer name for offset tracking, so it must be stable across
// restarts.
func New(name string) *Builder {
	return &Builder{p: &Projection{
		name:     name,
		handlers: make(map[string]Handler),
	}}
}

// On registers the handler for one event type.
func (b *Builder) On(eventType string, h Handler) *Builder {
	b.p.handlers[eventType] = h
	return b
}

// WithSchema registers a table-initialization function, run once before the
// engine starts consuming.
func (b *Builder) WithSchema(fn SchemaFn) *Builder {
	b.p.schemas = append(b.p.schemas, fn)
	return b
}

// Build returns the finished projection.
func (b *Builder) Build() *Projection {
	return b.p
}

// Name returns the projection's name.
func (p *Projection) Name() string { return p.name }

// Init runs the registered schema functions.
func (p *Projection) Init(ctx context.Context, db *sql.DB) error {
	for _, fn := range p.schemas {
		if err := fn(ctx, db); err != nil {
			return fmt.Errorf("projection %s: init schema: %w", p.name, err)
		}
	}
	return nil
}

// Apply dispatches one event to its handler. Returns whether a handler ran.
func (p *Projection) Apply(ctx context.Context, tx *sql.Tx, typeField string, ev eventstore.Event) (bool, error) {
	h, ok := p.handlers[ev.Type(typeField)]
	if !ok {
		return false, nil
	}
	if err := h(ctx, tx, ev); err != nil {
		return false, fmt.Errorf("projection %s: handle %s: %w", p.name, ev.Type(typeField), err)
	}
	return true, nil
}
