// Package userview is the user read model: schemas for the user lifecycle
// events on the activity log, and a projection that folds those events into
// a relational users table. Signups and profile edits are both upserts keyed
// by the user id, so a profile edit that arrives before its signup has been
// projected still lands, and replays converge.
package userview

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/streamhouse/eventlog/pkg/eventstore"
	"github.com/streamhouse/eventlog/pkg/projection"
	"github.com/streamhouse/eventlog/pkg/schema"
)

// Event types on the activity log.
const (
	EventUserSignup      = "USER_SIGNUP"
	EventUserEditProfile = "USER_EDIT_PROFILE"
)

// Topic is the activity log topic the user view is built from.
const Topic = "logs"

// StoreConfig returns the event store configuration for the activity log.
// The log is non-strict: services may append event types the user view has
// no schema for, and those pass through validated only against the common
// fields.
func StoreConfig() eventstore.Config {
	return eventstore.Config{
		Topic:         Topic,
		Strict:        false,
		TypeField:     "actionId",
		MetadataField: "_kafka",
		Common: schema.Schema{
			"actionId":   {Kind: schema.KindString, Required: true},
			"actionTime": {Kind: schema.KindTime, Default: schema.Now},
		},
	}
}

// EventSchemas returns the per-type schemas for the user lifecycle events.
// The data payload is an object holding the profile fields; signups carry
// the full profile, edits carry only the changed fields.
func EventSchemas() map[string]schema.Schema {
	return map[string]schema.Schema{
		EventUserSignup: {
			"userId": {Kind: schema.KindUUID, Required: true},
			"data":   {Kind: schema.KindObject, Required: true},
		},
		EventUserEditProfile: {
			"userId": {Kind: schema.KindUUID, Required: true},
			"data":   {Kind: schema.KindObject, Required: true},
		},
	}
}

// profile columns updatable from event data, in DDL order.
var profileColumns = []string{"email", "name", "password"}

// NewProjection builds the users projection. Both handled event types run
// the same upsert: take the event's data object, stamp the user id on it,
// and insert-or-update only the columns the event actually carries.
func NewProjection() *projection.Projection {
	return projection.New("users").
		WithSchema(createUsersTable).
		On(EventUserSignup, upsertUser).
		On(EventUserEditProfile, upsertUser).
		Build()
}

func createUsersTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id       TEXT PRIMARY KEY,
			email    TEXT UNIQUE,
			name     TEXT,
			password TEXT
		)
	`)
	return err
}

func upsertUser(ctx context.Context, tx *sql.Tx, ev eventstore.Event) error {
	id, _ := ev["userId"].(string)
	if id == "" {
		return fmt.Errorf("userview: event missing userId")
	}
	data, _ := ev["data"].(map[string]any)
	if data == nil {
		return fmt.Errorf("userview: event missing data object")
	}

	cols := []string{"id"}
	args := []any{id}
	for _, col := range profileColumns {
		v, ok := data[col]
		if !ok {
			continue
		}
		if col == "password" {
			// Encrypted password blobs are stored as JSON text.
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("userview: encode password: %w", err)
			}
			v = string(b)
		}
		cols = append(cols, col)
		args = append(args, v)
	}

	query := upsertQuery(cols)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("userview: upsert user %s: %w", id, err)
	}
	return nil
}

// upsertQuery builds the insert-or-update statement for the given columns.
// Only the columns present update on conflict, so a partial profile edit
// leaves the other columns alone.
func upsertQuery(cols []string) string {
	placeholders := ""
	set := ""
	colList := ""
	for i, col := range cols {
		if i > 0 {
			colList += ", "
			placeholders += ", "
		}
		colList += col
		placeholders += "?"
		if i > 0 {
			if set != "" {
				set += ", "
			}
			set += col + " = excluded." + col
		}
	}
	q := "INSERT INTO users (" + colList + ") VALUES (" + placeholders + ")"
	if set == "" {
		return q + " ON CONFLICT (id) DO NOTHING"
	}
	return q + " ON CONFLICT (id) DO UPDATE SET " + set
}
