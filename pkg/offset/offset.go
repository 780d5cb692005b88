// Package offset persists the last-processed log position for named
// consumers. A row is created with defaults on first fetch, so absence is
// never an error. Saves are meant to run inside the same transaction as the
// projection mutations they accompany; SaveTx exists for exactly that.
package offset

import (
	"context"
	"database/sql"
	"fmt"
)

// Position is a consumer's committed place in the log. The next event to
// process is the one at Offset.
type Position struct {
	Consumer  string
	Topic     string
	Partition int
	Offset    int64
}

// Config holds store configuration.
type Config struct {
	// DefaultTopic is recorded when a consumer's row is first created.
	DefaultTopic string

	// AutoMigrate runs pending schema migrations at construction.
	// Enabled by default.
	AutoMigrate bool
}

// Option configures a Store.
type Option func(*Config)

// WithDefaultTopic sets the topic recorded for newly initialized consumers.
func WithDefaultTopic(topic string) Option {
	return func(c *Config) { c.DefaultTopic = topic }
}

// WithAutoMigrate toggles automatic schema migration at construction.
func WithAutoMigrate(enabled bool) Option {
	return func(c *Config) { c.AutoMigrate = enabled }
}

// Store reads and writes consumer positions in a relational table. The table
// may live in the same database as the projection tables; that is what makes
// atomic offset-plus-mutation commits possible.
type Store struct {
	db           *sql.DB
	defaultTopic string
}

// NewStore creates an offset store over db.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	cfg := Config{AutoMigrate: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.AutoMigrate {
		if err := runMigrations(db); err != nil {
			return nil, fmt.Errorf("offset: run migrations: %w", err)
		}
	}

	return &Store{db: db, defaultTopic: cfg.DefaultTopic}, nil
}

// DB returns the underlying database handle for creating transactions.
func (s *Store) DB() *sql.DB { return s.db }

// Fetch returns the position for a consumer, creating a zero-offset row when
// none exists yet.
func (s *Store) Fetch(ctx context.Context, consumer string) (Position, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offsets (consumer_name, topic, partition, "offset")
		VALUES (?, ?, 0, 0)
		ON CONFLICT (consumer_name) DO NOTHING
	`, consumer, s.defaultTopic)
	if err != nil {
		return Position{}, fmt.Errorf("offset: initialize %q: %w", consumer, err)
	}

	var pos Position
	err = s.db.QueryRowContext(ctx, `
		SELECT consumer_name, topic, partition, "offset"
		FROM offsets WHERE consumer_name = ?
	`, consumer).Scan(&pos.Consumer, &pos.Topic, &pos.Partition, &pos.Offset)
	if err != nil {
		return Position{}, fmt.Errorf("offset: fetch %q: %w", consumer, err)
	}
	return pos, nil
}

// Save persists a position in its own transaction. For atomic projection
// updates use SaveTx instead, to avoid dual-write races.
func (s *Store) Save(ctx context.Context, pos Position) error {
	return save(ctx, s.db, pos)
}

// SaveTx persists a position within the caller's transaction, committing the
// offset together with the mutations it accounts for.
func (s *Store) SaveTx(ctx context.Context, tx *sql.Tx, pos Position) error {
	return save(ctx, tx, pos)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func save(ctx context.Context, db execer, pos Position) error {
	if pos.Offset < 0 {
		return fmt.Errorf("offset: negative offset %d for %q", pos.Offset, pos.Consumer)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO offsets (consumer_name, topic, partition, "offset")
		VALUES (?, ?, ?, ?)
		ON CONFLICT (consumer_name) DO UPDATE SET
			topic = excluded.topic,
			partition = excluded.partition,
			"offset" = excluded."offset"
	`, pos.Consumer, pos.Topic, pos.Partition, pos.Offset)
	if err != nil {
		return fmt.Errorf("offset: save %q: %w", pos.Consumer, err)
	}
	return nil
}
