package projection_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/streamhouse/eventlog/pkg/broker"
	"github.com/streamhouse/eventlog/pkg/eventstore"
	"github.com/streamhouse/eventlog/pkg/offset"
	"github.com/streamhouse/eventlog/pkg/projection"
	"github.com/streamhouse/eventlog/pkg/schema"
)

type fixture struct {
	store   *eventstore.Store
	offsets *offset.Store
	db      *sql.DB
	conn    *broker.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	srv, err := broker.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	conn, err := broker.DialRetry(context.Background(), broker.Config{URL: srv.URL()})
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	store, err := eventstore.New(context.Background(), conn, eventstore.Config{
		Topic:  "logs",
		Strict: false,
		Common: schema.Schema{
			"type": {Kind: schema.KindString, Required: true},
		},
	}, nil)
	require.NoError(t, err)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	offsets, err := offset.NewStore(db, offset.WithDefaultTopic("logs"))
	require.NoError(t, err)

	return &fixture{store: store, offsets: offsets, db: db, conn: conn}
}

// itemsProjection counts value updates per item id, via idempotent upserts.
func itemsProjection(name string) *projection.Projection {
	return projection.New(name).
		WithSchema(func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS items (
					id TEXT PRIMARY KEY,
					value TEXT NOT NULL
				)
			`)
			return err
		}).
		On("ITEM_SET", func(ctx context.Context, tx *sql.Tx, ev eventstore.Event) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO items (id, value) VALUES (?, ?)
				ON CONFLICT (id) DO UPDATE SET value = excluded.value
			`, ev["itemId"], ev["value"])
			return err
		}).
		Build()
}

func appendItem(t *testing.T, f *fixture, id, value string) eventstore.Event {
	t.Helper()
	ev, err := f.store.Append(context.Background(), eventstore.Event{
		"type":   "ITEM_SET",
		"itemId": id,
		"value":  value,
	})
	require.NoError(t, err)
	return ev
}

func itemValue(t *testing.T, db *sql.DB, id string) (string, bool) {
	t.Helper()
	var v string
	err := db.QueryRow(`SELECT value FROM items WHERE id = ?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false
	}
	require.NoError(t, err)
	return v, true
}

func waitForOffset(t *testing.T, offsets *offset.Store, consumer string, want int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		pos, err := offsets.Fetch(context.Background(), consumer)
		require.NoError(t, err)
		if pos.Offset >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("consumer %s never reached offset %d", consumer, want)
}

func TestEngineProjectsAndAdvancesOffset(t *testing.T) {
	f := newFixture(t)

	appendItem(t, f, "a", "one")
	appendItem(t, f, "a", "two")
	appendItem(t, f, "b", "three")

	eng := projection.NewEngine(f.store, f.offsets, itemsProjection("items"), projection.Config{
		Window: projection.Window{MaxInterval: 50 * time.Millisecond, MaxCount: 10},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	waitForOffset(t, f.offsets, "items", 3)

	v, ok := itemValue(t, f.db, "a")
	require.True(t, ok)
	assert.Equal(t, "two", v, "later events win per entity")

	v, ok = itemValue(t, f.db, "b")
	require.True(t, ok)
	assert.Equal(t, "three", v)
}

func TestEngineCountFlush(t *testing.T) {
	f := newFixture(t)

	// A long interval forces flushing on count alone.
	eng := projection.NewEngine(f.store, f.offsets, itemsProjection("items"), projection.Config{
		Window: projection.Window{MaxInterval: time.Hour, MaxCount: 2},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	appendItem(t, f, "a", "one")
	appendItem(t, f, "a", "two")

	waitForOffset(t, f.offsets, "items", 2)
}

func TestEngineUnhandledEventsAdvanceOffset(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Append(context.Background(), eventstore.Event{"type": "IGNORED"})
	require.NoError(t, err)
	_, err = f.store.Append(context.Background(), eventstore.Event{"type": "IGNORED"})
	require.NoError(t, err)

	eng := projection.NewEngine(f.store, f.offsets, itemsProjection("items"), projection.Config{
		Window: projection.Window{MaxInterval: 50 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	waitForOffset(t, f.offsets, "items", 2)
}

func TestEngineResumesFromCommittedOffset(t *testing.T) {
	f := newFixture(t)

	appendItem(t, f, "a", "one")
	appendItem(t, f, "b", "two")

	run := func() func() {
		eng := projection.NewEngine(f.store, f.offsets, itemsProjection("items"), projection.Config{
			Window: projection.Window{MaxInterval: 50 * time.Millisecond},
		})
		require.NoError(t, eng.Start(context.Background()))
		return func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			require.NoError(t, eng.Stop(stopCtx))
		}
	}

	stop := run()
	waitForOffset(t, f.offsets, "items", 2)
	stop()

	// Append more while no engine runs, then resume with a fresh engine.
	// The final state must match an uninterrupted replay.
	appendItem(t, f, "a", "three")
	appendItem(t, f, "c", "four")

	stop = run()
	defer stop()
	waitForOffset(t, f.offsets, "items", 4)

	for id, want := range map[string]string{"a": "three", "b": "two", "c": "four"} {
		v, ok := itemValue(t, f.db, id)
		require.True(t, ok, "row %s", id)
		assert.Equal(t, want, v, "row %s", id)
	}
}

func TestProjectionApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)

	proj := itemsProjection("items")
	require.NoError(t, proj.Init(context.Background(), f.db))

	ev1 := appendItem(t, f, "a", "one")
	ev2 := appendItem(t, f, "a", "two")

	applyBatch := func() {
		tx, err := f.db.Begin()
		require.NoError(t, err)
		for _, ev := range []eventstore.Event{ev1, ev2} {
			_, err := proj.Apply(context.Background(), tx, "type", ev)
			require.NoError(t, err)
		}
		require.NoError(t, tx.Commit())
	}

	applyBatch()
	v, _ := itemValue(t, f.db, "a")
	require.Equal(t, "two", v)

	// Replaying the identical ordered batch changes nothing.
	applyBatch()
	v, _ = itemValue(t, f.db, "a")
	assert.Equal(t, "two", v)

	var count int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestEngineBatchFailureDoesNotAdvanceOffset(t *testing.T) {
	f := newFixture(t)

	// Handler that always fails: the batch must never commit and the
	// offset must stay at zero while the engine keeps running.
	failing := projection.New("failing").
		WithSchema(func(ctx context.Context, db *sql.DB) error { return nil }).
		On("ITEM_SET", func(ctx context.Context, tx *sql.Tx, ev eventstore.Event) error {
			return assert.AnError
		}).
		Build()

	appendItem(t, f, "a", "one")

	eng := projection.NewEngine(f.store, f.offsets, failing, projection.Config{
		Window: projection.Window{MaxInterval: 30 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	time.Sleep(500 * time.Millisecond)

	pos, err := f.offsets.Fetch(context.Background(), "failing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos.Offset)
}

func TestEngineRetriesDoNotAccumulateConsumers(t *testing.T) {
	f := newFixture(t)

	failing := projection.New("failing").
		WithSchema(func(ctx context.Context, db *sql.DB) error { return nil }).
		On("ITEM_SET", func(ctx context.Context, tx *sql.Tx, ev eventstore.Event) error {
			return assert.AnError
		}).
		Build()

	appendItem(t, f, "a", "one")

	// A short window forces many re-open cycles; each must tear down its
	// subscription before the next one opens.
	eng := projection.NewEngine(f.store, f.offsets, failing, projection.Config{
		Window: projection.Window{MaxInterval: 30 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	time.Sleep(700 * time.Millisecond)

	info, err := f.conn.JetStream().StreamInfo("logs")
	require.NoError(t, err)
	assert.LessOrEqual(t, info.State.Consumers, 2,
		"retried batches must reuse one subscription slot, not leak consumers")
}
