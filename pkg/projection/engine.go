package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamhouse/eventlog/pkg/eventstore"
	"github.com/streamhouse/eventlog/pkg/observability"
	"github.com/streamhouse/eventlog/pkg/offset"
)

const (
	defaultMaxInterval = 1000 * time.Millisecond
	defaultMaxCount    = 10
)

// Window is the time-or-count batch boundary: a batch is flushed when it
// holds MaxCount events or MaxInterval has elapsed since the last flush,
// whichever comes first.
type Window struct {
	MaxInterval time.Duration
	MaxCount    int
}

func (w Window) withDefaults() Window {
	if w.MaxInterval <= 0 {
		w.MaxInterval = defaultMaxInterval
	}
	if w.MaxCount <= 0 {
		w.MaxCount = defaultMaxCount
	}
	return w
}

// Config configures an Engine.
type Config struct {
	// Window is the batch boundary. Zero values take the defaults
	// (1000ms / 10 events).
	Window Window

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Engine drives one projection: fetch offset, stream, batch, mutate, commit.
// An engine exclusively owns its consumer name, its projection tables, and
// its broker subscription; running two engines for the same consumer name is
// an operational error, not something the engine guards against.
type Engine struct {
	proj    *Projection
	store   *eventstore.Store
	offsets *offset.Store
	db      *sql.DB
	window  Window

	log     *slog.Logger
	metrics *observability.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine wires a projection to an event store and an offset store. The
// projection tables live in the offset store's database so batch mutations
// and offset saves can share a transaction.
func NewEngine(store *eventstore.Store, offsets *offset.Store, proj *Projection, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		proj:    proj,
		store:   store,
		offsets: offsets,
		db:      offsets.DB(),
		window:  cfg.Window.withDefaults(),
		log:     logger.With("component", "projection", "projection", proj.Name()),
		metrics: cfg.Metrics,
	}
}

// Run consumes the log until ctx is cancelled. Batch failures are logged and
// retried from the last committed offset; the engine never stops consuming
// on its own.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.proj.Init(ctx, e.db); err != nil {
		return err
	}

	pos, err := e.offsets.Fetch(ctx, e.proj.Name())
	if err != nil {
		return err
	}
	from := pos.Offset
	e.log.Info("projection starting", "offset", from, "topic", e.store.Topic())

	for {
		// Each subscription gets its own context so it is torn down
		// before the next one opens; retries must not accumulate
		// consumers on the stream.
		streamCtx, stopStream := context.WithCancel(ctx)
		events, err := e.store.Stream(streamCtx, from)
		if err != nil {
			stopStream()
			if ctx.Err() != nil {
				return nil
			}
			e.log.Error("opening stream failed", "offset", from, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.window.MaxInterval):
			}
			continue
		}

		// consume returns on batch failure so the stream can be
		// re-opened at the last committed offset.
		from = e.consume(ctx, events, from)
		stopStream()
		if ctx.Err() != nil {
			return nil
		}
	}
}

// consume buffers events into window-bounded batches and commits them.
// Returns the offset to resume from.
func (e *Engine) consume(ctx context.Context, events <-chan eventstore.Event, from int64) int64 {
	batch := make([]eventstore.Event, 0, e.window.MaxCount)

	timer := time.NewTimer(e.window.MaxInterval)
	defer timer.Stop()

	flush := func() (int64, bool) {
		if len(batch) == 0 {
			return from, true
		}
		next, err := e.commit(ctx, batch)
		batch = batch[:0]
		if err != nil {
			if ctx.Err() == nil {
				e.log.Error("projection batch failed", "offset", from, "error", err)
				if e.metrics != nil {
					e.metrics.ProjectionErrors.Add(ctx, 1)
				}
			}
			return from, false
		}
		return next, true
	}

	for {
		select {
		case <-ctx.Done():
			return from

		case ev, ok := <-events:
			if !ok {
				from, _ = flush()
				return from
			}
			batch = append(batch, ev)
			if len(batch) >= e.window.MaxCount {
				next, ok := flush()
				if !ok {
					return from
				}
				from = next
				resetTimer(timer, e.window.MaxInterval)
			}

		case <-timer.C:
			next, ok := flush()
			if !ok {
				return from
			}
			from = next
			timer.Reset(e.window.MaxInterval)
		}
	}
}

// commit applies one batch and advances the offset atomically. The new
// offset is the batch's last event offset plus one.
func (e *Engine) commit(ctx context.Context, batch []eventstore.Event) (int64, error) {
	reg := e.store.Registry()

	last, ok := batch[len(batch)-1].Meta(reg.MetadataField())
	if !ok {
		return 0, fmt.Errorf("projection %s: batch event missing metadata", e.proj.Name())
	}
	next := last.Offset + 1

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("projection %s: begin: %w", e.proj.Name(), err)
	}
	defer tx.Rollback()

	changes := 0
	for _, ev := range batch {
		applied, err := e.proj.Apply(ctx, tx, reg.TypeField(), ev)
		if err != nil {
			return 0, err
		}
		if applied {
			changes++
		}
	}

	if err := e.offsets.SaveTx(ctx, tx, offset.Position{
		Consumer:  e.proj.Name(),
		Topic:     last.Topic,
		Partition: last.Partition,
		Offset:    next,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("projection %s: commit: %w", e.proj.Name(), err)
	}

	e.log.Info("projection batch committed", "changes", changes, "offset", next)
	if e.metrics != nil {
		e.metrics.BatchesCommitted.Add(ctx, 1)
		e.metrics.ProjectionChanges.Add(ctx, int64(changes))
		e.metrics.ProjectionOffset.Record(ctx, next)
	}
	return next, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// Name implements runner.Service.
func (e *Engine) Name() string {
	return "projection-" + e.proj.Name()
}

// Start implements runner.Service: it launches Run in the background.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		if err := e.Run(runCtx); err != nil {
			e.log.Error("projection stopped with error", "error", err)
		}
	}()
	return nil
}

// Stop implements runner.Service: it cancels Run and waits for it to wind
// down, closing the stream subscription and discarding any in-flight batch.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("projection %s: stop: %w", e.proj.Name(), ctx.Err())
	}
}
