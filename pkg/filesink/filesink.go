// Package filesink mirrors the event log into a JSON-lines file. The file
// is its own checkpoint: on start the sink reads the last line carrying
// broker metadata and resumes from that offset plus one, so restarts append
// exactly where the previous run left off instead of duplicating lines.
package filesink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/streamhouse/eventlog/pkg/eventstore"
)

// Config configures a Sink.
type Config struct {
	// Path is the JSON-lines file to append to. Required. Created on
	// first write if absent.
	Path string

	Logger *slog.Logger
}

// Sink copies every event of one topic into a file, one JSON object per
// line, in log order.
type Sink struct {
	store *eventstore.Store
	path  string
	log   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a sink over store writing to cfg.Path.
func New(store *eventstore.Store, cfg Config) (*Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("filesink: config.Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Sink{
		store: store,
		path:  cfg.Path,
		log:   logger.With("component", "filesink", "path", cfg.Path),
	}, nil
}

// Run mirrors the log into the file until ctx is cancelled. Write errors are
// fatal for the sink; stream interruptions are retried from the last written
// offset.
func (s *Sink) Run(ctx context.Context) error {
	from, err := s.resumeOffset()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("filesink: open %s: %w", s.path, err)
	}
	defer f.Close()

	s.log.Info("file sink starting", "offset", from)

	for {
		streamCtx, stopStream := context.WithCancel(ctx)
		events, err := s.store.Stream(streamCtx, from)
		if err != nil {
			stopStream()
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("opening stream failed", "offset", from, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		from, err = s.copy(events, f, from)
		stopStream()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// copy appends events to f until the stream closes. Returns the offset to
// resume from.
func (s *Sink) copy(events <-chan eventstore.Event, f *os.File, from int64) (int64, error) {
	metaField := s.store.Registry().MetadataField()

	for ev := range events {
		meta, ok := ev.Meta(metaField)
		if !ok {
			return from, fmt.Errorf("filesink: event missing metadata")
		}

		line, err := json.Marshal(ev)
		if err != nil {
			return from, fmt.Errorf("filesink: encode event at offset %d: %w", meta.Offset, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return from, fmt.Errorf("filesink: write event at offset %d: %w", meta.Offset, err)
		}
		from = meta.Offset + 1
	}
	return from, nil
}

// resumeOffset scans the file for the last line carrying broker metadata and
// returns its offset plus one. A missing file, or one without any metadata
// line, means start from zero. Unparseable lines are skipped, not fatal: a
// torn final line from a crashed run must not wedge the sink.
func (s *Sink) resumeOffset() (int64, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("filesink: open %s: %w", s.path, err)
	}
	defer f.Close()

	metaField := s.store.Registry().MetadataField()

	var next int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		meta, ok := ev[metaField].(map[string]any)
		if !ok {
			continue
		}
		if off, ok := meta["offset"].(float64); ok {
			next = int64(off) + 1
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("filesink: scan %s: %w", s.path, err)
	}
	return next, nil
}

// Name implements runner.Service.
func (s *Sink) Name() string {
	return "filesink-" + s.store.Topic()
}

// Start implements runner.Service: it launches Run in the background.
func (s *Sink) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.Run(runCtx); err != nil {
			s.log.Error("file sink stopped with error", "error", err)
		}
	}()
	return nil
}

// Stop implements runner.Service: it cancels Run and waits for it to wind
// down.
func (s *Sink) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("filesink: stop: %w", ctx.Err())
	}
}
