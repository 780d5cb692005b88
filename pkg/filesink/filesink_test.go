package filesink_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/eventlog/pkg/broker"
	"github.com/streamhouse/eventlog/pkg/eventstore"
	"github.com/streamhouse/eventlog/pkg/filesink"
	"github.com/streamhouse/eventlog/pkg/schema"
)

func newTestStore(t *testing.T) *eventstore.Store {
	t.Helper()

	srv, err := broker.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	conn, err := broker.DialRetry(context.Background(), broker.Config{URL: srv.URL()})
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	store, err := eventstore.New(context.Background(), conn, eventstore.Config{
		Topic:         "logs",
		TypeField:     "actionId",
		MetadataField: "_kafka",
		Common: schema.Schema{
			"actionId": {Kind: schema.KindString, Required: true},
		},
	}, nil)
	require.NoError(t, err)
	return store
}

func appendSeq(t *testing.T, store *eventstore.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Append(context.Background(), eventstore.Event{
			"actionId": "PAGE_VIEW",
			"seq":      i,
		})
		require.NoError(t, err)
	}
}

func runSink(t *testing.T, store *eventstore.Store, path string) func() {
	t.Helper()
	sink, err := filesink.New(store, filesink.Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, sink.Start(context.Background()))
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sink.Stop(ctx)
	}
	t.Cleanup(stop)
	return stop
}

func fileLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func waitForLines(t *testing.T, path string, want int) []string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		lines := fileLines(t, path)
		if len(lines) >= want {
			return lines
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("file %s never reached %d lines", path, want)
	return nil
}

func lineOffset(t *testing.T, line string) int64 {
	t.Helper()
	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	meta, ok := ev["_kafka"].(map[string]any)
	require.True(t, ok, "line missing metadata: %s", line)
	off, ok := meta["offset"].(float64)
	require.True(t, ok)
	return int64(off)
}

func TestSinkWritesEventsInOrder(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "app.log")

	appendSeq(t, store, 3)
	runSink(t, store, path)

	lines := waitForLines(t, path, 3)
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.Equal(t, int64(i), lineOffset(t, line))
	}
}

func TestSinkResumesFromFileOffset(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "app.log")

	appendSeq(t, store, 3)
	stop := runSink(t, store, path)
	waitForLines(t, path, 3)
	stop()

	// More events land while no sink runs; a fresh sink picks up from the
	// file's own last offset, without rewriting earlier lines.
	appendSeq(t, store, 2)
	runSink(t, store, path)

	lines := waitForLines(t, path, 5)
	require.Len(t, lines, 5)
	for i, line := range lines {
		assert.Equal(t, int64(i), lineOffset(t, line))
	}
}

func TestSinkStartsFromZeroOnUnreadableFile(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "app.log")

	// A file with no parseable metadata line means no checkpoint.
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"nometa\":true}\n"), 0o644))

	appendSeq(t, store, 2)
	runSink(t, store, path)

	lines := waitForLines(t, path, 4)
	require.Len(t, lines, 4)
	assert.Equal(t, int64(0), lineOffset(t, lines[2]))
	assert.Equal(t, int64(1), lineOffset(t, lines[3]))
}

func TestSinkRequiresPath(t *testing.T) {
	store := newTestStore(t)
	_, err := filesink.New(store, filesink.Config{})
	require.Error(t, err)
}
