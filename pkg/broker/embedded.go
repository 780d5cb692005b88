package broker

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs an in-process NATS server with JetStream enabled.
// Used by tests and local development so no external broker is required.
type EmbeddedServer struct {
	srv  *server.Server
	url  string
	dir  string
	once sync.Once
}

// StartEmbeddedServer starts an embedded server on a random port. Stream
// data lives in a fresh temporary directory, so separate servers never share
// state.
func StartEmbeddedServer() (*EmbeddedServer, error) {
	dir, err := os.MkdirTemp("", "eventlog-broker-*")
	if err != nil {
		return nil, fmt.Errorf("broker: store dir: %w", err)
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  dir,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("broker: new embedded server: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("broker: embedded server not ready")
	}

	return &EmbeddedServer{srv: srv, url: srv.ClientURL(), dir: dir}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string { return e.url }

// Shutdown stops the server. Safe to call more than once; waits up to 5s for
// the server to finish.
func (e *EmbeddedServer) Shutdown() {
	e.once.Do(func() {
		e.srv.Shutdown()

		done := make(chan struct{})
		go func() {
			e.srv.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		os.RemoveAll(e.dir)
	})
}
