package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/streamhouse/eventlog/pkg/credentials"
)

// Conn is a broker connection with an explicit readiness state machine.
//
// State transitions are driven by the client's asynchronous notifications:
// connect and reconnect callbacks move the connection to
// StateConnectedNoBrokers, after which a probe goroutine confirms the log
// subsystem and moves it to StateReady. Disconnects fall back to
// StateConnecting; only Close (ours or the server's) is terminal.
type Conn struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext

	mu     sync.Mutex
	state  State
	err    error
	notify chan struct{}
}

// Dial starts connecting to the broker and returns immediately. The returned
// connection is not yet usable; call AwaitReady before publishing or
// subscribing, or use DialRetry for a blocking bootstrap.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()

	c := &Conn{
		cfg:    cfg,
		state:  StateDisconnected,
		notify: make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ConnectHandler(func(*nats.Conn) { c.onConnected() }),
		nats.ReconnectHandler(func(*nats.Conn) { c.onConnected() }),
		nats.DisconnectErrHandler(func(*nats.Conn, error) {
			c.transition(StateConnecting)
		}),
		nats.ClosedHandler(func(*nats.Conn) { c.fail(ErrClosed) }),
	}

	if cfg.Credentials != nil {
		authOpt, err := authOption(ctx, cfg.Credentials)
		if err != nil {
			return nil, err
		}
		opts = append(opts, authOpt)
	}

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	c.transition(StateConnecting)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream context: %v", ErrUnavailable, err)
	}
	c.js = js

	// With a reachable server the initial connect completes synchronously
	// and the connect callback never fires.
	if nc.IsConnected() {
		c.onConnected()
	}

	return c, nil
}

// DialRetry dials and blocks until the connection is ready, retrying the
// whole sequence with a fixed delay. The overall wait is bounded by the
// context deadline, or by cfg.ReadyTimeout when the context has none.
func DialRetry(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ReadyTimeout)
		defer cancel()
	}

	for {
		conn, err := Dial(ctx, cfg)
		if err == nil {
			if err = conn.AwaitReady(ctx); err == nil {
				return conn, nil
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no usable broker before deadline (last error: %v)", ErrUnavailable, err)
		case <-time.After(cfg.RetryDelay):
		}
	}
}

// AwaitReady blocks until the connection reaches StateReady, the context
// expires, or the connection fails terminally. Safe for concurrent use;
// every pending waiter resumes on the same transition.
func (c *Conn) AwaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, err, notify := c.state, c.err, c.notify
		c.mu.Unlock()

		if err != nil {
			return err
		}
		if state == StateReady {
			return nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return fmt.Errorf("%w (state %s)", ErrAwaitTimeout, state)
		}
	}
}

// State returns the current readiness state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JetStream exposes the JetStream context for publish/subscribe operations.
// Callers must have observed StateReady first.
func (c *Conn) JetStream() nats.JetStreamContext { return c.js }

// NATS exposes the underlying client connection.
func (c *Conn) NATS() *nats.Conn { return c.nc }

// Close terminates the connection. All pending and future waiters receive
// ErrClosed.
func (c *Conn) Close() {
	c.fail(ErrClosed)
	if c.nc != nil {
		c.nc.Close()
	}
}

func (c *Conn) onConnected() {
	c.transition(StateConnectedNoBrokers)
	go c.probe()
}

// probe confirms JetStream availability, then promotes the connection to
// StateReady. Runs until readiness is reached or the connection degrades.
func (c *Conn) probe() {
	for {
		c.mu.Lock()
		state, err := c.state, c.err
		c.mu.Unlock()

		if err != nil || state != StateConnectedNoBrokers {
			return
		}

		if _, infoErr := c.js.AccountInfo(); infoErr == nil {
			c.promote()
			return
		}

		time.Sleep(c.cfg.ProbeInterval)
	}
}

// promote moves ConnectedNoBrokers to Ready, waking all waiters.
func (c *Conn) promote() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil || c.state != StateConnectedNoBrokers {
		return
	}
	c.state = StateReady
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Conn) transition(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil || c.state == to {
		return
	}
	c.state = to
	close(c.notify)
	c.notify = make(chan struct{})
}

// fail records a terminal error. Waiters see the error, not a state.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return
	}
	c.err = err
	close(c.notify)
	c.notify = make(chan struct{})
}

func authOption(ctx context.Context, provider credentials.Provider) (nats.Option, error) {
	creds, err := provider.GetCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: fetch credentials: %w", err)
	}

	switch creds.Type {
	case credentials.TypeToken:
		return nats.Token(creds.Token), nil
	case credentials.TypeUserPassword:
		return nats.UserInfo(creds.User, creds.Password), nil
	}
	return nil, fmt.Errorf("broker: unsupported credential type %q", creds.Type)
}
