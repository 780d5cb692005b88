// Package broker owns the connection to the NATS log broker and the
// readiness protocol in front of it. The underlying client establishes
// connectivity and JetStream discovery asynchronously; nothing may publish,
// subscribe, or create topics until the connection has reached StateReady.
// Centralizing that wait here keeps per-call readiness polling out of every
// call site.
package broker

import (
	"errors"
	"time"

	"github.com/streamhouse/eventlog/pkg/credentials"
)

// State is the readiness state of a broker connection.
type State int32

const (
	// StateDisconnected is the initial state before Dial.
	StateDisconnected State = iota

	// StateConnecting means the network handshake is in progress.
	StateConnecting

	// StateConnectedNoBrokers means the TCP connection is up but the log
	// subsystem (JetStream) has not yet answered.
	StateConnectedNoBrokers

	// StateReady means the connection is fully usable.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedNoBrokers:
		return "connected-no-brokers"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

var (
	// ErrAwaitTimeout is returned when readiness was not reached within the
	// caller's deadline.
	ErrAwaitTimeout = errors.New("broker: timed out waiting for readiness")

	// ErrUnavailable is returned when no usable broker could be reached.
	ErrUnavailable = errors.New("broker: unavailable")

	// ErrClosed is returned when the connection has been closed.
	ErrClosed = errors.New("broker: connection closed")
)

const (
	defaultReadyTimeout  = 10 * time.Second
	defaultRetryDelay    = 1 * time.Second
	defaultProbeInterval = 250 * time.Millisecond
)

// Config configures a broker connection.
type Config struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// Name identifies this client on the server. Defaults to "eventlog".
	Name string

	// ReadyTimeout bounds DialRetry's overall wait for a usable connection
	// when the caller's context carries no deadline. Defaults to 10s.
	ReadyTimeout time.Duration

	// RetryDelay is the fixed pause between DialRetry attempts. Defaults
	// to 1s.
	RetryDelay time.Duration

	// ProbeInterval is the pause between JetStream readiness probes while
	// in StateConnectedNoBrokers. Defaults to 250ms.
	ProbeInterval time.Duration

	// Credentials optionally supplies authentication material. When nil
	// the connection is unauthenticated.
	Credentials credentials.Provider
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "eventlog"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	return cfg
}
