package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/streamhouse/eventlog/pkg/broker"
	"github.com/streamhouse/eventlog/pkg/observability"
	"github.com/streamhouse/eventlog/pkg/schema"
)

var (
	// ErrSendTimeout is returned when a single append exceeded its bound.
	// The message may or may not have been delivered; retries are the
	// caller's choice and must be idempotent at the business level.
	ErrSendTimeout = errors.New("eventstore: send timed out")

	// ErrBrokerUnavailable is returned when the broker rejected or could
	// not take the publish. Retryable by the caller.
	ErrBrokerUnavailable = errors.New("eventstore: broker unavailable")
)

const (
	defaultSendTimeout   = 1 * time.Second
	defaultCreateTimeout = 2 * time.Second
	defaultReadyTimeout  = 10 * time.Second
)

// Config configures a Store.
type Config struct {
	// Topic is the broker topic (stream) this store appends to and
	// replays from. Required.
	Topic string

	// Strict controls unknown-type handling; see schema.Config. Set it
	// explicitly.
	Strict bool

	// Common is the schema every event must satisfy. Optional.
	Common schema.Schema

	// TypeField and MetadataField name the record's type tag and reserved
	// metadata fields. Defaults: "type" and "_kafka".
	TypeField     string
	MetadataField string

	// SendTimeout bounds one publish round trip. Default 1s.
	SendTimeout time.Duration

	// CreateTimeout bounds topic creation at startup. Default 2s.
	CreateTimeout time.Duration

	// ReadyTimeout bounds the wait for broker readiness at startup.
	// Default 10s.
	ReadyTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Store is an event store over one topic with a single partition.
type Store struct {
	topic     string
	partition int

	conn     *broker.Conn
	producer *broker.Producer
	registry *schema.Registry

	sendTimeout time.Duration

	log     *slog.Logger
	metrics *observability.Metrics
}

// New builds a usable store: it waits for broker readiness, idempotently
// ensures the topic exists, and only then returns. The broker process itself
// must already be up (or on its way up within cfg.ReadyTimeout); the store
// does not manage broker lifecycle.
func New(ctx context.Context, conn *broker.Conn, cfg Config, events map[string]schema.Schema) (*Store, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("eventstore: config.Topic is required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = defaultCreateTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	registry := schema.NewRegistry(schema.Config{
		TypeField:     cfg.TypeField,
		MetadataField: cfg.MetadataField,
		Strict:        cfg.Strict,
		Common:        cfg.Common,
	}, events)

	readyCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	defer cancel()
	if err := conn.AwaitReady(readyCtx); err != nil {
		return nil, err
	}

	createCtx, cancel := context.WithTimeout(ctx, cfg.CreateTimeout)
	defer cancel()
	if err := conn.EnsureTopic(createCtx, cfg.Topic); err != nil {
		return nil, err
	}

	s := &Store{
		topic:       cfg.Topic,
		partition:   0,
		conn:        conn,
		producer:    conn.Producer(cfg.Topic),
		registry:    registry,
		sendTimeout: cfg.SendTimeout,
		log:         cfg.Logger.With("component", "eventstore", "topic", cfg.Topic),
		metrics:     cfg.Metrics,
	}

	s.log.Info("event store ready")
	return s, nil
}

// Topic returns the topic this store operates on.
func (s *Store) Topic() string { return s.topic }

// Registry exposes the schema registry, e.g. to validate records before
// publishing.
func (s *Store) Registry() *schema.Registry { return s.registry }

// Append validates a record, publishes it, and returns the normalized event
// stamped with broker metadata. Validation failures never reach the broker.
// Broker failures surface as ErrSendTimeout or ErrBrokerUnavailable; the
// store never retries internally.
func (s *Store) Append(ctx context.Context, rec Event) (Event, error) {
	validated, err := s.registry.Validate(rec)
	if err != nil {
		s.countAppendError(ctx)
		return nil, err
	}

	payload, err := json.Marshal(validated)
	if err != nil {
		s.countAppendError(ctx)
		return nil, fmt.Errorf("eventstore: marshal event: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	if err := s.conn.AwaitProducerReady(sendCtx, s.producer); err != nil {
		s.countAppendError(ctx)
		if errors.Is(err, broker.ErrAwaitTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrSendTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	start := time.Now()
	ack, err := s.conn.JetStream().Publish(s.topic, payload, nats.Context(sendCtx))
	if err != nil {
		s.countAppendError(ctx)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrSendTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	meta := Metadata{
		Topic:     s.topic,
		Partition: s.partition,
		// Broker sequences are 1-based; offsets are 0-based.
		Offset: int64(ack.Sequence) - 1,
	}
	validated[s.registry.MetadataField()] = meta

	if s.metrics != nil {
		s.metrics.EventsAppended.Add(ctx, 1)
		s.metrics.AppendLatency.Record(ctx, time.Since(start).Seconds())
	}
	s.log.Debug("event appended",
		"type", Event(validated).Type(s.registry.TypeField()),
		"offset", meta.Offset)

	return validated, nil
}

// streamFetchBatch bounds one pull round trip; it also caps how far the
// broker can run ahead of the consumer.
const streamFetchBatch = 64

// Stream replays the topic from fromOffset as a lazy, unbounded sequence.
// Each call opens a fresh subscription; the channel closes when ctx is
// cancelled or the subscription fails, after which the caller re-opens at
// its last committed offset. Delivery is demand-driven: a consumer that
// processes slowly holds back the broker instead of overflowing a
// client-side buffer, so a backlog of any size arrives completely and in
// append order. Consumer progress is never committed broker-side; tracking
// the offset is the caller's responsibility.
func (s *Store) Stream(ctx context.Context, fromOffset int64) (<-chan Event, error) {
	if fromOffset < 0 {
		return nil, fmt.Errorf("eventstore: fromOffset must be >= 0, got %d", fromOffset)
	}

	opts := []nats.SubOpt{
		nats.BindStream(s.topic),
		nats.AckExplicit(),
		// No redelivery: acks only release the pull window, the caller's
		// offset store decides what has been processed.
		nats.MaxDeliver(1),
	}
	if fromOffset == 0 {
		opts = append(opts, nats.DeliverAll())
	} else {
		opts = append(opts, nats.StartSequence(uint64(fromOffset)+1))
	}

	sub, err := s.conn.JetStream().PullSubscribe(s.topic, "", opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe at offset %d: %v", ErrBrokerUnavailable, fromOffset, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for ctx.Err() == nil {
			msgs, err := s.fetch(ctx, sub)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("stream fetch failed", "error", err)
				}
				return
			}

			for _, msg := range msgs {
				ev, err := s.decode(msg)
				if err != nil {
					s.log.Warn("dropping undecodable message", "error", err)
					msg.Ack()
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				msg.Ack()
				if s.metrics != nil {
					s.metrics.StreamMessages.Add(ctx, 1)
				}
			}
		}
	}()

	return out, nil
}

// fetch pulls the next batch, waiting out idle periods until ctx ends.
func (s *Store) fetch(ctx context.Context, sub *nats.Subscription) ([]*nats.Msg, error) {
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, time.Second)
		msgs, err := sub.Fetch(streamFetchBatch, nats.Context(fetchCtx))
		cancel()

		if err == nil {
			return msgs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		return nil, err
	}
}

func (s *Store) decode(msg *nats.Msg) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return nil, fmt.Errorf("eventstore: unmarshal message: %w", err)
	}

	md, err := msg.Metadata()
	if err != nil {
		return nil, fmt.Errorf("eventstore: message metadata: %w", err)
	}

	ev[s.registry.MetadataField()] = Metadata{
		Topic:     s.topic,
		Partition: s.partition,
		Offset:    int64(md.Sequence.Stream) - 1,
	}
	return ev, nil
}

func (s *Store) countAppendError(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.AppendErrors.Add(ctx, 1)
	}
}
