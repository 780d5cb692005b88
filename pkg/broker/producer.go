package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// Producer is a publish-side handle for one topic. A producer can lag behind
// client readiness: the connection may be ready while the topic's stream has
// not yet been ensured. AwaitProducerReady covers both.
type Producer struct {
	conn  *Conn
	topic string

	mu    sync.Mutex
	ready bool
}

// Producer returns a publish-side handle for topic. Readiness is established
// lazily by AwaitProducerReady.
func (c *Conn) Producer(topic string) *Producer {
	return &Producer{conn: c, topic: topic}
}

// Topic returns the topic this producer publishes to.
func (p *Producer) Topic() string { return p.topic }

// AwaitProducerReady blocks until the connection is ready and the producer's
// topic exists. Concurrent calls are single-flighted; once ready, subsequent
// calls return immediately.
func (c *Conn) AwaitProducerReady(ctx context.Context, p *Producer) error {
	if err := c.AwaitReady(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ready {
		return nil
	}
	if err := c.EnsureTopic(ctx, p.topic); err != nil {
		return err
	}
	p.ready = true
	return nil
}

// EnsureTopic creates the JetStream stream backing a topic if it does not
// already exist. Idempotent; bounded by the caller's context. Topic names
// must be valid stream names (no spaces, dots, or wildcards).
func (c *Conn) EnsureTopic(ctx context.Context, topic string) error {
	_, err := c.js.StreamInfo(topic, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("broker: stream info for %q: %w", topic, err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:      topic,
		Subjects:  []string{topic},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		Replicas:  1,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("broker: create stream %q: %w", topic, err)
	}
	return nil
}
