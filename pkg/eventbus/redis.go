package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// DefaultRedisPrefix namespaces channels on a shared Redis
const DefaultRedisPrefix = "plangate:events:"

// Redis publishes events on Redis pub/sub channels named prefix+name.
// Delivery is at most once: subscribers that are offline miss events.
type Redis struct {
	client *redis.Client
	prefix string
	logger logrus.FieldLogger
	clock  func() time.Time

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

var _ Bus = (*Redis)(nil)

// NewRedis creates a Redis backed bus. An empty prefix uses DefaultRedisPrefix.
func NewRedis(client *redis.Client, prefix string, logger logrus.FieldLogger) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Redis{client: client, prefix: prefix, logger: logger, clock: time.Now}
}

// Publish sends the event to its channel
func (b *Redis) Publish(ctx context.Context, name string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, _, err := encode(name, payload, b.clock())
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.prefix+name, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

// Subscribe starts a receiver for name. It returns once Redis has confirmed
// the subscription.
func (b *Redis) Subscribe(name string, handler Handler) error {
	if name == AllEvents {
		return fmt.Errorf("redis bus does not support %q subscriptions", AllEvents)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := b.client.Subscribe(ctx, b.prefix+name)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}
	b.subs = append(b.subs, ps)

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for m := range ch {
			b.dispatch(name, []byte(m.Payload), handler)
		}
	}()
	return nil
}

func (b *Redis) dispatch(name string, data []byte, handler Handler) {
	log := b.logger.WithField("event_type", name)
	msg, err := decode(data)
	if err != nil {
		log.WithError(err).Warn("Dropping malformed event")
		return
	}
	if err := handler(context.Background(), msg); err != nil {
		log.WithError(err).Warn("Event handler failed")
	}
}

// Close unsubscribes all receivers and waits for them to stop
func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var firstErr error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.wg.Wait()
	return firstErr
}
