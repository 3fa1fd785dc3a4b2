// Package eventbus publishes subscription domain events to interested
// consumers. Three transports are provided: an in-process bus for single
// instance deployments and tests, Redis pub/sub and NATS.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plangate/pkg/subscription"
)

// AllEvents subscribes a handler to every event name. Only the in-process bus
// supports it.
const AllEvents = "*"

// ErrClosed is returned when publishing to or subscribing on a closed bus
var ErrClosed = errors.New("event bus closed")

// Message is the envelope delivered to handlers
type Message struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Decode unmarshals the payload into v
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Handler consumes a message. Errors are logged by the bus; they never
// reach the publisher.
type Handler func(ctx context.Context, msg Message) error

// Bus publishes named events
type Bus interface {
	Publish(ctx context.Context, name string, payload any) error
	Subscribe(name string, handler Handler) error
	Close() error
}

func encode(name string, payload any, now time.Time) ([]byte, Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, Message{}, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	msg := Message{Name: name, Payload: raw, PublishedAt: now.UTC()}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, Message{}, fmt.Errorf("failed to encode %s message: %w", name, err)
	}
	return data, msg, nil
}

func decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return msg, nil
}

// PublishEvents publishes saved domain events in order. Events are already
// durable in the history log, so a failed publish is logged and the rest
// are still attempted. It returns the number of events published.
func PublishEvents(ctx context.Context, bus Bus, events []subscription.Event, logger logrus.FieldLogger) int {
	if bus == nil {
		return 0
	}
	if logger == nil {
		logger = logrus.New()
	}

	published := 0
	for _, e := range events {
		if err := bus.Publish(ctx, e.Name(), e); err != nil {
			logger.WithFields(logrus.Fields{
				"event_id":        e.ID,
				"event_type":      e.Name(),
				"subscription_id": e.SubscriptionID,
			}).WithError(err).Error("Failed to publish subscription event")
			continue
		}
		published++
	}
	return published
}
