package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Memory delivers events synchronously to handlers in the publishing
// goroutine. Handlers run in subscription order.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
	logger   logrus.FieldLogger
	clock    func() time.Time
}

var _ Bus = (*Memory)(nil)

// NewMemory creates an in-process bus
func NewMemory(logger logrus.FieldLogger) *Memory {
	if logger == nil {
		logger = logrus.New()
	}
	return &Memory{
		handlers: make(map[string][]Handler),
		logger:   logger,
		clock:    time.Now,
	}
}

// Publish delivers the event to handlers of name and of AllEvents
func (b *Memory) Publish(ctx context.Context, name string, payload any) error {
	_, msg, err := encode(name, payload, b.clock())
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]Handler, 0, len(b.handlers[name])+len(b.handlers[AllEvents]))
	handlers = append(handlers, b.handlers[name]...)
	handlers = append(handlers, b.handlers[AllEvents]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			b.logger.WithField("event_type", name).WithError(err).Warn("Event handler failed")
		}
	}
	return nil
}

// Subscribe registers handler for name
func (b *Memory) Subscribe(name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[name] = append(b.handlers[name], handler)
	return nil
}

// Close drops all handlers
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
