package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultNATSSubjectPrefix namespaces subjects on a shared NATS server
const DefaultNATSSubjectPrefix = "plangate."

// natsConn is the part of *nats.Conn the bus uses
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATS publishes events on subjects named prefix+name. AllEvents maps to the
// prefix+">" wildcard.
type NATS struct {
	conn   natsConn
	prefix string
	logger logrus.FieldLogger
	clock  func() time.Time

	mu     sync.Mutex
	closed bool
}

var _ Bus = (*NATS)(nil)

// ConnectNATS dials url and returns a bus over the connection
func ConnectNATS(url, prefix string, logger logrus.FieldLogger) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("plangate"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATS(conn, prefix, logger), nil
}

// NewNATS creates a bus over an established connection
func NewNATS(conn natsConn, prefix string, logger logrus.FieldLogger) *NATS {
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &NATS{conn: conn, prefix: prefix, logger: logger, clock: time.Now}
}

func (b *NATS) subject(name string) string {
	if name == AllEvents {
		return b.prefix + ">"
	}
	return b.prefix + name
}

// Publish sends the event to its subject
func (b *NATS) Publish(ctx context.Context, name string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, _, err := encode(name, payload, b.clock())
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject(name), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

// Subscribe registers handler on the subject for name
func (b *NATS) Subscribe(name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	_, err := b.conn.Subscribe(b.subject(name), func(m *nats.Msg) {
		log := b.logger.WithField("subject", m.Subject)
		msg, err := decode(m.Data)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed event")
			return
		}
		if err := handler(context.Background(), msg); err != nil {
			log.WithError(err).Warn("Event handler failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}
	return nil
}

// Close drains the connection, delivering in-flight messages first
func (b *NATS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Drain()
}
