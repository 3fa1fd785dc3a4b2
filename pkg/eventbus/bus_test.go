package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plangate/pkg/subscription"
)

type payload struct {
	OrganizationID string `json:"organization_id"`
}

func TestMemory_PublishSubscribe(t *testing.T) {
	logger, hook := test.NewNullLogger()
	bus := NewMemory(logger)

	var got []string
	require.NoError(t, bus.Subscribe("subscription.created", func(ctx context.Context, msg Message) error {
		var p payload
		require.NoError(t, msg.Decode(&p))
		got = append(got, "created:"+p.OrganizationID)
		return nil
	}))
	require.NoError(t, bus.Subscribe(AllEvents, func(ctx context.Context, msg Message) error {
		got = append(got, "all:"+msg.Name)
		return errors.New("handler failed")
	}))

	require.NoError(t, bus.Publish(context.Background(), "subscription.created", payload{OrganizationID: "org-1"}))
	require.NoError(t, bus.Publish(context.Background(), "subscription.canceled", payload{OrganizationID: "org-1"}))

	assert.Equal(t, []string{"created:org-1", "all:subscription.created", "all:subscription.canceled"}, got)
	assert.Len(t, hook.AllEntries(), 2)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), "x", nil), ErrClosed)
	assert.ErrorIs(t, bus.Subscribe("x", nil), ErrClosed)
}

func TestMemory_UnencodablePayload(t *testing.T) {
	bus := NewMemory(nil)
	err := bus.Publish(context.Background(), "bad", make(chan int))
	assert.Error(t, err)
}

func TestPublishEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub, err := subscription.NewTrial("org-1", "pro", subscription.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	sub.Cancel(true)
	events := sub.FlushEvents()
	require.Len(t, events, 2)

	bus := NewMemory(nil)
	var names []string
	require.NoError(t, bus.Subscribe(AllEvents, func(ctx context.Context, msg Message) error {
		names = append(names, msg.Name)
		return nil
	}))

	n := PublishEvents(context.Background(), bus, events, nil)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"subscription.created", "subscription.canceled"}, names)

	t.Run("closed bus logs and counts nothing", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		require.NoError(t, bus.Close())
		assert.Equal(t, 0, PublishEvents(context.Background(), bus, events, logger))
		assert.Len(t, hook.AllEntries(), 2)
	})

	t.Run("nil bus", func(t *testing.T) {
		assert.Equal(t, 0, PublishEvents(context.Background(), nil, events, nil))
	})
}

func TestRedis_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewRedis(client, "", nil)

	received := make(chan Message, 1)
	require.NoError(t, bus.Subscribe("subscription.plan_changed", func(ctx context.Context, msg Message) error {
		received <- msg
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), "subscription.plan_changed", payload{OrganizationID: "org-7"}))

	select {
	case msg := <-received:
		assert.Equal(t, "subscription.plan_changed", msg.Name)
		var p payload
		require.NoError(t, msg.Decode(&p))
		assert.Equal(t, "org-7", p.OrganizationID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	assert.Error(t, bus.Subscribe(AllEvents, func(ctx context.Context, msg Message) error { return nil }))

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), "x", nil), ErrClosed)
	assert.NoError(t, bus.Close())
}

func TestRedis_PublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	bus := NewRedis(client, "test:", nil)
	err := bus.Publish(context.Background(), "subscription.created", payload{})
	assert.Error(t, err)
}

// fakeNATS delivers published messages synchronously to matching subscribers
type fakeNATS struct {
	mu       sync.Mutex
	handlers map[string]nats.MsgHandler
	drained  bool
	err      error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	var targets []nats.MsgHandler
	for pattern, h := range f.handlers {
		if pattern == subject || (len(pattern) > 0 && pattern[len(pattern)-1] == '>' && len(subject) >= len(pattern)-1 && subject[:len(pattern)-1] == pattern[:len(pattern)-1]) {
			targets = append(targets, h)
		}
	}
	f.mu.Unlock()
	for _, h := range targets {
		h(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (f *fakeNATS) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]nats.MsgHandler)
	}
	f.handlers[subject] = cb
	return &nats.Subscription{Subject: subject}, nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATS_PublishSubscribe(t *testing.T) {
	conn := &fakeNATS{}
	bus := NewNATS(conn, "", nil)

	var direct, wildcard []string
	require.NoError(t, bus.Subscribe("subscription.expired", func(ctx context.Context, msg Message) error {
		direct = append(direct, msg.Name)
		return nil
	}))
	require.NoError(t, bus.Subscribe(AllEvents, func(ctx context.Context, msg Message) error {
		wildcard = append(wildcard, msg.Name)
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), "subscription.expired", payload{OrganizationID: "org-1"}))
	require.NoError(t, bus.Publish(context.Background(), "subscription.created", payload{OrganizationID: "org-1"}))

	assert.Equal(t, []string{"subscription.expired"}, direct)
	assert.ElementsMatch(t, []string{"subscription.expired", "subscription.created"}, wildcard)

	require.NoError(t, bus.Close())
	assert.True(t, conn.drained)
	assert.ErrorIs(t, bus.Publish(context.Background(), "x", nil), ErrClosed)
}

func TestNATS_Errors(t *testing.T) {
	bus := NewNATS(&fakeNATS{err: nats.ErrConnectionClosed}, "test.", nil)

	err := bus.Publish(context.Background(), "subscription.created", payload{})
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)

	err = bus.Subscribe("subscription.created", func(ctx context.Context, msg Message) error { return nil })
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewNATS(&fakeNATS{}, "", nil).Publish(ctx, "x", nil), context.Canceled)
}
