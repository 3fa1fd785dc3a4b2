package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plangate/pkg/async"
	"github.com/platinummonkey/plangate/pkg/eventbus"
	"github.com/platinummonkey/plangate/pkg/locks"
	"github.com/platinummonkey/plangate/pkg/notify"
	"github.com/platinummonkey/plangate/pkg/observability"
	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/provider"
	"github.com/platinummonkey/plangate/pkg/service"
	"github.com/platinummonkey/plangate/pkg/storage"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

var (
	testNow     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	periodStart = testNow
	periodEnd   = testNow.AddDate(0, 1, 0)
)

// mockProvider serves RetrieveSubscription from RetrieveSubscriptionFunc
type mockProvider struct {
	RetrieveSubscriptionFunc func(ctx context.Context, id string) (provider.Subscription, error)
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) CreateCustomer(ctx context.Context, params provider.CreateCustomerParams) (provider.Customer, error) {
	return provider.Customer{}, errors.New("not implemented")
}

func (m *mockProvider) CreateSubscription(ctx context.Context, params provider.CreateSubscriptionParams) (provider.Subscription, error) {
	return provider.Subscription{}, errors.New("not implemented")
}

func (m *mockProvider) UpdateSubscription(ctx context.Context, id string, params provider.UpdateSubscriptionParams) (provider.Subscription, error) {
	return provider.Subscription{}, errors.New("not implemented")
}

func (m *mockProvider) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (provider.Subscription, error) {
	return provider.Subscription{}, errors.New("not implemented")
}

func (m *mockProvider) RetrieveSubscription(ctx context.Context, id string) (provider.Subscription, error) {
	if m.RetrieveSubscriptionFunc != nil {
		return m.RetrieveSubscriptionFunc(ctx, id)
	}
	return provider.Subscription{
		ID:                 id,
		CustomerID:         "cus_1",
		Status:             "active",
		PriceID:            "price_pro",
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		Metadata:           map[string]string{"organization_id": "org-1"},
	}, nil
}

func (m *mockProvider) ConstructEvent(payload []byte, signature string) (provider.Event, error) {
	return provider.Event{}, provider.ErrInvalidSignature
}

type sentNotification struct {
	OrganizationID string
	Type           notify.Type
}

// recordingNotifier records every notification
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) SendNotification(ctx context.Context, organizationID string, notificationType notify.Type, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{OrganizationID: organizationID, Type: notificationType})
	return nil
}

func (n *recordingNotifier) Sent() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

func testPlans() []plans.Plan {
	all := plans.DefaultPlans()
	for i := range all {
		all[i].ProviderPriceID = "price_" + all[i].ID
	}
	return all
}

type harness struct {
	reconciler *Reconciler
	repo       *storage.MemoryRepository
	provider   *mockProvider
	notifier   *recordingNotifier
	metrics    *observability.Metrics
	opts       Options

	mu     sync.Mutex
	events []eventbus.Message
}

func newHarness(t *testing.T, backfill *async.WorkerPool) *harness {
	t.Helper()
	h := &harness{
		repo:     storage.NewMemoryRepository(testPlans()),
		provider: &mockProvider{},
		notifier: &recordingNotifier{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}
	catalog, err := plans.NewStaticCatalog(testPlans(), nil)
	require.NoError(t, err)

	bus := eventbus.NewMemory(nil)
	require.NoError(t, bus.Subscribe(eventbus.AllEvents, func(ctx context.Context, msg eventbus.Message) error {
		h.mu.Lock()
		h.events = append(h.events, msg)
		h.mu.Unlock()
		return nil
	}))

	clock := func() time.Time { return testNow }
	svc, err := service.New(service.Options{
		Repository: h.repo,
		Catalog:    catalog,
		Provider:   h.provider,
		Bus:        bus,
		Locker:     locks.NewKeyedMutex(),
		Clock:      clock,
	})
	require.NoError(t, err)

	h.opts = Options{
		Subscriptions: svc,
		Reader:        h.repo,
		Catalog:       catalog,
		Provider:      h.provider,
		Notifier:      h.notifier,
		Bus:           bus,
		Backfill:      backfill,
		Metrics:       h.metrics,
		Clock:         clock,
	}
	h.reconciler, err = New(h.opts)
	require.NoError(t, err)
	return h
}

// restart returns a reconciler sharing h's storage but none of its memory
func (h *harness) restart(t *testing.T, seen SeenStore) *Reconciler {
	t.Helper()
	opts := h.opts
	opts.Seen = seen
	r, err := New(opts)
	require.NoError(t, err)
	return r
}

func (h *harness) eventNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.events))
	for _, e := range h.events {
		names = append(names, e.Name)
	}
	return names
}

func (h *harness) count(name string) int {
	n := 0
	for _, got := range h.eventNames() {
		if got == name {
			n++
		}
	}
	return n
}

func checkoutEvent(id, orgID, subID string) provider.Event {
	metadata := map[string]string{}
	if orgID != "" {
		metadata["organization_id"] = orgID
	}
	return provider.Event{
		ID:   id,
		Type: provider.EventCheckoutSessionCompleted,
		Session: &provider.CheckoutSession{
			ID:             "cs_" + id,
			CustomerID:     "cus_1",
			SubscriptionID: subID,
			Metadata:       metadata,
		},
	}
}

// seedLinked stores an active subscription linked to provider id subID
func (h *harness) seedLinked(t *testing.T, orgID, subID string) *subscription.Subscription {
	t.Helper()
	result := h.reconciler.Handle(context.Background(), checkoutEvent("evt_seed_"+orgID, orgID, subID))
	require.NoError(t, result.Err)
	sub, err := h.repo.GetSubscriptionByProviderID(context.Background(), subID)
	require.NoError(t, err)
	return sub
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHandle_CheckoutCompleted(t *testing.T) {
	ctx := context.Background()

	t.Run("success - creates subscription from provider state", func(t *testing.T) {
		h := newHarness(t, nil)

		result := h.reconciler.Handle(ctx, checkoutEvent("evt_1", "org-1", "sub_1"))
		require.NoError(t, result.Err)
		assert.Equal(t, OutcomeProcessed, result.Outcome)
		assert.NotEmpty(t, result.SubscriptionID)

		sub, err := h.repo.GetSubscriptionByOrganizationID(ctx, "org-1")
		require.NoError(t, err)
		assert.Equal(t, result.SubscriptionID, sub.ID())
		assert.Equal(t, "pro", sub.PlanID())
		assert.Equal(t, subscription.StatusActive, sub.Status())
		assert.Equal(t, periodEnd, sub.CurrentPeriodEnd())
		assert.Equal(t, "sub_1", sub.Payment().SubscriptionID)
		assert.Equal(t, "cus_1", sub.Payment().CustomerID)
		assert.Equal(t, "mock", sub.Payment().Provider)
		assert.Equal(t, 1, h.count("subscription.created"))
	})

	t.Run("redelivery is idempotent", func(t *testing.T) {
		h := newHarness(t, nil)

		first := h.reconciler.Handle(ctx, checkoutEvent("evt_1", "org-1", "sub_1"))
		require.NoError(t, first.Err)

		// same event id short-circuits in the cache
		again := h.reconciler.Handle(ctx, checkoutEvent("evt_1", "org-1", "sub_1"))
		assert.Equal(t, OutcomeDuplicate, again.Outcome)

		// a new event id for the same provider subscription hits the repository
		second := h.reconciler.Handle(ctx, checkoutEvent("evt_2", "org-1", "sub_1"))
		require.NoError(t, second.Err)
		assert.Equal(t, OutcomeDuplicate, second.Outcome)
		assert.Equal(t, first.SubscriptionID, second.SubscriptionID)

		assert.Equal(t, 1, h.count("subscription.created"))
		all, err := h.repo.GetSubscriptionsByStatus(ctx, subscription.StatusActive)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("links an existing trial", func(t *testing.T) {
		h := newHarness(t, nil)
		trial, err := subscription.NewTrial("org-1", "basic", subscription.WithClock(func() time.Time { return testNow }))
		require.NoError(t, err)
		_, err = h.repo.SaveSubscription(ctx, trial)
		require.NoError(t, err)

		result := h.reconciler.Handle(ctx, checkoutEvent("evt_1", "org-1", "sub_1"))
		require.NoError(t, result.Err)
		assert.Equal(t, OutcomeProcessed, result.Outcome)
		assert.Equal(t, trial.ID(), result.SubscriptionID)

		sub, err := h.repo.GetSubscriptionByProviderID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, "pro", sub.PlanID())
		assert.Equal(t, subscription.StatusActive, sub.Status())
		assert.Equal(t, 1, h.count("subscription.provider_linked"))
		assert.Equal(t, 1, h.count("subscription.plan_changed"))
	})

	t.Run("missing organization id", func(t *testing.T) {
		h := newHarness(t, nil)

		result := h.reconciler.Handle(ctx, checkoutEvent("evt_1", "", "sub_1"))
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.ErrorIs(t, result.Err, subscription.ErrMissingOrganizationID)
		assert.Equal(t, 1, h.count(EventFailed))
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.WebhookEventsTotal.WithLabelValues(provider.EventCheckoutSessionCompleted, "failed")))
	})

	t.Run("provider retrieval failure creates nothing", func(t *testing.T) {
		h := newHarness(t, nil)
		h.provider.RetrieveSubscriptionFunc = func(ctx context.Context, id string) (provider.Subscription, error) {
			return provider.Subscription{}, &subscription.ProviderError{Provider: "mock", Op: "retrieve", Retryable: true, Err: errors.New("timeout")}
		}

		result := h.reconciler.Handle(ctx, checkoutEvent("evt_1", "org-1", "sub_1"))
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.True(t, subscription.IsProvider(result.Err))

		_, err := h.repo.GetSubscriptionByOrganizationID(ctx, "org-1")
		assert.True(t, subscription.IsNotFound(err))

		// a failed event is not cached, so the provider's retry is processed
		h.provider.RetrieveSubscriptionFunc = nil
		retry := h.reconciler.Handle(ctx, checkoutEvent("evt_1", "org-1", "sub_1"))
		require.NoError(t, retry.Err)
		assert.Equal(t, OutcomeProcessed, retry.Outcome)
	})

	t.Run("unknown price", func(t *testing.T) {
		h := newHarness(t, nil)
		h.provider.RetrieveSubscriptionFunc = func(ctx context.Context, id string) (provider.Subscription, error) {
			return provider.Subscription{ID: id, Status: "active", PriceID: "price_legacy", CurrentPeriodStart: periodStart, CurrentPeriodEnd: periodEnd}, nil
		}

		result := h.reconciler.Handle(ctx, checkoutEvent("evt_1", "org-1", "sub_1"))
		assert.ErrorIs(t, result.Err, subscription.ErrPlanNotFound)
	})
}

func TestHandle_InvoicePaymentSucceeded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	seeded := h.seedLinked(t, "org-1", "sub_1")
	_, err := h.repo.SaveSubscription(ctx, func() *subscription.Subscription {
		require.NoError(t, seeded.UpdateStatus(subscription.StatusPastDue))
		return seeded
	}())
	require.NoError(t, err)

	nextStart, nextEnd := periodEnd, periodEnd.AddDate(0, 1, 0)
	result := h.reconciler.Handle(ctx, provider.Event{
		ID:   "evt_inv_1",
		Type: provider.EventInvoicePaymentSucceeded,
		Invoice: &provider.Invoice{
			ID:             "in_1",
			SubscriptionID: "sub_1",
			PeriodStart:    nextStart,
			PeriodEnd:      nextEnd,
		},
	})
	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	sub, err := h.repo.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status())
	assert.Equal(t, nextStart, sub.CurrentPeriodStart())
	assert.Equal(t, nextEnd, sub.CurrentPeriodEnd())
	assert.Equal(t, 1, h.count("subscription.payment_succeeded"))
	assert.Equal(t, 1, h.count("subscription.period_updated"))
	assert.Empty(t, h.notifier.Sent())
}

func TestHandle_InvoicePaymentFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedLinked(t, "org-1", "sub_1")

	event := provider.Event{
		ID:      "evt_inv_2",
		Type:    provider.EventInvoicePaymentFailed,
		Invoice: &provider.Invoice{ID: "in_2", SubscriptionID: "sub_1"},
	}
	result := h.reconciler.Handle(ctx, event)
	require.NoError(t, result.Err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	sub, err := h.repo.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, sub.Status())
	assert.Equal(t, 1, h.count("subscription.payment_failed"))

	// redelivery of the same event does not notify again
	again := h.reconciler.Handle(ctx, event)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "org-1", sent[0].OrganizationID)
	assert.Equal(t, notify.TypePaymentFailed, sent[0].Type)
}

func TestHandle_InvoiceRedeliveredAfterRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedLinked(t, "org-1", "sub_1")

	event := provider.Event{
		ID:      "evt_inv_2",
		Type:    provider.EventInvoicePaymentFailed,
		Invoice: &provider.Invoice{ID: "in_2", SubscriptionID: "sub_1"},
	}
	first := h.reconciler.Handle(ctx, event)
	require.NoError(t, first.Err)
	assert.Equal(t, OutcomeProcessed, first.Outcome)

	second := h.restart(t, nil).Handle(ctx, event)
	require.NoError(t, second.Err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	// a new event for an invoice that already failed is a duplicate too
	event.ID = "evt_inv_2_retry"
	third := h.reconciler.Handle(ctx, event)
	require.NoError(t, third.Err)
	assert.Equal(t, OutcomeDuplicate, third.Outcome)

	assert.Len(t, h.notifier.Sent(), 1)
	assert.Equal(t, 1, h.count("subscription.payment_failed"))

	sub, err := h.repo.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	history, err := h.repo.GetSubscriptionHistory(ctx, sub.ID())
	require.NoError(t, err)
	failed := 0
	for _, entry := range history {
		if entry.EventType == "subscription.payment_failed" {
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	t.Run("success after failure is recorded", func(t *testing.T) {
		result := h.reconciler.Handle(ctx, provider.Event{
			ID:      "evt_inv_2_paid",
			Type:    provider.EventInvoicePaymentSucceeded,
			Invoice: &provider.Invoice{ID: "in_2", SubscriptionID: "sub_1", PeriodStart: periodStart, PeriodEnd: periodEnd},
		})
		require.NoError(t, result.Err)
		assert.Equal(t, OutcomeProcessed, result.Outcome)
		assert.Equal(t, 1, h.count("subscription.payment_succeeded"))
	})
}

func TestHandle_SeenStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisSeenStore(client, "", 0)

	h := newHarness(t, nil)
	h.seedLinked(t, "org-1", "sub_1")

	event := provider.Event{
		ID:           "evt_del_1",
		Type:         provider.EventSubscriptionDeleted,
		Subscription: &provider.Subscription{ID: "sub_1", Status: "canceled"},
	}
	first := h.restart(t, store).Handle(ctx, event)
	require.NoError(t, first.Err)
	assert.Equal(t, OutcomeProcessed, first.Outcome)
	assert.True(t, mr.Exists("plangate:webhook:evt_del_1"))
	assert.Equal(t, DefaultSeenTTL, mr.TTL("plangate:webhook:evt_del_1"))

	second := h.restart(t, store).Handle(ctx, event)
	require.NoError(t, second.Err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, 1, h.count("subscription.status_changed"))

	t.Run("store errors fall back to handling", func(t *testing.T) {
		mr.Close()
		result := h.restart(t, store).Handle(ctx, provider.Event{ID: "evt_x", Type: "customer.created"})
		assert.NoError(t, result.Err)
		assert.Equal(t, OutcomeIgnored, result.Outcome)
	})
}

func TestRedisSeenStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisSeenStore(client, "test:", time.Hour)

	_, ok, err := store.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Remember(ctx, "evt_1", OutcomeProcessed))
	require.NoError(t, store.Remember(ctx, "evt_1", OutcomeIgnored))

	outcome, ok, err := store.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, time.Hour, mr.TTL("test:evt_1"))

	mr.Close()
	_, _, err = store.Seen(ctx, "evt_1")
	assert.Error(t, err)
	assert.Error(t, store.Remember(ctx, "evt_2", OutcomeProcessed))
}

func TestHandle_InvoiceWithoutSubscription(t *testing.T) {
	h := newHarness(t, nil)
	result := h.reconciler.Handle(context.Background(), provider.Event{
		ID:      "evt_inv_3",
		Type:    provider.EventInvoicePaymentSucceeded,
		Invoice: &provider.Invoice{ID: "in_3"},
	})
	assert.NoError(t, result.Err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
}

func TestHandle_SubscriptionUpdated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedLinked(t, "org-1", "sub_1")

	t.Run("success - status, plan and scheduled cancellation", func(t *testing.T) {
		result := h.reconciler.Handle(ctx, provider.Event{
			ID:   "evt_upd_1",
			Type: provider.EventSubscriptionUpdated,
			Subscription: &provider.Subscription{
				ID:                 "sub_1",
				Status:             "trialing",
				PriceID:            "price_enterprise",
				CurrentPeriodStart: periodStart,
				CurrentPeriodEnd:   periodEnd,
				CancelAtPeriodEnd:  true,
			},
		})
		require.NoError(t, result.Err)

		sub, err := h.repo.GetSubscriptionByProviderID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusTrialing, sub.Status())
		assert.Equal(t, "enterprise", sub.PlanID())
		assert.True(t, sub.CancelAtPeriodEnd())
		// unchanged period records nothing
		assert.Equal(t, 0, h.count("subscription.period_updated"))
	})

	t.Run("withdrawn cancellation reactivates", func(t *testing.T) {
		result := h.reconciler.Handle(ctx, provider.Event{
			ID:           "evt_upd_2",
			Type:         provider.EventSubscriptionUpdated,
			Subscription: &provider.Subscription{ID: "sub_1", Status: "active"},
		})
		require.NoError(t, result.Err)

		sub, err := h.repo.GetSubscriptionByProviderID(ctx, "sub_1")
		require.NoError(t, err)
		assert.False(t, sub.CancelAtPeriodEnd())
		assert.Equal(t, subscription.StatusActive, sub.Status())
		assert.Equal(t, "enterprise", sub.PlanID())
	})

	t.Run("incomplete_expired maps to canceled", func(t *testing.T) {
		result := h.reconciler.Handle(ctx, provider.Event{
			ID:           "evt_upd_3",
			Type:         provider.EventSubscriptionUpdated,
			Subscription: &provider.Subscription{ID: "sub_1", Status: "incomplete_expired"},
		})
		require.NoError(t, result.Err)

		sub, err := h.repo.GetSubscriptionByProviderID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, sub.Status())
	})

	t.Run("unknown provider status", func(t *testing.T) {
		result := h.reconciler.Handle(ctx, provider.Event{
			ID:           "evt_upd_4",
			Type:         provider.EventSubscriptionUpdated,
			Subscription: &provider.Subscription{ID: "sub_1", Status: "paused"},
		})
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.True(t, subscription.IsValidation(result.Err))
	})
}

func TestHandle_SubscriptionDeleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seedLinked(t, "org-1", "sub_1")

	result := h.reconciler.Handle(ctx, provider.Event{
		ID:           "evt_del_1",
		Type:         provider.EventSubscriptionDeleted,
		Subscription: &provider.Subscription{ID: "sub_1", Status: "canceled"},
	})
	require.NoError(t, result.Err)

	sub, err := h.repo.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, sub.IsCanceled())
	assert.Equal(t, 1, h.count("subscription.status_changed"))
}

func TestHandle_UnknownSubscriptionIsBackfilled(t *testing.T) {
	ctx := context.Background()
	pool := async.NewWorkerPool(ctx, nil, 1, 10, "backfill", 5*time.Second)
	t.Cleanup(func() { _ = pool.Shutdown(time.Second) })
	h := newHarness(t, pool)

	result := h.reconciler.Handle(ctx, provider.Event{
		ID:      "evt_inv_9",
		Type:    provider.EventInvoicePaymentFailed,
		Invoice: &provider.Invoice{ID: "in_9", SubscriptionID: "sub_9"},
	})
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, subscription.ErrSubscriptionNotFound)
	assert.Equal(t, 1, h.count(EventFailed))

	assert.Eventually(t, func() bool {
		_, err := h.repo.GetSubscriptionByProviderID(ctx, "sub_9")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.WebhookBackfillsEnqueued))
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()

	t.Run("already present", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seedLinked(t, "org-1", "sub_1")
		assert.NoError(t, h.reconciler.Backfill(ctx, "sub_1"))
	})

	t.Run("provider subscription without organization", func(t *testing.T) {
		h := newHarness(t, nil)
		h.provider.RetrieveSubscriptionFunc = func(ctx context.Context, id string) (provider.Subscription, error) {
			return provider.Subscription{ID: id, Status: "active", PriceID: "price_pro", CurrentPeriodStart: periodStart, CurrentPeriodEnd: periodEnd}, nil
		}
		assert.ErrorIs(t, h.reconciler.Backfill(ctx, "sub_2"), subscription.ErrMissingOrganizationID)
	})
}

func TestHandle_UnhandledType(t *testing.T) {
	h := newHarness(t, nil)
	result := h.reconciler.Handle(context.Background(), provider.Event{ID: "evt_x", Type: "customer.created"})
	assert.NoError(t, result.Err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Empty(t, h.eventNames())
}
