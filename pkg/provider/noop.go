package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/plangate/pkg/subscription"
)

const noopName = "none"

// Noop is the provider used when no billing provider is configured. It keeps
// subscriptions in memory, activates them immediately and accepts Stripe
// format webhooks signed with SignPayload, so the full webhook path can be
// driven locally.
type Noop struct {
	secret string
	clock  func() time.Time

	mu   sync.Mutex
	subs map[string]Subscription
}

var _ Provider = (*Noop)(nil)

// NewNoop creates a Noop provider verifying webhooks with secret
func NewNoop(secret string) *Noop {
	return &Noop{secret: secret, clock: time.Now, subs: make(map[string]Subscription)}
}

// Name returns "none"
func (p *Noop) Name() string { return noopName }

// CreateCustomer returns a generated customer id
func (p *Noop) CreateCustomer(ctx context.Context, params CreateCustomerParams) (Customer, error) {
	return Customer{ID: "cus_" + uuid.NewString(), Email: params.Email}, nil
}

// CreateSubscription records an active subscription with a 30 day period
func (p *Noop) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (Subscription, error) {
	now := p.clock().UTC()
	sub := Subscription{
		ID:                 "sub_" + uuid.NewString(),
		CustomerID:         params.CustomerID,
		Status:             "active",
		PriceID:            params.PriceID,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(subscription.PeriodDuration),
		Metadata:           map[string]string{"organization_id": params.OrganizationID},
	}

	p.mu.Lock()
	p.subs[sub.ID] = sub
	p.mu.Unlock()
	return sub, nil
}

func (p *Noop) get(id string) (Subscription, error) {
	sub, ok := p.subs[id]
	if !ok {
		return Subscription{}, &subscription.ProviderError{
			Provider: noopName,
			Op:       "retrieve subscription",
			Err:      fmt.Errorf("no such subscription: %s", id),
		}
	}
	return sub, nil
}

// RetrieveSubscription returns a recorded subscription
func (p *Noop) RetrieveSubscription(ctx context.Context, id string) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.get(id)
}

// UpdateSubscription applies the update to the recorded subscription
func (p *Noop) UpdateSubscription(ctx context.Context, id string, params UpdateSubscriptionParams) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, err := p.get(id)
	if err != nil {
		return Subscription{}, err
	}
	if params.PriceID != nil {
		sub.PriceID = *params.PriceID
	}
	if params.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *params.CancelAtPeriodEnd
	}
	p.subs[id] = sub
	return sub, nil
}

// CancelSubscription cancels the recorded subscription
func (p *Noop) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, err := p.get(id)
	if err != nil {
		return Subscription{}, err
	}
	sub.CancelAtPeriodEnd = atPeriodEnd
	if !atPeriodEnd {
		sub.Status = "canceled"
	}
	p.subs[id] = sub
	return sub, nil
}

// ConstructEvent verifies a SignPayload signature and decodes the event
func (p *Noop) ConstructEvent(payload []byte, signature string) (Event, error) {
	return constructStripeEvent(payload, signature, p.secret)
}
