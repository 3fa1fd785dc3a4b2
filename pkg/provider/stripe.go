package provider

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/platinummonkey/plangate/pkg/subscription"
)

const stripeName = "stripe"

// StripeConfig configures the Stripe adapter. Backend overrides the API
// backend, which tests point at a local server.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Backend       stripe.Backend
}

// Stripe implements Provider with stripe-go. It uses its own client instead
// of the package-level stripe.Key so several instances can coexist.
type Stripe struct {
	api           *client.API
	webhookSecret string
}

var _ Provider = (*Stripe)(nil)

// NewStripe creates a Stripe provider
func NewStripe(cfg StripeConfig) (*Stripe, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("stripe API key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}

	var backends *stripe.Backends
	if cfg.Backend != nil {
		backends = &stripe.Backends{API: cfg.Backend, Connect: cfg.Backend, Uploads: cfg.Backend}
	}
	api := &client.API{}
	api.Init(cfg.APIKey, backends)

	return &Stripe{api: api, webhookSecret: cfg.WebhookSecret}, nil
}

// Name returns "stripe"
func (p *Stripe) Name() string { return stripeName }

func stripeError(op string, err error) error {
	retryable := true
	var se *stripe.Error
	if errors.As(err, &se) {
		retryable = se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500
	}
	return &subscription.ProviderError{Provider: stripeName, Op: op, Retryable: retryable, Err: err}
}

func fromStripeSubscription(s *stripe.Subscription) Subscription {
	sub := Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		sub.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price != nil {
			sub.PriceID = item.Price.ID
		}
		sub.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		sub.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	if s.TrialEnd != 0 {
		t := unixTime(s.TrialEnd)
		sub.TrialEnd = &t
	}
	return sub
}

// CreateCustomer creates a Stripe customer tagged with the organization id
func (p *Stripe) CreateCustomer(ctx context.Context, params CreateCustomerParams) (Customer, error) {
	cp := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(params.Email),
	}
	if params.Name != "" {
		cp.Name = stripe.String(params.Name)
	}
	cp.AddMetadata("organization_id", params.OrganizationID)

	c, err := p.api.Customers.New(cp)
	if err != nil {
		return Customer{}, stripeError("create customer", err)
	}
	return Customer{ID: c.ID, Email: c.Email}, nil
}

// CreateSubscription creates a Stripe subscription on a single price
func (p *Stripe) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (Subscription, error) {
	sp := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceID)},
		},
	}
	if params.PaymentMethodID != "" {
		sp.DefaultPaymentMethod = stripe.String(params.PaymentMethodID)
	}
	if params.IdempotencyKey != "" {
		sp.SetIdempotencyKey(params.IdempotencyKey)
	}
	sp.AddMetadata("organization_id", params.OrganizationID)

	s, err := p.api.Subscriptions.New(sp)
	if err != nil {
		return Subscription{}, stripeError("create subscription", err)
	}
	return fromStripeSubscription(s), nil
}

// RetrieveSubscription fetches a Stripe subscription
func (p *Stripe) RetrieveSubscription(ctx context.Context, id string) (Subscription, error) {
	s, err := p.api.Subscriptions.Get(id, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return Subscription{}, stripeError("retrieve subscription", err)
	}
	return fromStripeSubscription(s), nil
}

// UpdateSubscription changes the price and/or the cancel-at-period-end flag.
// A price change replaces the first item and prorates.
func (p *Stripe) UpdateSubscription(ctx context.Context, id string, params UpdateSubscriptionParams) (Subscription, error) {
	sp := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	if params.CancelAtPeriodEnd != nil {
		sp.CancelAtPeriodEnd = stripe.Bool(*params.CancelAtPeriodEnd)
	}
	if params.PriceID != nil {
		current, err := p.api.Subscriptions.Get(id, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return Subscription{}, stripeError("retrieve subscription", err)
		}
		item := &stripe.SubscriptionItemsParams{Price: stripe.String(*params.PriceID)}
		if current.Items != nil && len(current.Items.Data) > 0 {
			item.ID = stripe.String(current.Items.Data[0].ID)
		}
		sp.Items = []*stripe.SubscriptionItemsParams{item}
		sp.ProrationBehavior = stripe.String("create_prorations")
	}

	s, err := p.api.Subscriptions.Update(id, sp)
	if err != nil {
		return Subscription{}, stripeError("update subscription", err)
	}
	return fromStripeSubscription(s), nil
}

// CancelSubscription cancels now, or flags cancel_at_period_end
func (p *Stripe) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (Subscription, error) {
	if atPeriodEnd {
		flag := true
		return p.UpdateSubscription(ctx, id, UpdateSubscriptionParams{CancelAtPeriodEnd: &flag})
	}
	s, err := p.api.Subscriptions.Cancel(id, &stripe.SubscriptionCancelParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return Subscription{}, stripeError("cancel subscription", err)
	}
	return fromStripeSubscription(s), nil
}

// ConstructEvent verifies the Stripe-Signature header and decodes the event
func (p *Stripe) ConstructEvent(payload []byte, signature string) (Event, error) {
	return constructStripeEvent(payload, signature, p.webhookSecret)
}
