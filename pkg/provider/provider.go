// Package provider is the billing provider port. The Stripe adapter talks to
// Stripe; Noop serves local development with locally signed webhooks; Resilient
// adds rate limiting, timeouts and retries around either.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/plangate/pkg/subscription"
)

// Webhook event types the reconciler handles
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

// ErrInvalidSignature is returned by ConstructEvent when verification fails
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Customer is a provider customer
type Customer struct {
	ID    string
	Email string
}

// Subscription is the provider's view of a subscription. Status is the raw
// provider status; use MapStatus to convert it.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time
	Metadata           map[string]string
}

// CheckoutSession is a completed hosted checkout
type CheckoutSession struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
}

// Invoice is the subset of an invoice the reconciler reads
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// Event is a verified webhook event. Exactly one of Session, Invoice or
// Subscription is set for the handled types; none for other types.
type Event struct {
	ID           string
	Type         string
	Created      time.Time
	Session      *CheckoutSession
	Invoice      *Invoice
	Subscription *Subscription
}

// CreateCustomerParams describes a new customer
type CreateCustomerParams struct {
	OrganizationID string
	Email          string
	Name           string
}

// CreateSubscriptionParams describes a new provider subscription.
// IdempotencyKey makes retried creates safe.
type CreateSubscriptionParams struct {
	OrganizationID  string
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	IdempotencyKey  string
}

// UpdateSubscriptionParams is a partial update. Nil fields are left unchanged.
type UpdateSubscriptionParams struct {
	PriceID           *string
	CancelAtPeriodEnd *bool
}

// Provider is the billing provider port
type Provider interface {
	Name() string
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (Customer, error)
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params UpdateSubscriptionParams) (Subscription, error)
	// CancelSubscription cancels immediately, or at period end when atPeriodEnd is set
	CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (Subscription, error)
	RetrieveSubscription(ctx context.Context, id string) (Subscription, error)
	// ConstructEvent verifies the signature of a raw webhook body and decodes it
	ConstructEvent(payload []byte, signature string) (Event, error)
}

// MapStatus converts a provider subscription status into the internal status.
// incomplete_expired has no internal counterpart and maps to canceled.
func MapStatus(status string) (subscription.Status, error) {
	switch status {
	case "active":
		return subscription.StatusActive, nil
	case "trialing":
		return subscription.StatusTrialing, nil
	case "past_due":
		return subscription.StatusPastDue, nil
	case "unpaid":
		return subscription.StatusUnpaid, nil
	case "canceled":
		return subscription.StatusCanceled, nil
	case "incomplete":
		return subscription.StatusIncomplete, nil
	case "incomplete_expired":
		return subscription.StatusCanceled, nil
	}
	return "", subscription.NewValidationError("status", fmt.Sprintf("unknown provider status %q", status))
}
