package provider

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// SignPayload returns a Stripe-Signature header for payload signed with
// secret at the current time. Both Stripe and Noop accept it.
func SignPayload(secret string, payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret}).Header
}

// constructStripeEvent verifies a Stripe-Signature header and decodes the event
func constructStripeEvent(payload []byte, signature, secret string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeStripeEvent(ev)
}

// decodeStripeEvent converts the object of a verified event. Types the
// reconciler does not handle are returned without an object.
func decodeStripeEvent(ev stripe.Event) (Event, error) {
	if ev.Data == nil {
		return Event{}, fmt.Errorf("stripe event %s has no data", ev.ID)
	}
	event := Event{ID: ev.ID, Type: string(ev.Type), Created: unixTime(ev.Created)}

	switch event.Type {
	case EventCheckoutSessionCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return Event{}, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		event.Session = fromStripeCheckoutSession(&s)
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return Event{}, fmt.Errorf("failed to decode invoice: %w", err)
		}
		event.Invoice = fromStripeInvoice(&inv, ev.Data.Object)
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return Event{}, fmt.Errorf("failed to decode subscription: %w", err)
		}
		sub := fromStripeSubscription(&s)
		event.Subscription = &sub
	}
	return event, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func fromStripeCheckoutSession(s *stripe.CheckoutSession) *CheckoutSession {
	session := &CheckoutSession{ID: s.ID, Metadata: s.Metadata}
	if s.Customer != nil {
		session.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		session.SubscriptionID = s.Subscription.ID
	}
	return session
}

// fromStripeInvoice reads the subscription from the invoice parent, then
// from the line items. Accounts pinned to API versions older than the
// library's still send it at the top level, which only the raw object keeps.
func fromStripeInvoice(inv *stripe.Invoice, object map[string]interface{}) *Invoice {
	out := &Invoice{
		ID:          inv.ID,
		PeriodStart: unixTime(inv.PeriodStart),
		PeriodEnd:   unixTime(inv.PeriodEnd),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}

	if inv.Lines != nil && len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		if out.SubscriptionID == "" && line.Parent != nil && line.Parent.SubscriptionItemDetails != nil {
			out.SubscriptionID = line.Parent.SubscriptionItemDetails.Subscription
		}
		// The line period is the service period; the invoice period is empty
		// on the first invoice of a subscription
		if line.Period != nil && line.Period.End != 0 {
			out.PeriodStart = unixTime(line.Period.Start)
			out.PeriodEnd = unixTime(line.Period.End)
		}
	}

	if out.SubscriptionID == "" {
		if id, ok := object["subscription"].(string); ok {
			out.SubscriptionID = id
		}
	}
	return out
}
