package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plangate/pkg/notify"
	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/provider"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

const metadataOrganizationID = "organization_id"

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event provider.Event) (string, Outcome, error) {
	session := event.Session
	if session == nil {
		return "", OutcomeFailed, subscription.NewValidationError("data.object", "checkout session missing from event")
	}
	organizationID := session.Metadata[metadataOrganizationID]
	if organizationID == "" {
		return "", OutcomeFailed, fmt.Errorf("checkout session %s: %w", session.ID, subscription.ErrMissingOrganizationID)
	}
	if session.SubscriptionID == "" {
		return "", OutcomeIgnored, nil
	}

	existing, err := r.reader.GetSubscriptionByProviderID(ctx, session.SubscriptionID)
	if err == nil {
		return existing.ID(), OutcomeDuplicate, nil
	}
	if !subscription.IsNotFound(err) {
		return "", OutcomeFailed, err
	}

	psub, err := r.provider.RetrieveSubscription(ctx, session.SubscriptionID)
	if err != nil {
		return "", OutcomeFailed, fmt.Errorf("failed to retrieve provider subscription %s: %w", session.SubscriptionID, err)
	}
	if psub.CustomerID == "" {
		psub.CustomerID = session.CustomerID
	}

	sub, outcome, err := r.createOrLink(ctx, organizationID, psub)
	if err != nil {
		return "", OutcomeFailed, err
	}
	return sub.ID(), outcome, nil
}

// createOrLink stores a provider subscription for an organization. An
// organization that already has a local row, such as a trial or a pending
// Subscribe, gets that row linked and updated instead of a second one.
func (r *Reconciler) createOrLink(ctx context.Context, organizationID string, psub provider.Subscription) (*subscription.Subscription, Outcome, error) {
	status, err := provider.MapStatus(psub.Status)
	if err != nil {
		return nil, OutcomeFailed, err
	}
	plan, err := r.planFor(ctx, psub)
	if err != nil {
		return nil, OutcomeFailed, err
	}

	current, err := r.reader.GetSubscriptionByOrganizationID(ctx, organizationID)
	switch {
	case err == nil:
		return r.link(ctx, current.ID(), psub, plan)
	case !subscription.IsNotFound(err):
		return nil, OutcomeFailed, err
	}

	sub, err := subscription.NewFromProvider(subscription.ProviderParams{
		OrganizationID:    organizationID,
		PlanID:            plan.ID,
		Status:            status,
		PeriodStart:       psub.CurrentPeriodStart,
		PeriodEnd:         psub.CurrentPeriodEnd,
		CancelAtPeriodEnd: psub.CancelAtPeriodEnd,
		TrialEnd:          psub.TrialEnd,
		Payment: subscription.Payment{
			Provider:       r.provider.Name(),
			CustomerID:     psub.CustomerID,
			SubscriptionID: psub.ID,
		},
	}, subscription.WithClock(r.clock))
	if err != nil {
		return nil, OutcomeFailed, err
	}

	created, err := r.subs.Create(ctx, sub)
	if errors.Is(err, subscription.ErrAlreadyExists) {
		// Another delivery created the organization's row first
		current, err := r.reader.GetSubscriptionByOrganizationID(ctx, organizationID)
		if err != nil {
			return nil, OutcomeFailed, err
		}
		if current.Payment().SubscriptionID == psub.ID {
			return current, OutcomeDuplicate, nil
		}
		return r.link(ctx, current.ID(), psub, plan)
	}
	if err != nil {
		return nil, OutcomeFailed, err
	}
	return created, OutcomeProcessed, nil
}

func (r *Reconciler) link(ctx context.Context, id string, psub provider.Subscription, plan plans.Plan) (*subscription.Subscription, Outcome, error) {
	sub, err := r.subs.Mutate(ctx, id, func(sub *subscription.Subscription) error {
		if sub.Payment().SubscriptionID != psub.ID {
			if err := sub.LinkProvider(r.provider.Name(), psub.CustomerID, psub.ID); err != nil {
				return err
			}
		}
		if err := sub.ChangePlan(plan.ID); err != nil {
			return err
		}
		return provider.ApplyState(sub, psub)
	})
	if err != nil {
		return nil, OutcomeFailed, err
	}
	return sub, OutcomeProcessed, nil
}

// planFor resolves the plan of a provider subscription. Plans without a
// provider price id are priced under their own id.
func (r *Reconciler) planFor(ctx context.Context, psub provider.Subscription) (plans.Plan, error) {
	if plan, ok, err := plans.FindByPriceID(ctx, r.catalog, psub.PriceID); err != nil || ok {
		return plan, err
	}
	if psub.PriceID != "" {
		plan, err := r.catalog.GetPlan(ctx, psub.PriceID)
		if err == nil {
			return plan, nil
		}
		if !subscription.IsNotFound(err) {
			return plans.Plan{}, err
		}
	}
	if planID := psub.Metadata["plan_id"]; planID != "" {
		return r.catalog.GetPlan(ctx, planID)
	}
	return plans.Plan{}, subscription.PlanNotFound(psub.PriceID)
}

func (r *Reconciler) handleInvoice(ctx context.Context, event provider.Event, succeeded bool) (string, Outcome, error) {
	invoice := event.Invoice
	if invoice == nil {
		return "", OutcomeFailed, subscription.NewValidationError("data.object", "invoice missing from event")
	}
	if invoice.SubscriptionID == "" {
		// One-off invoices are not tied to a subscription
		return "", OutcomeIgnored, nil
	}

	var recorded bool
	sub, err := r.subs.MutateByProviderID(ctx, invoice.SubscriptionID, func(sub *subscription.Subscription) error {
		var err error
		recorded, err = r.paymentRecorded(ctx, sub.ID(), invoice.ID, succeeded)
		if err != nil || recorded {
			return err
		}
		if succeeded {
			if err := sub.UpdateStatus(subscription.StatusActive); err != nil {
				return err
			}
			if err := provider.RefreshPeriod(sub, invoice.PeriodStart, invoice.PeriodEnd); err != nil {
				return err
			}
		} else if err := sub.UpdateStatus(subscription.StatusPastDue); err != nil {
			return err
		}
		sub.RecordPayment(invoice.ID, succeeded)
		return nil
	})
	if err != nil {
		return "", OutcomeFailed, err
	}
	if recorded {
		return sub.ID(), OutcomeDuplicate, nil
	}

	if !succeeded {
		r.notifyPaymentFailed(ctx, sub, invoice.ID)
	}
	return sub.ID(), OutcomeProcessed, nil
}

// paymentRecorded reports whether the subscription history already holds a
// payment of the same outcome for invoiceID. It runs under the subscription
// lock, so concurrent deliveries of one invoice record it once.
func (r *Reconciler) paymentRecorded(ctx context.Context, subscriptionID, invoiceID string, succeeded bool) (bool, error) {
	if r.history == nil || invoiceID == "" {
		return false, nil
	}
	eventType := subscription.KindPaymentFailed.Name()
	if succeeded {
		eventType = subscription.KindPaymentSucceeded.Name()
	}

	entries, err := r.history.GetSubscriptionHistory(ctx, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to read payment history: %w", err)
	}
	for _, entry := range entries {
		if entry.EventType == eventType && entry.EventData["invoice_id"] == invoiceID {
			return true, nil
		}
	}
	return false, nil
}

// notifyPaymentFailed sends the payment_failed notification. The state
// change is already saved, so a delivery failure is logged only.
func (r *Reconciler) notifyPaymentFailed(ctx context.Context, sub *subscription.Subscription, invoiceID string) {
	msg := notify.Message{
		Title:   "Payment failed",
		Message: fmt.Sprintf("We could not collect payment for invoice %s. Please update your payment method to keep your subscription active.", invoiceID),
	}
	if err := r.notifier.SendNotification(ctx, sub.OrganizationID(), notify.TypePaymentFailed, msg); err != nil {
		r.logger.WithFields(logrus.Fields{
			"subscription_id": sub.ID(),
			"organization_id": sub.OrganizationID(),
		}).WithError(err).Error("Failed to send payment failed notification")
	}
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event provider.Event) (string, Outcome, error) {
	psub := event.Subscription
	if psub == nil {
		return "", OutcomeFailed, subscription.NewValidationError("data.object", "subscription missing from event")
	}
	if _, err := provider.MapStatus(psub.Status); err != nil {
		return "", OutcomeFailed, err
	}

	var planID string
	if psub.PriceID != "" {
		plan, err := r.planFor(ctx, *psub)
		switch {
		case err == nil:
			planID = plan.ID
		case subscription.IsNotFound(err):
			r.logger.WithFields(logrus.Fields{
				"event_id": event.ID,
				"price_id": psub.PriceID,
			}).Warn("Provider price matches no plan, keeping current plan")
		default:
			return "", OutcomeFailed, err
		}
	}

	sub, err := r.subs.MutateByProviderID(ctx, psub.ID, func(sub *subscription.Subscription) error {
		if planID != "" {
			if err := sub.ChangePlan(planID); err != nil {
				return err
			}
		}
		return provider.ApplyState(sub, *psub)
	})
	if err != nil {
		return "", OutcomeFailed, err
	}
	return sub.ID(), OutcomeProcessed, nil
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event provider.Event) (string, Outcome, error) {
	psub := event.Subscription
	if psub == nil {
		return "", OutcomeFailed, subscription.NewValidationError("data.object", "subscription missing from event")
	}

	sub, err := r.subs.MutateByProviderID(ctx, psub.ID, func(sub *subscription.Subscription) error {
		return sub.UpdateStatus(subscription.StatusCanceled)
	})
	if err != nil {
		return "", OutcomeFailed, err
	}
	return sub.ID(), OutcomeProcessed, nil
}
