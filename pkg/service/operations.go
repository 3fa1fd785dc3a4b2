package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/provider"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

// SubscribeRequest starts a paid subscription
type SubscribeRequest struct {
	OrganizationID  string
	PlanID          string
	PaymentMethodID string
	Billing         subscription.Billing
}

// PriceID returns the provider price of a plan. Plans without one are
// billed under their own id, which is what the null provider expects.
func PriceID(p plans.Plan) string {
	if p.ProviderPriceID != "" {
		return p.ProviderPriceID
	}
	return p.ID
}

func (s *SubscriptionService) requirePlan(ctx context.Context, planID string) (plans.Plan, error) {
	if planID == "" {
		return plans.Plan{}, subscription.NewValidationError("plan_id", "must not be empty")
	}
	return s.catalog.GetPlan(ctx, planID)
}

// existing returns the organization's subscription, or nil when it has none
func (s *SubscriptionService) existing(ctx context.Context, organizationID string) (*subscription.Subscription, error) {
	sub, err := s.repo.GetSubscriptionByOrganizationID(ctx, organizationID)
	if subscription.IsNotFound(err) {
		return nil, nil
	}
	return sub, err
}

// CreateTrialSubscription starts a 14 day trial on planID. An organization
// that already has a subscription cannot start a trial.
func (s *SubscriptionService) CreateTrialSubscription(ctx context.Context, organizationID, planID string) (*subscription.Subscription, error) {
	if _, err := s.requirePlan(ctx, planID); err != nil {
		return nil, err
	}
	current, err := s.existing(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, fmt.Errorf("cannot start trial: %w", subscription.ErrAlreadyExists)
	}

	sub, err := subscription.NewTrial(organizationID, planID, subscription.WithClock(s.clock))
	if err != nil {
		return nil, err
	}
	return s.Create(ctx, sub)
}

// Subscribe creates the subscription at the provider and records it locally.
// The local subscription takes the provider's status, which is usually
// incomplete until the first invoice is paid and the webhook activates it.
// Trials, pending and canceled subscriptions are converted in place; a live
// provider-linked subscription must change plan instead.
func (s *SubscriptionService) Subscribe(ctx context.Context, req SubscribeRequest) (*subscription.Subscription, error) {
	plan, err := s.requirePlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	current, err := s.existing(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Payment().Linked() && !current.IsCanceled() {
		return nil, fmt.Errorf("cannot subscribe: %w", subscription.ErrAlreadyExists)
	}

	log := s.logger.WithFields(logrus.Fields{
		"organization_id": req.OrganizationID,
		"plan_id":         plan.ID,
	})

	customer, err := s.provider.CreateCustomer(ctx, provider.CreateCustomerParams{
		OrganizationID: req.OrganizationID,
		Email:          req.Billing.Email,
		Name:           req.Billing.Name,
	})
	if err != nil {
		return nil, err
	}
	remote, err := s.provider.CreateSubscription(ctx, provider.CreateSubscriptionParams{
		OrganizationID:  req.OrganizationID,
		CustomerID:      customer.ID,
		PriceID:         PriceID(plan),
		PaymentMethodID: req.PaymentMethodID,
		IdempotencyKey:  uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	status, err := provider.MapStatus(remote.Status)
	if err != nil {
		return nil, err
	}

	apply := func(sub *subscription.Subscription) error {
		if err := sub.ChangePlan(plan.ID); err != nil {
			return err
		}
		if req.PaymentMethodID != "" {
			if err := sub.UpdatePaymentMethod(req.PaymentMethodID); err != nil {
				return err
			}
		}
		if err := sub.LinkProvider(s.provider.Name(), customer.ID, remote.ID); err != nil {
			return err
		}
		if err := sub.UpdateStatus(status); err != nil {
			return err
		}
		if remote.CurrentPeriodStart.Before(remote.CurrentPeriodEnd) {
			return sub.UpdatePeriod(remote.CurrentPeriodStart, remote.CurrentPeriodEnd)
		}
		return nil
	}

	var sub *subscription.Subscription
	if current == nil {
		sub, err = subscription.NewPending(req.OrganizationID, plan.ID, subscription.Payment{
			Provider:        s.provider.Name(),
			CustomerID:      customer.ID,
			PaymentMethodID: req.PaymentMethodID,
		}, req.Billing, subscription.WithClock(s.clock))
		if err == nil {
			err = apply(sub)
		}
		if err == nil {
			sub, err = s.Create(ctx, sub)
		}
	} else {
		sub, err = s.Mutate(ctx, current.ID(), func(sub *subscription.Subscription) error {
			if err := apply(sub); err != nil {
				return err
			}
			return sub.UpdateBillingDetails(billingUpdate(req.Billing))
		})
	}
	if err != nil {
		// The provider subscription exists; its webhooks will find no local
		// row and trigger a backfill
		log.WithField("provider_subscription_id", remote.ID).WithError(err).Error("Provider subscription created but local save failed")
		return nil, err
	}

	log.WithField("subscription_id", sub.ID()).Info("Subscription created")
	return sub, nil
}

func billingUpdate(b subscription.Billing) subscription.BillingUpdate {
	return subscription.BillingUpdate{
		Email:     &b.Email,
		Name:      &b.Name,
		Address:   &b.Address,
		VATNumber: &b.VATNumber,
	}
}

// Cancel cancels the organization's subscription at the provider first, then
// locally. A provider failure leaves the local subscription untouched.
func (s *SubscriptionService) Cancel(ctx context.Context, organizationID string, atPeriodEnd bool) (*subscription.Subscription, error) {
	current, err := s.repo.GetSubscriptionByOrganizationID(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if current.IsCanceled() {
		return nil, subscription.NewValidationError("status", "subscription is already canceled")
	}
	if current.Payment().Linked() {
		if _, err := s.provider.CancelSubscription(ctx, current.Payment().SubscriptionID, atPeriodEnd); err != nil {
			return nil, err
		}
	}
	return s.Mutate(ctx, current.ID(), func(sub *subscription.Subscription) error {
		if sub.IsCanceled() {
			return nil
		}
		sub.Cancel(atPeriodEnd)
		return nil
	})
}

// Reactivate withdraws a cancellation scheduled for the period end
func (s *SubscriptionService) Reactivate(ctx context.Context, organizationID string) (*subscription.Subscription, error) {
	current, err := s.repo.GetSubscriptionByOrganizationID(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if current.IsCanceled() || !current.CancelAtPeriodEnd() {
		// Let the aggregate produce the validation error
		return nil, current.Reactivate()
	}
	if current.Payment().Linked() {
		keep := false
		if _, err := s.provider.UpdateSubscription(ctx, current.Payment().SubscriptionID, provider.UpdateSubscriptionParams{
			CancelAtPeriodEnd: &keep,
		}); err != nil {
			return nil, err
		}
	}
	return s.Mutate(ctx, current.ID(), func(sub *subscription.Subscription) error {
		if !sub.CancelAtPeriodEnd() {
			return nil
		}
		return sub.Reactivate()
	})
}

// ChangePlan moves the organization to planID, at the provider first when
// the subscription is provider-linked. Changing to the current plan is a no-op.
func (s *SubscriptionService) ChangePlan(ctx context.Context, organizationID, planID string) (*subscription.Subscription, error) {
	plan, err := s.requirePlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetSubscriptionByOrganizationID(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if current.PlanID() == plan.ID {
		return current, nil
	}
	if current.IsCanceled() {
		return nil, subscription.NewValidationError("status", "canceled subscriptions cannot change plan")
	}
	if current.Payment().Linked() {
		price := PriceID(plan)
		if _, err := s.provider.UpdateSubscription(ctx, current.Payment().SubscriptionID, provider.UpdateSubscriptionParams{
			PriceID: &price,
		}); err != nil {
			return nil, err
		}
	}
	return s.Mutate(ctx, current.ID(), func(sub *subscription.Subscription) error {
		return sub.ChangePlan(plan.ID)
	})
}

// UpdatePaymentMethod sets the default payment method
func (s *SubscriptionService) UpdatePaymentMethod(ctx context.Context, organizationID, paymentMethodID string) (*subscription.Subscription, error) {
	return s.MutateByOrganization(ctx, organizationID, func(sub *subscription.Subscription) error {
		return sub.UpdatePaymentMethod(paymentMethodID)
	})
}

// UpdateBillingDetails merges a partial billing profile
func (s *SubscriptionService) UpdateBillingDetails(ctx context.Context, organizationID string, update subscription.BillingUpdate) (*subscription.Subscription, error) {
	return s.MutateByOrganization(ctx, organizationID, func(sub *subscription.Subscription) error {
		return sub.UpdateBillingDetails(update)
	})
}

// UpdateUsage merges a partial usage snapshot through the aggregate
func (s *SubscriptionService) UpdateUsage(ctx context.Context, organizationID string, update subscription.UsageUpdate) (*subscription.Subscription, error) {
	return s.MutateByOrganization(ctx, organizationID, func(sub *subscription.Subscription) error {
		return sub.UpdateUsage(update)
	})
}

// IsAlreadyExists reports whether err means the organization already has a subscription
func IsAlreadyExists(err error) bool {
	return errors.Is(err, subscription.ErrAlreadyExists)
}
