package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/plangate/pkg/notify"
	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/provider"
	"github.com/platinummonkey/plangate/pkg/storage"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

// tierUnknown labels subscriptions whose plan is missing from the catalog
const tierUnknown plans.Tier = "unknown"

// PeriodReminder is the payload of the upcoming renewal and expiry events
type PeriodReminder struct {
	SubscriptionID   string    `json:"subscription_id"`
	OrganizationID   string    `json:"organization_id"`
	PlanID           string    `json:"plan_id"`
	PeriodEnd        time.Time `json:"period_end"`
	DaysUntilRenewal int       `json:"days_until_renewal"`
}

// SyncSubscriptionStatuses pulls every provider-linked subscription from
// the provider and applies differences in status, period and scheduled
// cancellation. A provider failure for one subscription is counted and the
// sweep continues.
func (s *Scheduler) SyncSubscriptionStatuses(ctx context.Context) JobResult {
	return s.run(ctx, JobSyncSubscriptionStatuses, func(ctx context.Context, result *JobResult) error {
		subs, err := s.repo.GetSubscriptionsWithProviderLink(ctx)
		if err != nil {
			return fmt.Errorf("failed to list provider-linked subscriptions: %w", err)
		}

		s.sweep(ctx, result, subs, func(ctx context.Context, sub *subscription.Subscription) (bool, error) {
			psub, err := s.provider.RetrieveSubscription(ctx, sub.Payment().SubscriptionID)
			if err != nil {
				return false, err
			}
			var changed bool
			_, err = s.subs.Mutate(ctx, sub.ID(), func(sub *subscription.Subscription) error {
				if err := provider.ApplyState(sub, psub); err != nil {
					return err
				}
				changed = len(sub.PendingEvents()) > 0
				return nil
			})
			return changed, err
		})
		return nil
	})
}

// CheckRenewalReminders notifies organizations whose period ends within the
// renewal window. Subscriptions scheduled to cancel get an expiry reminder
// instead of a renewal reminder.
func (s *Scheduler) CheckRenewalReminders(ctx context.Context) JobResult {
	return s.run(ctx, JobCheckRenewalReminders, func(ctx context.Context, result *JobResult) error {
		now := s.clock()
		subs, err := s.repo.GetSubscriptionsRenewingBetween(ctx, now, now.Add(s.renewalWindow))
		if err != nil {
			return fmt.Errorf("failed to list renewing subscriptions: %w", err)
		}

		s.sweep(ctx, result, subs, func(ctx context.Context, sub *subscription.Subscription) (bool, error) {
			days := sub.DaysUntilRenewal(now)
			reminder := PeriodReminder{
				SubscriptionID:   sub.ID(),
				OrganizationID:   sub.OrganizationID(),
				PlanID:           sub.PlanID(),
				PeriodEnd:        sub.CurrentPeriodEnd(),
				DaysUntilRenewal: days,
			}
			end := sub.CurrentPeriodEnd().Format("January 2, 2006")

			if sub.CancelAtPeriodEnd() {
				msg := notify.Message{
					Title:   "Your subscription is ending",
					Message: fmt.Sprintf("Your %s subscription ends on %s (%d days). Reactivate it to keep your features.", sub.PlanID(), end, days),
				}
				if err := s.notifier.SendNotification(ctx, sub.OrganizationID(), notify.TypeExpiryReminder, msg); err != nil {
					return false, err
				}
				s.publish(ctx, EventExpiryUpcoming, reminder)
				return false, nil
			}

			msg := notify.Message{
				Title:   "Your subscription renews soon",
				Message: fmt.Sprintf("Your %s subscription renews on %s (%d days).", sub.PlanID(), end, days),
			}
			if err := s.notifier.SendNotification(ctx, sub.OrganizationID(), notify.TypeRenewalReminder, msg); err != nil {
				return false, err
			}
			s.publish(ctx, EventRenewalUpcoming, reminder)
			return false, nil
		})
		return nil
	})
}

// ProcessExpiredSubscriptions cancels subscriptions whose scheduled
// cancellation has come due. Processed counts the subscriptions it expired.
func (s *Scheduler) ProcessExpiredSubscriptions(ctx context.Context) JobResult {
	return s.run(ctx, JobProcessExpiredSubscriptions, func(ctx context.Context, result *JobResult) error {
		now := s.clock()
		subs, err := s.repo.GetExpiredSubscriptions(ctx, now)
		if err != nil {
			return fmt.Errorf("failed to list expired subscriptions: %w", err)
		}

		s.sweep(ctx, result, subs, func(ctx context.Context, sub *subscription.Subscription) (bool, error) {
			var expired bool
			saved, err := s.subs.Mutate(ctx, sub.ID(), func(sub *subscription.Subscription) error {
				expired = sub.MarkExpired(now)
				return nil
			})
			if err != nil || !expired {
				return false, err
			}

			msg := notify.Message{
				Title:   "Your subscription has ended",
				Message: fmt.Sprintf("Your %s subscription ended on %s.", saved.PlanID(), saved.CurrentPeriodEnd().Format("January 2, 2006")),
			}
			if err := s.notifier.SendNotification(ctx, saved.OrganizationID(), notify.TypeSubscriptionExpired, msg); err != nil {
				// The subscription is already canceled; only the notice is lost
				s.logger.WithField("subscription_id", saved.ID()).WithError(err).Warn("Failed to send expiry notification")
			}
			return true, nil
		})
		// Subscriptions another writer already canceled are not counted
		result.Processed = result.Changed
		return nil
	})
}

// SendPaymentFailureReminders reminds every past_due organization to fix
// its payment method.
func (s *Scheduler) SendPaymentFailureReminders(ctx context.Context) JobResult {
	return s.run(ctx, JobSendPaymentFailureReminders, func(ctx context.Context, result *JobResult) error {
		subs, err := s.repo.GetSubscriptionsWithFailedPayments(ctx)
		if err != nil {
			return fmt.Errorf("failed to list past due subscriptions: %w", err)
		}

		s.sweep(ctx, result, subs, func(ctx context.Context, sub *subscription.Subscription) (bool, error) {
			msg := notify.Message{
				Title:   "Payment still outstanding",
				Message: fmt.Sprintf("We still could not collect payment for your %s subscription. Please update your payment method to avoid losing access.", sub.PlanID()),
			}
			return false, s.notifier.SendNotification(ctx, sub.OrganizationID(), notify.TypePaymentFailedReminder, msg)
		})
		return nil
	})
}

// UpdateSubscriptionStatistics counts subscriptions by plan tier and status,
// stores the snapshot and exports the counts as gauges. No subscription is
// modified.
func (s *Scheduler) UpdateSubscriptionStatistics(ctx context.Context) JobResult {
	return s.run(ctx, JobUpdateSubscriptionStatistics, func(ctx context.Context, result *JobResult) error {
		subs, err := s.repo.GetSubscriptionsByStatus(ctx, subscription.AllStatuses()...)
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}

		snapshot := storage.StatisticsSnapshot{
			ID:      uuid.New().String(),
			TakenAt: s.clock().UTC(),
			ByTier:  make(map[plans.Tier]storage.TierCounts),
		}
		tiers := make(map[string]plans.Tier)
		for _, sub := range subs {
			tier, ok := tiers[sub.PlanID()]
			if !ok {
				tier = s.tierOf(ctx, sub.PlanID())
				tiers[sub.PlanID()] = tier
			}
			counts := snapshot.ByTier[tier]
			counts.Add(sub.Status())
			snapshot.ByTier[tier] = counts
			snapshot.Total++
		}
		result.Processed = len(subs)

		if err := s.repo.SaveStatisticsSnapshot(ctx, snapshot); err != nil {
			return fmt.Errorf("failed to save statistics snapshot: %w", err)
		}
		if s.archive != nil {
			if err := s.archive.SaveStatisticsSnapshot(ctx, snapshot); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("archive snapshot %s: %v", snapshot.ID, err))
			}
		}

		for tier, counts := range snapshot.ByTier {
			s.metrics.SetSubscriptionCount(string(tier), string(subscription.StatusActive), counts.Active)
			s.metrics.SetSubscriptionCount(string(tier), string(subscription.StatusTrialing), counts.Trialing)
			s.metrics.SetSubscriptionCount(string(tier), string(subscription.StatusPastDue), counts.PastDue)
			s.metrics.SetSubscriptionCount(string(tier), string(subscription.StatusCanceled), counts.Canceled)
		}
		return nil
	})
}

func (s *Scheduler) tierOf(ctx context.Context, planID string) plans.Tier {
	plan, err := s.catalog.GetPlan(ctx, planID)
	if err != nil {
		s.logger.WithField("plan_id", planID).WithError(err).Warn("Plan not in catalog, counting as unknown tier")
		return tierUnknown
	}
	return plan.Tier
}
