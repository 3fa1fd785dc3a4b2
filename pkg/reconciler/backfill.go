package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plangate/pkg/async"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

// enqueueBackfill queues a fetch of a provider subscription with no local row.
// A full queue drops the request; the hourly sync job catches up.
func (r *Reconciler) enqueueBackfill(providerSubscriptionID string) {
	logger := r.logger.WithField("provider_subscription_id", providerSubscriptionID)
	if r.backfill == nil {
		logger.Warn("Backfill disabled, unknown subscription needs manual follow-up")
		return
	}

	err := r.backfill.TrySubmit(func(ctx context.Context) error {
		return r.Backfill(ctx, providerSubscriptionID)
	})
	if err != nil {
		if errors.Is(err, async.ErrPoolFull) || errors.Is(err, async.ErrPoolClosed) {
			logger.WithError(err).Warn("Backfill not queued")
			return
		}
		logger.WithError(err).Error("Failed to queue backfill")
		return
	}
	r.metrics.RecordBackfillEnqueued()
}

// Backfill fetches a provider subscription and stores it locally. The
// provider subscription must carry the organization id in its metadata.
func (r *Reconciler) Backfill(ctx context.Context, providerSubscriptionID string) error {
	if _, err := r.reader.GetSubscriptionByProviderID(ctx, providerSubscriptionID); err == nil {
		return nil
	} else if !subscription.IsNotFound(err) {
		return err
	}

	psub, err := r.provider.RetrieveSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to retrieve provider subscription %s: %w", providerSubscriptionID, err)
	}
	organizationID := psub.Metadata[metadataOrganizationID]
	if organizationID == "" {
		return fmt.Errorf("provider subscription %s: %w", providerSubscriptionID, subscription.ErrMissingOrganizationID)
	}

	sub, outcome, err := r.createOrLink(ctx, organizationID, psub)
	if err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"provider_subscription_id": providerSubscriptionID,
		"subscription_id":          sub.ID(),
		"outcome":                  outcome,
	}).Info("Backfilled subscription from provider")
	return nil
}
