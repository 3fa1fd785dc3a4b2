package provider

import (
	"time"

	"github.com/platinummonkey/plangate/pkg/subscription"
)

// ApplyState copies the provider's status, period and scheduled
// cancellation onto sub. Only differences are recorded, so applying an
// unchanged provider subscription records nothing.
func ApplyState(sub *subscription.Subscription, psub Subscription) error {
	status, err := MapStatus(psub.Status)
	if err != nil {
		return err
	}
	if err := sub.UpdateStatus(status); err != nil {
		return err
	}
	if err := RefreshPeriod(sub, psub.CurrentPeriodStart, psub.CurrentPeriodEnd); err != nil {
		return err
	}
	if status == subscription.StatusCanceled {
		return nil
	}
	switch {
	case psub.CancelAtPeriodEnd && !sub.CancelAtPeriodEnd():
		sub.Cancel(true)
	case !psub.CancelAtPeriodEnd && sub.CancelAtPeriodEnd():
		return sub.Reactivate()
	}
	return nil
}

// RefreshPeriod updates the period when the provider reports a different
// one. A missing or empty period leaves it unchanged.
func RefreshPeriod(sub *subscription.Subscription, start, end time.Time) error {
	if start.IsZero() || !start.Before(end) {
		return nil
	}
	if start.Equal(sub.CurrentPeriodStart()) && end.Equal(sub.CurrentPeriodEnd()) {
		return nil
	}
	return sub.UpdatePeriod(start, end)
}
