package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plangate/pkg/subscription"
)

func newActive(t *testing.T, start, end time.Time) *subscription.Subscription {
	t.Helper()
	sub, err := subscription.NewFromProvider(subscription.ProviderParams{
		OrganizationID: "org-1",
		PlanID:         "pro",
		Status:         subscription.StatusActive,
		PeriodStart:    start,
		PeriodEnd:      end,
	})
	require.NoError(t, err)
	sub.FlushEvents()
	return sub
}

func TestApplyState(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	t.Run("unchanged records nothing", func(t *testing.T) {
		sub := newActive(t, start, end)
		require.NoError(t, ApplyState(sub, Subscription{Status: "active", CurrentPeriodStart: start, CurrentPeriodEnd: end}))
		assert.Empty(t, sub.PendingEvents())
	})

	t.Run("status, period and scheduled cancellation", func(t *testing.T) {
		sub := newActive(t, start, end)
		require.NoError(t, ApplyState(sub, Subscription{
			Status:             "past_due",
			CurrentPeriodStart: end,
			CurrentPeriodEnd:   end.AddDate(0, 1, 0),
			CancelAtPeriodEnd:  true,
		}))

		assert.Equal(t, subscription.StatusPastDue, sub.Status())
		assert.Equal(t, end, sub.CurrentPeriodStart())
		assert.True(t, sub.CancelAtPeriodEnd())

		var kinds []subscription.Kind
		for _, e := range sub.PendingEvents() {
			kinds = append(kinds, e.Kind())
		}
		assert.Equal(t, []subscription.Kind{
			subscription.KindStatusChanged,
			subscription.KindPeriodUpdated,
			subscription.KindCancelled,
		}, kinds)
	})

	t.Run("withdrawn cancellation", func(t *testing.T) {
		sub := newActive(t, start, end)
		sub.Cancel(true)
		require.NoError(t, ApplyState(sub, Subscription{Status: "active"}))
		assert.False(t, sub.CancelAtPeriodEnd())
	})

	t.Run("canceled ignores the cancellation flag", func(t *testing.T) {
		sub := newActive(t, start, end)
		sub.Cancel(true)
		require.NoError(t, ApplyState(sub, Subscription{Status: "canceled"}))
		assert.True(t, sub.IsCanceled())
	})

	t.Run("unknown status leaves the subscription unchanged", func(t *testing.T) {
		sub := newActive(t, start, end)
		err := ApplyState(sub, Subscription{Status: "paused"})
		assert.True(t, subscription.IsValidation(err))
		assert.Empty(t, sub.PendingEvents())
	})
}

func TestRefreshPeriod(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	sub := newActive(t, start, end)

	require.NoError(t, RefreshPeriod(sub, time.Time{}, end))
	require.NoError(t, RefreshPeriod(sub, end, end))
	assert.Empty(t, sub.PendingEvents())

	require.NoError(t, RefreshPeriod(sub, end, end.AddDate(0, 1, 0)))
	assert.Len(t, sub.PendingEvents(), 1)
}
