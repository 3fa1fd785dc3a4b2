package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plangate/pkg/plans"
	"github.com/platinummonkey/plangate/pkg/storage"
	"github.com/platinummonkey/plangate/pkg/subscription"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

var subscriptionColumnNames = []string{
	"id", "organization_id", "plan_id", "status",
	"current_period_start", "current_period_end", "cancel_at_period_end", "trial_end",
	"payment_provider", "provider_customer_id", "provider_subscription_id", "payment_method_id",
	"billing", "usage_team_members", "usage_media_storage", "usage_api_requests", "usage_last_updated",
	"version", "created_at", "updated_at",
}

func newTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	repo := NewRepository(NewConnectionManagerFromDB(db), logger)
	repo.clock = func() time.Time { return testNow }
	return repo, mock
}

func addSubscriptionRow(rows *sqlmock.Rows, id, org string, status subscription.Status, version int64) *sqlmock.Rows {
	return rows.AddRow(
		id, org, "pro", string(status),
		testNow.Add(-10*day), testNow.Add(20*day), false, nil,
		"stripe", "cus_1", "sub_"+id, nil,
		[]byte(`{"email":"billing@example.com","address":{"country":"US"}}`), int64(3), int64(1024), int64(50), testNow,
		version, testNow.Add(-30*day), testNow,
	)
}

func storedSubscription(t *testing.T, version int64) *subscription.Subscription {
	t.Helper()
	sub, err := subscription.Restore(subscription.Snapshot{
		ID:                 "s1",
		OrganizationID:     "org-1",
		PlanID:             "pro",
		Status:             subscription.StatusActive,
		CurrentPeriodStart: testNow.Add(-10 * day),
		CurrentPeriodEnd:   testNow.Add(20 * day),
		Payment:            subscription.Payment{Provider: "stripe", CustomerID: "cus_1", SubscriptionID: "sub_1"},
		CreatedAt:          testNow.Add(-30 * day),
		UpdatedAt:          testNow.Add(-day),
		Version:            version,
	}, subscription.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return sub
}

func TestRepository_GetSubscription(t *testing.T) {
	t.Run("success - by id", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		rows := addSubscriptionRow(sqlmock.NewRows(subscriptionColumnNames), "s1", "org-1", subscription.StatusActive, 4)
		mock.ExpectQuery(`SELECT (.+) FROM subscriptions WHERE id = \$1`).
			WithArgs("s1").
			WillReturnRows(rows)

		sub, err := repo.GetSubscriptionByID(context.Background(), "s1")
		require.NoError(t, err)
		assert.Equal(t, "org-1", sub.OrganizationID())
		assert.Equal(t, subscription.StatusActive, sub.Status())
		assert.Equal(t, int64(4), sub.Version())
		assert.Equal(t, "sub_s1", sub.Payment().SubscriptionID)
		assert.Empty(t, sub.Payment().PaymentMethodID)
		assert.Nil(t, sub.TrialEnd())
		assert.Equal(t, "billing@example.com", sub.Billing().Email)
		assert.Equal(t, "US", sub.Billing().Address.Country)
		assert.Equal(t, int64(1024), sub.Usage().MediaStorage)
		assert.Empty(t, sub.PendingEvents())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("success - by organization", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		rows := addSubscriptionRow(sqlmock.NewRows(subscriptionColumnNames), "s1", "org-1", subscription.StatusTrialing, 1)
		mock.ExpectQuery(`SELECT (.+) FROM subscriptions WHERE organization_id = \$1`).
			WithArgs("org-1").
			WillReturnRows(rows)

		sub, err := repo.GetSubscriptionByOrganizationID(context.Background(), "org-1")
		require.NoError(t, err)
		assert.Equal(t, "s1", sub.ID())
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery(`SELECT (.+) FROM subscriptions WHERE provider_subscription_id = \$1`).
			WithArgs("sub_missing").
			WillReturnRows(sqlmock.NewRows(subscriptionColumnNames))

		_, err := repo.GetSubscriptionByProviderID(context.Background(), "sub_missing")
		assert.True(t, subscription.IsNotFound(err))
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("database error", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery(`SELECT (.+) FROM subscriptions`).WillReturnError(errors.New("connection reset"))

		_, err := repo.GetSubscriptionByID(context.Background(), "s1")
		require.Error(t, err)
		assert.False(t, subscription.IsNotFound(err))
		assert.Contains(t, err.Error(), "failed to get subscription")
	})
}

func TestRepository_SaveSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("success - insert with history", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		sub, err := subscription.NewTrial("org-1", "pro",
			subscription.WithID("s1"), subscription.WithClock(func() time.Time { return testNow }))
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO subscriptions").
			WithArgs("s1", "org-1", "pro", "trialing",
				testNow, testNow.Add(30*day), false, sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), int64(0), int64(0), int64(0), sqlmock.AnyArg(),
				testNow, testNow).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
		mock.ExpectExec("INSERT INTO subscription_history").
			WithArgs("s1", sqlmock.AnyArg(), "subscription.created", sqlmock.AnyArg(), testNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		events, err := repo.SaveSubscription(ctx, sub)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, subscription.KindCreated, events[0].Kind())
		assert.Equal(t, int64(1), sub.Version())
		assert.Empty(t, sub.PendingEvents())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate organization", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		sub, err := subscription.NewTrial("org-1", "pro", subscription.WithClock(func() time.Time { return testNow }))
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO subscriptions").WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, err = repo.SaveSubscription(ctx, sub)
		assert.ErrorIs(t, err, subscription.ErrAlreadyExists)
		assert.Len(t, sub.PendingEvents(), 1)
		assert.Equal(t, int64(0), sub.Version())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("success - update keeps stored usage", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		sub := storedSubscription(t, 3)
		sub.Cancel(true)

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE subscriptions SET plan_id").
			WithArgs("s1", int64(3), "pro", "active",
				sqlmock.AnyArg(), sqlmock.AnyArg(), true, sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), testNow).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))
		mock.ExpectExec("INSERT INTO subscription_history").
			WithArgs("s1", sqlmock.AnyArg(), "subscription.canceled", sqlmock.AnyArg(), testNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		events, err := repo.SaveSubscription(ctx, sub)
		require.NoError(t, err)
		assert.Len(t, events, 1)
		assert.Equal(t, int64(4), sub.Version())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("success - update writes only the changed usage counters", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		sub := storedSubscription(t, 3)
		members := int64(7)
		require.NoError(t, sub.UpdateUsage(subscription.UsageUpdate{TeamMembers: &members}))

		// usage_api_requests was incremented to 55 after sub was loaded
		mock.ExpectBegin()
		mock.ExpectQuery(`usage_team_members = COALESCE\(\$15::BIGINT, usage_team_members\)`).
			WithArgs("s1", int64(3), "pro", "active",
				sqlmock.AnyArg(), sqlmock.AnyArg(), false, sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), testNow,
				int64(7), nil, nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{
				"version", "usage_team_members", "usage_media_storage", "usage_api_requests", "usage_last_updated",
			}).AddRow(4, int64(7), int64(0), int64(55), testNow))
		mock.ExpectExec("INSERT INTO subscription_history").
			WithArgs("s1", sqlmock.AnyArg(), "subscription.usage_updated", sqlmock.AnyArg(), testNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		_, err := repo.SaveSubscription(ctx, sub)
		require.NoError(t, err)
		assert.Equal(t, int64(4), sub.Version())
		assert.Equal(t, int64(7), sub.Usage().TeamMembers)
		assert.Equal(t, int64(55), sub.Usage().APIRequests)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("success - increment then unrelated usage save keeps the increment", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		sub := storedSubscription(t, 3)

		mock.ExpectQuery(`SET usage_api_requests = usage_api_requests \+ \$2`).
			WithArgs("s1", int64(5), testNow).
			WillReturnRows(sqlmock.NewRows([]string{"usage_api_requests"}).AddRow(int64(5)))
		total, err := repo.IncrementSubscriptionUsage(ctx, "s1", plans.MetricAPIRequests, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)

		members := int64(3)
		require.NoError(t, sub.UpdateUsage(subscription.UsageUpdate{TeamMembers: &members}))

		mock.ExpectBegin()
		mock.ExpectQuery("usage_api_requests = COALESCE").
			WithArgs("s1", int64(3), "pro", "active",
				sqlmock.AnyArg(), sqlmock.AnyArg(), false, sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), testNow,
				int64(3), nil, nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{
				"version", "usage_team_members", "usage_media_storage", "usage_api_requests", "usage_last_updated",
			}).AddRow(4, int64(3), int64(0), int64(5), testNow))
		mock.ExpectExec("INSERT INTO subscription_history").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		_, err = repo.SaveSubscription(ctx, sub)
		require.NoError(t, err)
		assert.Equal(t, int64(3), sub.Usage().TeamMembers)
		assert.Equal(t, int64(5), sub.Usage().APIRequests)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		sub := storedSubscription(t, 3)
		require.NoError(t, sub.ChangePlan("enterprise"))

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE subscriptions SET plan_id").
			WillReturnRows(sqlmock.NewRows([]string{"version"}))
		mock.ExpectRollback()

		_, err := repo.SaveSubscription(ctx, sub)
		assert.ErrorIs(t, err, subscription.ErrConcurrencyConflict)
		assert.Len(t, sub.PendingEvents(), 1)
		assert.Equal(t, int64(3), sub.Version())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("history failure rolls back", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		sub := storedSubscription(t, 3)
		sub.Cancel(false)

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE subscriptions SET plan_id").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))
		mock.ExpectExec("INSERT INTO subscription_history").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := repo.SaveSubscription(ctx, sub)
		require.Error(t, err)
		assert.Equal(t, int64(3), sub.Version())
		assert.NotEmpty(t, sub.PendingEvents())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepository_DeleteSubscription(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec(`DELETE FROM subscriptions WHERE id = \$1`).
			WithArgs("s1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.DeleteSubscription(context.Background(), "s1"))
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec("DELETE FROM subscriptions").
			WithArgs("missing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.DeleteSubscription(context.Background(), "missing")
		assert.True(t, subscription.IsNotFound(err))
	})
}

func TestRepository_Usage(t *testing.T) {
	ctx := context.Background()

	t.Run("success - update records history", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE subscriptions SET usage_team_members = \$2`).
			WithArgs("s1", int64(5), testNow).
			WillReturnRows(sqlmock.NewRows([]string{"organization_id", "usage_team_members", "usage_media_storage", "usage_api_requests"}).
				AddRow("org-1", int64(5), int64(10), int64(20)))
		mock.ExpectExec("INSERT INTO subscription_history").
			WithArgs("s1", sqlmock.AnyArg(), "subscription.usage_updated", sqlmock.AnyArg(), testNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		usage, err := repo.UpdateSubscriptionUsage(ctx, "s1", plans.MetricTeamMembers, 5)
		require.NoError(t, err)
		assert.Equal(t, subscription.Usage{TeamMembers: 5, MediaStorage: 10, APIRequests: 20, LastUpdated: testNow}, usage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update unknown subscription", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE subscriptions SET usage_media_storage").
			WillReturnRows(sqlmock.NewRows([]string{"organization_id", "usage_team_members", "usage_media_storage", "usage_api_requests"}))
		mock.ExpectRollback()

		_, err := repo.UpdateSubscriptionUsage(ctx, "missing", plans.MetricMediaStorage, 5)
		assert.True(t, subscription.IsNotFound(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects invalid input without touching the database", func(t *testing.T) {
		repo, mock := newTestRepository(t)

		_, err := repo.UpdateSubscriptionUsage(ctx, "s1", plans.MetricTeamMembers, -1)
		assert.True(t, subscription.IsValidation(err))

		_, err = repo.UpdateSubscriptionUsage(ctx, "s1", plans.MetricConcurrentUsers, 1)
		assert.True(t, subscription.IsValidation(err))

		_, err = repo.IncrementSubscriptionUsage(ctx, "s1", plans.MetricCustomDashboards, 1)
		assert.True(t, subscription.IsValidation(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("success - increment", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery(`UPDATE subscriptions SET usage_api_requests = usage_api_requests \+ \$2`).
			WithArgs("s1", int64(1), testNow).
			WillReturnRows(sqlmock.NewRows([]string{"usage_api_requests"}).AddRow(int64(42)))

		value, err := repo.IncrementSubscriptionUsage(ctx, "s1", plans.MetricAPIRequests, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(42), value)
	})

	t.Run("increment unknown subscription", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery("UPDATE subscriptions SET usage_api_requests").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.IncrementSubscriptionUsage(ctx, "missing", plans.MetricAPIRequests, 1)
		assert.True(t, subscription.IsNotFound(err))
	})
}

func TestRepository_Queries(t *testing.T) {
	ctx := context.Background()

	t.Run("success - by status", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		rows := sqlmock.NewRows(subscriptionColumnNames)
		addSubscriptionRow(rows, "s1", "org-1", subscription.StatusActive, 1)
		addSubscriptionRow(rows, "s2", "org-2", subscription.StatusTrialing, 2)
		mock.ExpectQuery(`WHERE status = ANY\(\$1\) ORDER BY created_at, id`).
			WithArgs(pq.Array([]string{"active", "trialing"})).
			WillReturnRows(rows)

		subs, err := repo.GetSubscriptionsByStatus(ctx, subscription.StatusActive, subscription.StatusTrialing)
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.Equal(t, "s1", subs[0].ID())
		assert.Equal(t, "s2", subs[1].ID())
	})

	t.Run("success - expired", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery(`cancel_at_period_end AND current_period_end <= \$1`).
			WithArgs(testNow).
			WillReturnRows(sqlmock.NewRows(subscriptionColumnNames))

		subs, err := repo.GetExpiredSubscriptions(ctx, testNow)
		require.NoError(t, err)
		assert.Empty(t, subs)
		assert.NotNil(t, subs)
	})

	t.Run("success - renewing", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		rows := addSubscriptionRow(sqlmock.NewRows(subscriptionColumnNames), "s1", "org-1", subscription.StatusActive, 1)
		mock.ExpectQuery(`current_period_end BETWEEN \$1 AND \$2`).
			WithArgs(testNow, testNow.Add(7*day)).
			WillReturnRows(rows)

		subs, err := repo.GetSubscriptionsRenewingBetween(ctx, testNow, testNow.Add(7*day))
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	})

	t.Run("success - failed payments and provider links", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery(`status = ANY`).
			WithArgs(pq.Array([]string{"past_due"})).
			WillReturnRows(addSubscriptionRow(sqlmock.NewRows(subscriptionColumnNames), "s1", "org-1", subscription.StatusPastDue, 1))
		mock.ExpectQuery(`provider_subscription_id IS NOT NULL AND status <> 'canceled'`).
			WillReturnRows(sqlmock.NewRows(subscriptionColumnNames))

		failed, err := repo.GetSubscriptionsWithFailedPayments(ctx)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.True(t, failed[0].IsPastDue())

		linked, err := repo.GetSubscriptionsWithProviderLink(ctx)
		require.NoError(t, err)
		assert.Empty(t, linked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery("SELECT").WillReturnError(errors.New("replica down"))

		_, err := repo.GetExpiredSubscriptions(ctx, testNow)
		assert.Error(t, err)
	})
}

func TestRepository_Plans(t *testing.T) {
	columns := []string{"id", "tier", "display_name", "price_monthly", "price_yearly", "currency", "provider_price_id", "features", "limits"}

	t.Run("success - get plan", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery(`FROM subscription_plans WHERE id = \$1`).
			WithArgs("pro").
			WillReturnRows(sqlmock.NewRows(columns).AddRow(
				"pro", "pro", "Pro", int64(4900), int64(49000), "usd", "price_pro",
				[]byte(`[{"id":"api_access","enabled":true,"tier":"pro"}]`),
				[]byte(`{"team_members":25,"media_storage":100,"custom_dashboards":25,"api_requests":1000000}`),
			))

		p, err := repo.GetSubscriptionPlanByID(context.Background(), "pro")
		require.NoError(t, err)
		assert.Equal(t, plans.TierPro, p.Tier)
		assert.Equal(t, "price_pro", p.ProviderPriceID)
		assert.True(t, p.HasFeature("api_access"))
		limit, ok := p.Limits.For(plans.MetricAPIRequests)
		assert.True(t, ok)
		assert.Equal(t, int64(1000000), limit)
		_, ok = p.Limits.For(plans.MetricConcurrentUsers)
		assert.False(t, ok)
	})

	t.Run("plan not found", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectQuery("FROM subscription_plans").WillReturnRows(sqlmock.NewRows(columns))

		_, err := repo.GetSubscriptionPlanByID(context.Background(), "gold")
		assert.ErrorIs(t, err, subscription.ErrPlanNotFound)
	})

	t.Run("success - upsert", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec("INSERT INTO subscription_plans").
			WithArgs("basic", "basic", sqlmock.AnyArg(), int64(0), int64(0), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		basic := plans.DefaultPlans()[0]
		require.NoError(t, repo.UpsertPlan(context.Background(), basic))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepository_History(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectQuery(`FROM subscription_history WHERE subscription_id = \$1 ORDER BY created_at, id`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"subscription_id", "event_id", "event_type", "event_data", "created_at"}).
			AddRow("s1", "e1", "subscription.created", []byte(`{"plan_id":"pro"}`), testNow).
			AddRow("s1", "e2", "subscription.canceled", []byte(`{"at_period_end":true}`), testNow.Add(time.Hour)))

	history, err := repo.GetSubscriptionHistory(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "subscription.created", history[0].EventType)
	assert.Equal(t, "pro", history[0].EventData["plan_id"])
	assert.Equal(t, true, history[1].EventData["at_period_end"])
}

func TestRepository_SaveStatisticsSnapshot(t *testing.T) {
	repo, mock := newTestRepository(t)
	mock.ExpectExec("INSERT INTO subscription_statistics").
		WithArgs("stat-1", testNow, int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SaveStatisticsSnapshot(context.Background(), storage.StatisticsSnapshot{
		ID:      "stat-1",
		TakenAt: testNow,
		Total:   3,
		ByTier:  map[plans.Tier]storage.TierCounts{plans.TierPro: {Active: 2, Trialing: 1}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations(t *testing.T) {
	t.Run("success - applies pending migrations only", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS subscription_migrations").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM subscription_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1).AddRow(2).AddRow(3))
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS subscription_statistics").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO subscription_migrations").
			WithArgs(4, "Create subscription_statistics table").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, RunMigrations(context.Background(), db, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed migration rolls back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS subscription_migrations").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM subscription_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"version"}))
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS subscription_plans").
			WillReturnError(errors.New("permission denied"))
		mock.ExpectRollback()

		err = RunMigrations(context.Background(), db, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "migration 1")
	})
}

func TestMigrationsAreOrdered(t *testing.T) {
	migrations := GetMigrations()
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.SQL)
	}
}
