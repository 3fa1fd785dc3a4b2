package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all subscription store migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create subscription_plans table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscription_plans (
					id TEXT PRIMARY KEY,
					tier TEXT NOT NULL,
					display_name TEXT NOT NULL,
					price_monthly BIGINT NOT NULL DEFAULT 0,
					price_yearly BIGINT NOT NULL DEFAULT 0,
					currency TEXT NOT NULL DEFAULT 'usd',
					provider_price_id TEXT,
					features JSONB NOT NULL DEFAULT '[]',
					limits JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_subscription_plans_provider_price_id ON subscription_plans(provider_price_id);
			`,
		},
		{
			Version:     2,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL UNIQUE,
					plan_id TEXT NOT NULL,
					status TEXT NOT NULL,
					current_period_start TIMESTAMPTZ NOT NULL,
					current_period_end TIMESTAMPTZ NOT NULL,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					trial_end TIMESTAMPTZ,
					payment_provider TEXT,
					provider_customer_id TEXT,
					provider_subscription_id TEXT,
					payment_method_id TEXT,
					billing JSONB NOT NULL DEFAULT '{}',
					usage_team_members BIGINT NOT NULL DEFAULT 0,
					usage_media_storage BIGINT NOT NULL DEFAULT 0,
					usage_api_requests BIGINT NOT NULL DEFAULT 0,
					usage_last_updated TIMESTAMPTZ,
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (current_period_start < current_period_end)
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_provider_subscription_id
					ON subscriptions(provider_subscription_id) WHERE provider_subscription_id IS NOT NULL;
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_current_period_end ON subscriptions(current_period_end);
			`,
		},
		{
			Version:     3,
			Description: "Create subscription_history table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscription_history (
					id BIGSERIAL PRIMARY KEY,
					subscription_id TEXT NOT NULL,
					event_id TEXT NOT NULL UNIQUE,
					event_type TEXT NOT NULL,
					event_data JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_subscription_history_subscription_id ON subscription_history(subscription_id, created_at);
			`,
		},
		{
			Version:     4,
			Description: "Create subscription_statistics table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscription_statistics (
					id TEXT PRIMARY KEY,
					taken_at TIMESTAMPTZ NOT NULL,
					total BIGINT NOT NULL,
					by_tier JSONB NOT NULL DEFAULT '{}'
				);
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in
// subscription_migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscription_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM subscription_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO subscription_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
		log.Info("Migration completed")
	}

	return nil
}
