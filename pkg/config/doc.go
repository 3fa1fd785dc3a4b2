// Package config loads plangate configuration from PLANGATE_* environment
// variables.
//
// Every setting has a default, so an empty environment runs the service
// in memory with the built-in plans and no billing provider:
//
//	PLANGATE_PORT="8080"
//	PLANGATE_STORAGE_BACKEND="memory"      # memory, postgres
//	PLANGATE_POSTGRES_URL="postgres://localhost/plangate"
//	PLANGATE_REDIS_URL="redis://localhost:6379"
//	PLANGATE_PROVIDER="none"               # none, stripe
//	PLANGATE_STRIPE_API_KEY="sk_live_..."
//	PLANGATE_WEBHOOK_SECRET="whsec_..."
//	PLANGATE_EVENT_BUS="memory"            # memory, redis, nats
//	PLANGATE_NOTIFIER="log"                # none, log, webhook
//	PLANGATE_PLANS_SOURCE="static"         # static, database
//	PLANGATE_PLANS_FILE="/etc/plangate/plans.yaml"
//	PLANGATE_SCHEDULE_SYNC_STATUSES="@hourly"
//	PLANGATE_S3_BUCKET="plangate-statistics"
//	PLANGATE_LOG_LEVEL="info"
//	PLANGATE_OTEL_ENABLED="false"
//
// Setting a PLANGATE_SCHEDULE_* variable to the empty string disables that
// job. LoadConfig validates the combination, for example a stripe provider
// needs both an API key and a webhook secret.
package config
