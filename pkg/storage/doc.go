// Package storage defines the persistence port for subscriptions, plans,
// history and statistics, and ships the in-memory adapter.
//
// # Overview
//
// Repository is composed from focused interfaces so consumers can depend on
// only what they use:
//
//   - SubscriptionReader: lookups by id, organization and provider subscription id
//   - SubscriptionWriter: SaveSubscription (versioned upsert + history) and DeleteSubscription
//   - UsageWriter: single-counter writes, including the atomic API request increment
//   - SubscriptionQueries: the bulk reads used by scheduler jobs
//   - PlanReader, HistoryReader, StatisticsWriter
//
// # Saving
//
// SaveSubscription is the only way aggregate state reaches storage:
//
//	events, err := repo.SaveSubscription(ctx, sub)
//	if errors.Is(err, subscription.ErrConcurrencyConflict) {
//		// reload and retry the mutation
//	}
//	for _, e := range events {
//		bus.Publish(ctx, e.Name(), e)
//	}
//
// A subscription with version 0 is inserted; anything else is updated only if
// the stored version still matches. Each pending event becomes one history
// entry in the same unit of work.
//
// # Adapters
//
// MemoryRepository lives here. The PostgreSQL adapter is in storage/postgres
// and the S3 statistics archive in storage/s3archive.
package storage
