// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// Every primitive here applies a per-task timeout, recovers panics and logs
// failures through logrus instead of crashing the process.
//
// SafeGo: fire-and-forget task
//
//	async.SafeGo(ctx, logger, 30*time.Second, "backfill", func(ctx context.Context) error {
//		return backfill(ctx, id)
//	})
//
// WorkerPool: bounded queue served by a fixed number of workers
//
//	pool := async.NewWorkerPool(ctx, logger, 4, 128, "backfill", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//
//	if err := pool.TrySubmit(task); errors.Is(err, async.ErrPoolFull) {
//		// shed load
//	}
//
// Batch: run one function over a slice and collect index-aligned errors
//
//	errs := async.Batch(ctx, subs, 8, 30*time.Second, process)
//	failed := async.CountErrors(errs)
//
// # Related Packages
//
//   - pkg/scheduler: Batch for per-subscription job items
//   - pkg/reconciler: WorkerPool for provider backfills
package async
