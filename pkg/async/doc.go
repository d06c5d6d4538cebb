// Package async provides bounded concurrent execution for sweeps and background tasks.
//
// # Key Functions
//
// Batch: process a slice of entities with a bounded number of workers, a per-item
// timeout and collect-and-continue error handling
//
//	res := async.Batch(ctx, quotes, 8, "auto complete", 30*time.Second, func(ctx context.Context, q *billing.Quote) error {
//		return complete(ctx, q)
//	})
//	// res.Completed, res.Skipped, res.Errors
//
// When ctx ends (for example the whole-sweep deadline), items that have not started
// are skipped rather than run. They are counted in BatchResult.Skipped.
//
// SafeGo: run a function in a goroutine with panic recovery, a timeout and error logging
//
//	async.SafeGo(ctx, 10*time.Minute, "startup automation sweep", logger, func(ctx context.Context) error {
//		_, err := scheduler.RunSweep(ctx, time.Now())
//		return err
//	})
//
// WorkerPool: the pool underneath Batch, usable directly when items arrive incrementally.
package async
