// Package async runs background work off the request path.
//
// WorkerPool executes queued tasks on a fixed number of goroutines with a
// per-task timeout and panic recovery. TrySubmit never blocks: a full queue
// is reported to the caller, which decides whether dropping the task is
// acceptable.
//
//	pool := async.NewWorkerPool(4, 256, "audit", 5*time.Second, logger)
//	defer pool.Shutdown(ctx)
//
//	err := pool.TrySubmit(func(ctx context.Context) error {
//		return store.Record(ctx, event)
//	})
//
// Go starts a long-lived goroutine that logs instead of crashing the
// process when it panics or returns an error.
package async
