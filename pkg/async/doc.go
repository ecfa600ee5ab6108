// Package async runs deferred, best-effort work off the request path.
//
// SafeGo starts one panic-safe goroutine with a timeout. WorkerPool runs
// submitted tasks on a fixed number of workers; TrySubmit never blocks, so a
// full queue drops the task instead of stalling the caller.
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{Workers: 4, QueueSize: 256, Name: "notifications"}, logger)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.TrySubmit(func(ctx context.Context) error {
//		return store.Insert(ctx, n)
//	})
package async
