// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs a fire-and-forget task with a timeout and panic recovery:
//
//	async.SafeGo(ctx, 5*time.Second, "tier reload broadcast", func(ctx context.Context) error {
//		return broadcaster.Publish(ctx)
//	})
//
// Workers runs N self-scheduling workers, used by the rollover jobs where each
// worker claims its own rows:
//
//	errs := async.Workers(ctx, 4, "rollover", func(ctx context.Context, worker int) error {
//		return drain(ctx)
//	})
//
// WorkerPool and Batch fan a known list of tasks out over a fixed number of workers.
// Panics and dropped errors are logged through the logger set with SetLogger.
package async
