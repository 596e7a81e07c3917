// Package worker provides the two task queues of the bus: a bounded worker
// Pool for asynchronous fan-out and a Scheduler for delayed one-shot tasks
// such as request timeouts and retries.
//
// Both follow the same lifecycle: work is refused once Stop has been called,
// and Stop waits at most the given timeout for work already running.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, task worker.Task) error {
//		task(ctx)
//		return nil
//	})
//	_ = pool.Start(ctx)
//	defer pool.Stop(100 * time.Millisecond)
package worker
