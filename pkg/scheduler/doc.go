// Package scheduler provides named cooperative lanes for deferred background work.
//
// Invariants:
// - A lane hands its execution baton to one task at a time, in FIFO order of readiness.
// - Tasks on one lane interleave only at suspension points (Await, Suspend).
// - Different lanes run fully concurrently.
// - Cancelling a task cancels its descendants before the task itself resolves.
// - A failing or panicking task never affects its lane or sibling tasks.
//
// Usage:
//
//	pool := scheduler.NewPool(scheduler.PoolConfig{})
//	defer pool.Shutdown(ctx)
//	lane := pool.SpawnLane("init")
//	task := lane.Submit(ctx, func(ctx context.Context) (any, error) {
//		return "ok", nil
//	}, nil)
//	result, err := task.Await(ctx)
package scheduler
