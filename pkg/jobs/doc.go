// Package jobs runs the runtime's periodic maintenance work: flushing
// conversation history, sweeping idle contexts and expiring sessions.
//
// Schedules are either a fixed interval or a cron expression:
//
//	svc := jobs.NewService(jobs.Config{Lane: lane, Logger: logger})
//	_ = svc.Add(jobs.JobHistoryFlush, jobs.Every(30*time.Second), jobs.HistoryFlush(registry, logger))
//	_ = svc.Start()
//	defer svc.Stop(ctx)
//
// A tick that fires while the previous run of the same job is still going is
// recorded as skipped.
package jobs
