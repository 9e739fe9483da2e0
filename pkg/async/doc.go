// Package async provides panic-safe goroutine helpers for background work.
//
// SafeGo runs a task with a deadline, Go runs a long-lived consumer, and
// Batch fans a slice out over a bounded number of workers:
//
//	errs := async.Batch(ctx, principalIDs, 8, 2*time.Second, warm)
//
// Every helper recovers panics and logs them through logrus with the stack,
// so a failing background task never takes the process down.
package async
