package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SafeGo runs fn in a goroutine bounded by timeout. Panics are recovered and
// errors are logged instead of crashing the process.
//
// Example:
//
//	async.SafeGo(ctx, logger, 5*time.Second, "cache warm-up", func(ctx context.Context) error {
//	    return cache.WarmUp(ctx, ids)
//	})
func SafeGo(parentCtx context.Context, logger *logrus.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer Recover(logger, taskName)

		if err := fn(ctx); err != nil {
			loggerOrDefault(logger).WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}()
}

// Go runs fn in a goroutine with panic recovery and no deadline. Use it for
// long-lived consumers that stop on their own signal.
func Go(logger *logrus.Logger, taskName string, fn func()) {
	go func() {
		defer Recover(logger, taskName)
		fn()
	}()
}

// Recover logs a recovered panic with its stack. Call it deferred.
func Recover(logger *logrus.Logger, taskName string) {
	if r := recover(); r != nil {
		loggerOrDefault(logger).WithFields(logrus.Fields{
			"task":  taskName,
			"panic": fmt.Sprint(r),
			"stack": string(debug.Stack()),
		}).Error("Recovered panic in background task")
	}
}

// Batch runs fn over items with at most workers concurrent calls, each bounded
// by timeout, and returns every error. Panics in fn are returned as errors.
//
// Example:
//
//	errs := async.Batch(ctx, ids, 8, 2*time.Second, func(ctx context.Context, id int64) error {
//	    _, err := cache.GetOrCompute(ctx, id)
//	    return err
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	if workers <= 0 {
		workers = 1
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		sem  = make(chan struct{}, workers)
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			record(err)
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					record(fmt.Errorf("panic: %v", r))
				}
			}()

			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := fn(taskCtx, item); err != nil {
				record(err)
			}
		}(item)
	}

	wg.Wait()
	return errs
}

func loggerOrDefault(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}
