package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/logoforge/logoforge/pkg/observability"
)

// SafeGo runs fn in a goroutine with panic recovery and error logging. A
// positive timeout bounds fn's context; zero leaves it to the parent.
//
//	async.SafeGo(ctx, logger, 0, "plan catalog watch", holder.Watch)
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx := parentCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}()
}

// Batch processes items with a fixed number of workers, each call bounded by
// timeout, and returns every error encountered. Panics in fn are converted to
// errors. Items not yet started when ctx is cancelled are skipped and reported
// as ctx.Err().
//
//	errs := async.Batch(ctx, subs, 4, 30*time.Second, func(ctx context.Context, s Subscription) error {
//	    return sweeper.resync(ctx, s)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	work := make(chan T)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if err := runOne(ctx, timeout, item, fn); err != nil {
					record(err)
				}
			}
		}()
	}

feed:
	for i, item := range items {
		select {
		case work <- item:
		case <-ctx.Done():
			for range items[i:] {
				record(ctx.Err())
			}
			break feed
		}
	}
	close(work)
	wg.Wait()

	return errs
}

func runOne[T any](ctx context.Context, timeout time.Duration, item T, fn func(context.Context, T) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = observability.PanicError(r)
		}
	}()
	return fn(ctx, item)
}
