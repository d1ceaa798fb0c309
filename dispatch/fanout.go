package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ItemResult pairs one fan-out input with its outcome.
type ItemResult[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Fanout runs fn over items with at most limit in flight, collecting
// outcomes in input order. A per-item failure lands in its slot without
// aborting the batch. Cancelling ctx stops scheduling further items and
// cancels in-flight calls; already-completed slots keep their values.
func Fanout[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) (R, error)) []ItemResult[T, R] {
	if len(items) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	var sem = semaphore.NewWeighted(int64(limit))
	var out = make([]ItemResult[T, R], len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		out[i].Item = item

		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			out[i].Err = err
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			out[i].Value, out[i].Err = fn(ctx, item)
		}()
	}
	wg.Wait()
	return out
}

// Offload runs a blocking fn on its own goroutine, so a caller serving
// a deadline isn't wedged behind it. It returns fn's outcome, or ctx's
// error if cancellation lands first; fn runs to completion either way
// and its ctx (and so the logging scope) stays valid throughout.
func Offload[R any](ctx context.Context, fn func(context.Context) (R, error)) (R, error) {
	type outcome struct {
		value R
		err   error
	}
	var ch = make(chan outcome, 1)

	go func() {
		var value, err = fn(ctx)
		ch <- outcome{value: value, err: err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
