package exchange

import (
	"context"
	"sync"
)

// Op is one exchange operation inside a batch.
type Op func(ctx context.Context) error

// Batch runs all ops concurrently and returns their errors aligned by index.
// A failing op never blocks the rest of the batch; rate limiting happens
// inside each operation via the client's shared token bucket.
func Batch(ctx context.Context, ops []Op) []error {
	errs := make([]error, len(ops))
	var wg sync.WaitGroup
	wg.Add(len(ops))
	for i, op := range ops {
		go func(i int, op Op) {
			defer wg.Done()
			errs[i] = op(ctx)
		}(i, op)
	}
	wg.Wait()
	return errs
}

// FirstError returns the first non-nil error of a batch result, or nil.
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
