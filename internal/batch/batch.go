// Package batch runs a function over a slice in fixed-width windows with
// bounded concurrency, collecting per-item results in input order.
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one item. Exactly one of Value or Err is meaningful.
type Result[R any] struct {
	Value R
	Err   error
}

// Func processes the item at index i.
type Func[T, R any] func(ctx context.Context, i int, item T) (R, error)

type options struct {
	onWindow func(done, total int)
}

// Option configures Run.
type Option func(*options)

// OnWindow registers a callback invoked after each window completes with the
// number of items finished so far and the total.
func OnWindow(fn func(done, total int)) Option {
	return func(o *options) { o.onWindow = fn }
}

// Run processes items in windows of width: [0,width), [width,2*width), ...
// All items of a window run concurrently and the next window starts only
// after every item of the current one has returned. A failing item does not
// cancel its siblings; its error is recorded in its Result. Cancelling ctx
// stops dispatching further windows, and the remaining items report ctx.Err().
func Run[T, R any](ctx context.Context, items []T, width int, fn Func[T, R], opts ...Option) []Result[R] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if width < 1 {
		width = 1
	}

	results := make([]Result[R], len(items))
	for start := 0; start < len(items); start += width {
		end := min(start+width, len(items))

		if err := ctx.Err(); err != nil {
			for i := start; i < len(items); i++ {
				results[i].Err = err
			}
			return results
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				v, err := fn(ctx, i, items[i])
				results[i] = Result[R]{Value: v, Err: err}
				return nil
			})
		}
		g.Wait()

		if o.onWindow != nil {
			o.onWindow(end, len(items))
		}
	}
	return results
}

// FirstError returns the first error in input order, or nil.
func FirstError[R any](results []Result[R]) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// Values returns the values of the successful results in input order.
func Values[R any](results []Result[R]) []R {
	out := make([]R, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}
