package orchestration

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// poolOptions bounds one runPool call.
type poolOptions struct {
	// width is the maximum number of concurrent workers. Values below 2
	// run the items sequentially.
	width int
	// stagger is slept before every claimed item except the first. It
	// only applies when items run concurrently.
	stagger time.Duration
}

// runPool runs work once per item with at most opts.width workers. Workers
// claim the next unclaimed index from a shared counter, and each result is
// written at its item's index, so the returned slice is in input order no
// matter which worker finished first.
//
// The first error stops dispatch of new items. Items already claimed run to
// completion, and the error is returned once every worker has returned.
// In-flight work is never canceled; ctx is only passed through.
func runPool[T, R any](ctx context.Context, items []T, opts poolOptions, work func(ctx context.Context, index int, item T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	// sequential runs do not stagger
	if opts.width < 2 || len(items) == 1 {
		for i, item := range items {
			if i > 0 {
				if err := ctx.Err(); err != nil {
					return results, err
				}
			}
			res, err := work(ctx, i, item)
			if err != nil {
				return results, err
			}
			results[i] = res
		}
		return results, nil
	}

	var (
		next    atomic.Int64
		stopped atomic.Bool
		g       errgroup.Group
	)

	workers := min(opts.width, len(items))
	for range workers {
		g.Go(func() error {
			for !stopped.Load() {
				i := int(next.Add(1) - 1)
				if i >= len(items) {
					return nil
				}
				if i > 0 {
					if err := sleepCtx(ctx, opts.stagger); err != nil {
						stopped.Store(true)
						return err
					}
				}
				res, err := work(ctx, i, items[i])
				if err != nil {
					stopped.Store(true)
					return err
				}
				results[i] = res
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
