package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map calls mapFunc for every element of input with at most limit calls in
// flight and returns the results in input order. The first error cancels the
// context passed to the remaining calls and is returned. A limit below one
// means no limit.
//
//	infos, err := parallel.Map(ctx, 8, ids, lookup)
func Map[E, D any](ctx context.Context, limit int, input []E, mapFunc func(context.Context, E) (D, error)) ([]D, error) {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	out := make([]D, len(input))
	for i, e := range input {
		g.Go(func() error {
			d, err := mapFunc(gctx, e)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Errors calls f for every element of input like Map, but never stops early.
// It returns the error of each element by index, nil where f succeeded.
func Errors[E any](ctx context.Context, limit int, input []E, f func(context.Context, E) error) []error {
	errs, _ := Map(ctx, limit, input, func(ctx context.Context, e E) (error, error) {
		return f(ctx, e), nil
	})
	return errs
}
