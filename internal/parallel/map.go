package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map applies fn to every element of a sequence with at most limit calls in
// flight and yields the results in completion order. The port scanner dials
// a whole range through it. Items the input marks with an error are skipped.
// Cancelling the context or breaking out of the loop stops the calls which
// have not started yet.
//
//	for addr, err := range parallel.NewMap(ctx, 4, dial).Iter(ports) {}
type Map[E, D any] struct {
	ctx   context.Context
	limit int
	fn    func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, fn func(context.Context, E) (D, error)) *Map[E, D] {
	return &Map[E, D]{ctx: ctx, limit: max(limit, 1), fn: fn}
}

func (m *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// the feeding goroutine holds one extra slot
		g.SetLimit(m.limit + 1)
		out := make(chan result[D], m.limit)

		g.Go(func() error {
			for item, err := range seq {
				if err != nil {
					continue
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				g.Go(func() error {
					d, err := m.fn(gctx, item)
					select {
					case <-gctx.Done():
						return gctx.Err()
					case out <- result[D]{d: d, e: err}:
						return nil
					}
				})
			}
			return nil
		})
		go func() {
			_ = g.Wait()
			close(out)
		}()

		for r := range out {
			if ctx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
