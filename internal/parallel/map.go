// Package parallel runs a function over a sequence with bounded concurrency.
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

// Map applies mapFunc to every element of an input sequence using at most
// limit goroutines. Results are yielded in completion order. An error of the
// input sequence is yielded as is, without calling mapFunc.
//
//	for record, err := range parallel.NewMap(ctx, 8, load).Iter(ids) {}
//
// Breaking out of the loop or canceling ctx stops the remaining work.
type Map[E, D any] struct {
	limit   int
	mapFunc func(context.Context, E) (D, error)
	ctx     context.Context
}

func NewMap[E, D any](ctx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	return &Map[E, D]{
		limit:   max(limit, 1),
		mapFunc: mapFunc,
		ctx:     ctx,
	}
}

func (m *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// one extra slot for the feeder
		g.SetLimit(m.limit + 1)
		mapped := make(chan result[D], m.limit)

		send := func(r result[D]) bool {
			select {
			case <-gctx.Done():
				return false
			case mapped <- r:
				return true
			}
		}

		g.Go(func() error {
			for entry, err := range seq {
				if gctx.Err() != nil {
					return nil
				}
				if err != nil {
					if !send(result[D]{e: err}) {
						return nil
					}
					continue
				}
				g.Go(func() error {
					d, err := m.mapFunc(gctx, entry)
					send(result[D]{d: d, e: err})
					return nil
				})
			}
			return nil
		})

		done := make(chan struct{})
		go func() {
			_ = g.Wait()
			close(mapped)
			close(done)
		}()
		defer func() {
			cancel()
			<-done
		}()

		for r := range mapped {
			if ctx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}

// Slice adapts a slice to the input of Map.Iter.
func Slice[E any](s []E) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		for _, e := range s {
			if !yield(e, nil) {
				return
			}
		}
	}
}
