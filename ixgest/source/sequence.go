package source

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/teranos/ingestd/errors"
)

// Sequence yields Data elements on demand. Next returns io.EOF after the
// last element. Any other error ends the sequence: every later call
// returns the same error.
type Sequence[T any] interface {
	Next(ctx context.Context) (Data[T], error)
}

type funcSequence[T any] struct {
	next func(ctx context.Context) (Data[T], error)
	err  error
}

// SequenceFunc builds a Sequence from next and makes its first error sticky
func SequenceFunc[T any](next func(ctx context.Context) (Data[T], error)) Sequence[T] {
	return &funcSequence[T]{next: next}
}

func (s *funcSequence[T]) Next(ctx context.Context) (Data[T], error) {
	if s.err != nil {
		return Data[T]{}, s.err
	}
	if err := ctx.Err(); err != nil {
		s.err = errors.WithStack(err)
		return Data[T]{}, s.err
	}
	d, err := s.next(ctx)
	if err != nil {
		s.err = err
		return Data[T]{}, err
	}
	return d, nil
}

// Pages walks a cursor-paginated API. fetch receives the cursor to load and
// returns the page with Cursor set to the following page, empty on the last.
func Pages[T any](start string, fetch func(ctx context.Context, cursor string) (Data[T], error)) Sequence[T] {
	cursor := start
	done := false
	return SequenceFunc(func(ctx context.Context) (Data[T], error) {
		if done {
			return Data[T]{}, io.EOF
		}
		d, err := fetch(ctx, cursor)
		if err != nil {
			return Data[T]{}, err
		}
		if d.Cursor == "" {
			done = true
		}
		cursor = d.Cursor
		return d, nil
	})
}

// Slice serves pre-built elements, for sources that fetch everything at once
func Slice[T any](elements ...Data[T]) Sequence[T] {
	i := 0
	return SequenceFunc(func(context.Context) (Data[T], error) {
		if i >= len(elements) {
			return Data[T]{}, io.EOF
		}
		d := elements[i]
		i++
		return d, nil
	})
}

type limitedSequence[T any] struct {
	inner   Sequence[T]
	limiter *rate.Limiter
}

// RateLimited waits on limiter before pulling each element of seq
func RateLimited[T any](seq Sequence[T], limiter *rate.Limiter) Sequence[T] {
	if limiter == nil {
		return seq
	}
	return &limitedSequence[T]{inner: seq, limiter: limiter}
}

func (s *limitedSequence[T]) Next(ctx context.Context) (Data[T], error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Data[T]{}, errors.Wrap(err, "rate limit wait")
	}
	return s.inner.Next(ctx)
}

// Collect drains seq, for tests and small sources
func Collect[T any](ctx context.Context, seq Sequence[T]) ([]Data[T], error) {
	var out []Data[T]
	for {
		d, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
}
