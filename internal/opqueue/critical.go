package opqueue

import (
	"context"
	"fmt"

	"github.com/oriys/agora/internal/observability"
)

type criticalKey struct{}

// WithCritical marks ctx so that Execute routes its operations through the
// admission queue.
func WithCritical(ctx context.Context) context.Context {
	return context.WithValue(ctx, criticalKey{}, true)
}

// IsCritical reports whether ctx was marked by WithCritical.
func IsCritical(ctx context.Context) bool {
	v, _ := ctx.Value(criticalKey{}).(bool)
	return v
}

// Do submits op to q and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, op func(context.Context) (T, error)) (T, error) {
	ctx, span := observability.StartSpan(ctx, "opqueue.do")
	defer span.End()

	t := q.Submit(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	span.SetAttributes(observability.AttrQueuePosition.Int(t.Position()))

	var zero T
	res, err := t.Wait(ctx)
	span.SetAttributes(observability.AttrQueueWaitMs.Int64(t.Waited().Milliseconds()))
	if err != nil {
		observability.SetSpanError(span, err)
		return zero, err
	}
	v, ok := res.(T)
	if !ok && res != nil {
		return zero, fmt.Errorf("opqueue: unexpected result type %T", res)
	}
	return v, nil
}

// Execute runs op through q when ctx is critical and directly otherwise.
// Errors are returned exactly as op produced them either way.
func Execute[T any](ctx context.Context, q *Queue, op func(context.Context) (T, error)) (T, error) {
	if q == nil || !IsCritical(ctx) {
		return op(ctx)
	}
	return Do(ctx, q, op)
}
