package opqueue

import (
	"context"
	"errors"
	"testing"
)

func TestCriticalFlag(t *testing.T) {
	ctx := context.Background()
	if IsCritical(ctx) {
		t.Fatalf("plain context must not be critical")
	}
	if !IsCritical(WithCritical(ctx)) {
		t.Fatalf("expected critical context")
	}
}

func TestDoTyped(t *testing.T) {
	q := newTestQueue(2)
	got, err := Do(context.Background(), q, func(context.Context) ([]string, error) {
		return []string{"a", "b"}, nil
	})
	if err != nil || len(got) != 2 {
		t.Fatalf("Do = (%v, %v)", got, err)
	}

	boom := errors.New("boom")
	if _, err := Do(context.Background(), q, func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestExecuteRouting(t *testing.T) {
	q := newTestQueue(1)
	op := func(context.Context) (int, error) { return 7, nil }

	if v, err := Execute(context.Background(), q, op); err != nil || v != 7 {
		t.Fatalf("direct Execute = (%d, %v)", v, err)
	}
	if s := q.Stats(); s.Completed != 0 {
		t.Fatalf("ordinary operation must bypass the queue, stats %+v", s)
	}

	if v, err := Execute(WithCritical(context.Background()), q, op); err != nil || v != 7 {
		t.Fatalf("critical Execute = (%d, %v)", v, err)
	}
	if s := q.Stats(); s.Completed != 1 {
		t.Fatalf("critical operation must go through the queue, stats %+v", s)
	}

	if v, err := Execute(WithCritical(context.Background()), nil, op); err != nil || v != 7 {
		t.Fatalf("nil queue Execute = (%d, %v)", v, err)
	}
}
