package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newDispatch(t *testing.T) *Dispatch {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewDispatch(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestPushPopFIFO(t *testing.T) {
	ctx := context.Background()
	d := newDispatch(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := d.Push(ctx, id); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	if n, _ := d.Depth(ctx); n != 3 {
		t.Fatalf("depth = %d, want 3", n)
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := d.Pop(ctx)
		if err != nil || got != want {
			t.Fatalf("pop = %q err=%v, want %q", got, err, want)
		}
	}
	if got, err := d.Pop(ctx); err != nil || got != "" {
		t.Fatalf("pop on empty = %q err=%v", got, err)
	}
}

func TestPromoteDue(t *testing.T) {
	ctx := context.Background()
	d := newDispatch(t)
	now := time.Now()

	if err := d.Schedule(ctx, "due", now.Add(-time.Second)); err != nil {
		t.Fatalf("schedule due: %v", err)
	}
	if err := d.Schedule(ctx, "future", now.Add(time.Hour)); err != nil {
		t.Fatalf("schedule future: %v", err)
	}

	n, err := d.PromoteDue(ctx, now, 100)
	if err != nil || n != 1 {
		t.Fatalf("promoted = %d err=%v, want 1", n, err)
	}
	got, _ := d.Pop(ctx)
	if got != "due" {
		t.Fatalf("pop = %q, want due", got)
	}
	if got, _ := d.Pop(ctx); got != "" {
		t.Fatalf("future id should stay scheduled, popped %q", got)
	}
}
