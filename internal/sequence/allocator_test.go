package sequence

import (
	"context"
	"testing"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/gitstore"
)

func newAllocator(t *testing.T, repo *gitstore.Repo, batch int) *Allocator {
	t.Helper()
	a, err := NewAllocator(Config{Repo: repo, BatchSize: batch})
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return a
}

func TestNextAllocatesSequentially(t *testing.T) {
	repo, err := gitstore.NewInMemory("changes", nil)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	a := newAllocator(t, repo, 5)
	ctx := context.Background()

	for want := 1; want <= 12; want++ {
		got, err := a.Next(ctx)
		if err != nil {
			t.Fatalf("Next #%d: %v", want, err)
		}
		if got != change.ID(want) {
			t.Fatalf("Next: got %d, want %d", got.Int(), want)
		}
	}
}

func TestNextSkipsAbandonedBatchRemainder(t *testing.T) {
	repo, err := gitstore.NewInMemory("changes", nil)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	ctx := context.Background()

	first := newAllocator(t, repo, 10)
	if got, err := first.Next(ctx); err != nil || got != 1 {
		t.Fatalf("first allocator: got %d err %v", got.Int(), err)
	}

	// A fresh allocator cannot see the old one's local remainder; it
	// starts at the stored high-water mark.
	second := newAllocator(t, repo, 10)
	got, err := second.Next(ctx)
	if err != nil {
		t.Fatalf("second allocator: %v", err)
	}
	if got != 11 {
		t.Fatalf("second allocator: got %d, want 11", got.Int())
	}
}

func TestCurrentReportsHighWaterMark(t *testing.T) {
	repo, err := gitstore.NewInMemory("changes", nil)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	ctx := context.Background()
	a := newAllocator(t, repo, 7)

	if cur, err := a.Current(ctx); err != nil || cur != 1 {
		t.Fatalf("empty counter: got %d err %v", cur, err)
	}
	if _, err := a.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if cur, err := a.Current(ctx); err != nil || cur != 8 {
		t.Fatalf("after refill: got %d err %v", cur, err)
	}
}
