package graph

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/botwalk/botwalk/internal/cache"
)

type countingStore struct {
	Store
	nodeCalls int
}

func (c *countingStore) Node(ctx context.Context, nodeID string) (Node, error) {
	c.nodeCalls++
	return c.Store.Node(ctx, nodeID)
}

func TestCachedStoreServesSecondReadFromCache(t *testing.T) {
	t.Parallel()

	inner, err := NewFileStore(writeFixture(t, fixtureYAML))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	counting := &countingStore{Store: inner}

	mem := cache.NewMemory(0)
	defer mem.Close()
	cached := NewCachedStore(counting, mem, time.Minute, slog.Default())
	ctx := context.Background()

	first, err := cached.Node(ctx, "menu")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	second, err := cached.Node(ctx, "menu")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if first != second {
		t.Fatalf("cache returned different node: %+v vs %+v", first, second)
	}
	if counting.nodeCalls != 1 {
		t.Fatalf("expected 1 inner read, got %d", counting.nodeCalls)
	}
}

func TestCachedStoreDoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	inner, err := NewFileStore(writeFixture(t, fixtureYAML))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	counting := &countingStore{Store: inner}

	mem := cache.NewMemory(0)
	defer mem.Close()
	cached := NewCachedStore(counting, mem, time.Minute, slog.Default())
	ctx := context.Background()

	for range 2 {
		if _, err := cached.Node(ctx, "unknown"); err == nil {
			t.Fatal("expected error for unknown node")
		}
	}
	if counting.nodeCalls != 2 {
		t.Fatalf("expected misses to reach inner store twice, got %d", counting.nodeCalls)
	}
}
