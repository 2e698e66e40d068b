// Package cache memoizes parsed snapshots. A snapshot is a pure function
// of its key, so a racing double-load is harmless: both loaders compute
// the same value and the last writer wins.
package cache

import (
	"context"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/reviewstack/notedb/internal/change"
	"github.com/reviewstack/notedb/internal/state"
)

const defaultMaxEntries = 1024

// Key identifies one snapshot: the change and the exact tip it was built
// from.
type Key struct {
	Project change.Project
	Change  change.ID
	Tip     plumbing.Hash
}

// Loader computes a snapshot on a cache miss.
type Loader func(ctx context.Context) (*state.Snapshot, error)

// SnapshotCache is a bounded map with insertion-order eviction. No lock is
// held while a loader runs.
type SnapshotCache struct {
	mu      sync.Mutex
	max     int
	entries map[Key]*state.Snapshot
	order   []Key
}

// New returns a cache bounded to max entries; max <= 0 takes the default.
func New(max int) *SnapshotCache {
	if max <= 0 {
		max = defaultMaxEntries
	}
	return &SnapshotCache{max: max, entries: map[Key]*state.Snapshot{}}
}

// Get returns the cached snapshot or runs the loader and stores its
// result.
func (c *SnapshotCache) Get(ctx context.Context, key Key, load Loader) (*state.Snapshot, error) {
	c.mu.Lock()
	if s, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	s, err := load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = s
	for len(c.entries) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	return s, nil
}

// Len reports the number of cached snapshots.
func (c *SnapshotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
