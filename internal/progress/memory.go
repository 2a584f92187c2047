package progress

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

type memoryEntry struct {
	progress  indexer.Progress
	expiresAt time.Time
}

// MemoryTracker keeps progress records in process memory with the same TTL
// semantics as the Redis tracker.
type MemoryTracker struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64]memoryEntry
}

// NewMemoryTracker builds a tracker. A nil now uses time.Now.
func NewMemoryTracker(ttl time.Duration, now func() time.Time) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryTracker{ttl: ttl, now: now, entries: make(map[int64]memoryEntry)}
}

// Set replaces the record and refreshes its TTL.
func (t *MemoryTracker) Set(_ context.Context, siteID int64, progress indexer.Progress) error {
	now := t.now()
	if progress.UpdatedAt.IsZero() {
		progress.UpdatedAt = now.UTC()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[siteID] = memoryEntry{progress: progress, expiresAt: now.Add(t.ttl)}
	return nil
}

// Get returns the record, or waiting when absent or expired.
func (t *MemoryTracker) Get(_ context.Context, siteID int64) (indexer.Progress, error) {
	t.mu.RLock()
	entry, ok := t.entries[siteID]
	t.mu.RUnlock()
	if !ok {
		return indexer.WaitingProgress(), nil
	}
	if !t.now().Before(entry.expiresAt) {
		t.mu.Lock()
		if current, ok := t.entries[siteID]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(t.entries, siteID)
		}
		t.mu.Unlock()
		return indexer.WaitingProgress(), nil
	}
	return entry.progress, nil
}

// Ping always succeeds.
func (t *MemoryTracker) Ping(context.Context) error { return nil }
