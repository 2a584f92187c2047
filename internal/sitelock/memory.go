// Package sitelock provides per-site mutual exclusion for pipeline jobs, so at
// most one job runs for a site at a time.
package sitelock

import (
	"context"
	"sync"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// Memory is an in-process lock set keyed by site id.
type Memory struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

// NewMemory returns an empty lock set.
func NewMemory() *Memory {
	return &Memory{held: make(map[int64]struct{})}
}

// TryLock claims siteID or fails with indexer.ErrJobInProgress. The returned
// release func is idempotent.
func (m *Memory) TryLock(_ context.Context, siteID int64) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[siteID]; ok {
		return nil, indexer.ErrJobInProgress
	}
	m.held[siteID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, siteID)
			m.mu.Unlock()
		})
	}, nil
}

// Held reports whether siteID is currently locked.
func (m *Memory) Held(siteID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[siteID]
	return ok
}
