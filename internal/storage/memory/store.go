// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// Store keeps sites and pages in process memory.
type Store struct {
	mu       sync.RWMutex
	sites    map[int64]indexer.Site
	byDomain map[string]int64
	pages    map[int64][]indexer.Page
	nextSite int64
	nextPage int64

	// FailInsertAfter, when positive, makes InsertPage fail once that many
	// pages have been inserted in total. Used to exercise persistence errors.
	FailInsertAfter int
	inserted        int
}

var _ indexer.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sites:    make(map[int64]indexer.Site),
		byDomain: make(map[string]int64),
		pages:    make(map[int64][]indexer.Page),
	}
}

// CreateSite stores a new site or returns the existing one for its domain.
func (s *Store) CreateSite(_ context.Context, site indexer.Site) (indexer.Site, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byDomain[site.Domain]; ok {
		return cloneSite(s.sites[id]), false, nil
	}
	s.nextSite++
	site.ID = s.nextSite
	if site.Status == "" {
		site.Status = indexer.SiteStatusPending
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = time.Now().UTC()
	}
	site.UpdatedAt = site.CreatedAt
	s.sites[site.ID] = cloneSite(site)
	s.byDomain[site.Domain] = site.ID
	return cloneSite(site), true, nil
}

// GetSite returns a site by id.
func (s *Store) GetSite(_ context.Context, siteID int64) (indexer.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return indexer.Site{}, fmt.Errorf("site %d: %w", siteID, indexer.ErrSiteNotFound)
	}
	return cloneSite(site), nil
}

// PutSite stores a site verbatim, replacing any existing row with its id.
func (s *Store) PutSite(site indexer.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if site.ID > s.nextSite {
		s.nextSite = site.ID
	}
	s.sites[site.ID] = cloneSite(site)
	s.byDomain[site.Domain] = site.ID
}

func (s *Store) update(siteID int64, fn func(*indexer.Site)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return fmt.Errorf("site %d: %w", siteID, indexer.ErrSiteNotFound)
	}
	fn(&site)
	s.sites[siteID] = site
	return nil
}

// MarkScraping moves a site into the scraping state.
func (s *Store) MarkScraping(_ context.Context, siteID int64, at time.Time) error {
	return s.update(siteID, func(site *indexer.Site) {
		site.Status = indexer.SiteStatusScraping
		site.UpdatedAt = at
	})
}

// MarkCompleted records a successful crawl.
func (s *Store) MarkCompleted(_ context.Context, siteID int64, pageCount int, at time.Time) error {
	return s.update(siteID, func(site *indexer.Site) {
		site.Status = indexer.SiteStatusCompleted
		site.PageCount = pageCount
		last := at
		site.LastScraped = &last
		site.UpdatedAt = at
	})
}

// MarkFailed records a failed crawl.
func (s *Store) MarkFailed(_ context.Context, siteID int64, at time.Time) error {
	return s.update(siteID, func(site *indexer.Site) {
		site.Status = indexer.SiteStatusFailed
		site.UpdatedAt = at
	})
}

// ListReindexCandidates returns completed sites with auto_reindex enabled,
// ordered by id.
func (s *Store) ListReindexCandidates(_ context.Context) ([]indexer.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []indexer.Site
	for _, site := range s.sites {
		if site.Status == indexer.SiteStatusCompleted && site.Config.AutoReindex {
			out = append(out, cloneSite(site))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertPage stores a page and assigns its id.
func (s *Store) InsertPage(_ context.Context, page indexer.Page) (indexer.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsertAfter > 0 && s.inserted >= s.FailInsertAfter {
		return indexer.Page{}, fmt.Errorf("insert page %s: store unavailable", page.URL)
	}
	if _, ok := s.sites[page.SiteID]; !ok {
		return indexer.Page{}, fmt.Errorf("insert page: site %d: %w", page.SiteID, indexer.ErrSiteNotFound)
	}
	s.nextPage++
	s.inserted++
	page.ID = s.nextPage
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now().UTC()
	}
	if page.IndexedAt.IsZero() {
		page.IndexedAt = page.CreatedAt
	}
	s.pages[page.SiteID] = append(s.pages[page.SiteID], page)
	return page, nil
}

// DeletePages removes the given pages of a site.
func (s *Store) DeletePages(_ context.Context, siteID int64, pageIDs []int64) error {
	if len(pageIDs) == 0 {
		return nil
	}
	drop := make(map[int64]struct{}, len(pageIDs))
	for _, id := range pageIDs {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pages[siteID][:0]
	for _, page := range s.pages[siteID] {
		if _, ok := drop[page.ID]; !ok {
			kept = append(kept, page)
		}
	}
	s.pages[siteID] = kept
	return nil
}

// CountPages returns the number of stored pages for a site.
func (s *Store) CountPages(_ context.Context, siteID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages[siteID]), nil
}

// Pages returns a copy of the stored pages for a site.
func (s *Store) Pages(siteID int64) []indexer.Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]indexer.Page, len(s.pages[siteID]))
	copy(out, s.pages[siteID])
	return out
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func cloneSite(site indexer.Site) indexer.Site {
	if site.LastScraped != nil {
		last := *site.LastScraped
		site.LastScraped = &last
	}
	return site
}
