package searchindex

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// Memory is an inverted index ranked by TF-IDF. Documents are keyed on their
// composite id; a second upsert of the same id replaces the first.
type Memory struct {
	mu      sync.RWMutex
	docs    map[string]indexer.Document
	entries map[string]map[string]int // term -> doc id -> count
	docLen  map[string]int
	nextUID int64
}

// NewMemory returns an empty index.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]indexer.Document),
		entries: make(map[string]map[string]int),
		docLen:  make(map[string]int),
	}
}

func tokenize(text string) []string {
	var tokens []string
	f := func(c rune) bool {
		return unicode.IsSpace(c) || unicode.IsPunct(c) || unicode.IsSymbol(c)
	}
	for _, token := range strings.FieldsFunc(text, f) {
		t := strings.ToLower(token)
		if len([]rune(t)) >= 2 {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func (m *Memory) task() indexer.TaskInfo {
	m.nextUID++
	return indexer.TaskInfo{TaskUID: m.nextUID, Status: "succeeded", EnqueuedAt: time.Now().UTC()}
}

// UpsertBatch indexes docs, replacing any with the same id.
func (m *Memory) UpsertBatch(_ context.Context, docs []indexer.Document) (indexer.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		m.removeLocked(doc.ID)
		m.docs[doc.ID] = doc
		terms := tokenize(doc.Title + " " + doc.Content + " " + doc.URL)
		m.docLen[doc.ID] = len(terms)
		for _, term := range terms {
			postings, ok := m.entries[term]
			if !ok {
				postings = make(map[string]int)
				m.entries[term] = postings
			}
			postings[doc.ID]++
		}
	}
	return m.task(), nil
}

func (m *Memory) removeLocked(id string) {
	if _, ok := m.docs[id]; !ok {
		return
	}
	delete(m.docs, id)
	delete(m.docLen, id)
	for term, postings := range m.entries {
		delete(postings, id)
		if len(postings) == 0 {
			delete(m.entries, term)
		}
	}
}

// DeleteBySite removes every document of a site.
func (m *Memory) DeleteBySite(_ context.Context, siteID int64) (indexer.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, doc := range m.docs {
		if doc.SiteID == siteID {
			m.removeLocked(id)
		}
	}
	return m.task(), nil
}

// DeleteDocuments removes documents by id. Unknown ids are ignored.
func (m *Memory) DeleteDocuments(_ context.Context, ids []string) (indexer.TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.removeLocked(id)
	}
	return m.task(), nil
}

// Document returns a stored document by id.
func (m *Memory) Document(id string) (indexer.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	return doc, ok
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Search ranks documents by summed TF-IDF of the query terms.
func (m *Memory) Search(_ context.Context, query indexer.SearchQuery) (indexer.SearchResult, error) {
	start := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := indexer.SearchResult{Query: query.Query, Hits: []indexer.SearchHit{}, Limit: query.Limit, Offset: query.Offset}
	terms := tokenize(query.Query)
	if len(terms) == 0 || len(m.docs) == 0 {
		return result, nil
	}

	scores := map[string]float64{}
	n := float64(len(m.docs))
	for _, term := range terms {
		postings := m.entries[term]
		if len(postings) == 0 {
			continue
		}
		idf := math.Log((n+1)/(float64(len(postings))+1)) + 1
		for id, count := range postings {
			if query.SiteID > 0 && m.docs[id].SiteID != query.SiteID {
				continue
			}
			dl := m.docLen[id]
			if dl == 0 {
				continue
			}
			scores[id] += float64(count) / float64(dl) * idf
		}
	}

	ranked := make([]indexer.SearchHit, 0, len(scores))
	for id, score := range scores {
		doc := m.docs[id]
		ranked = append(ranked, indexer.SearchHit{
			ID:      id,
			SiteID:  doc.SiteID,
			URL:     doc.URL,
			Title:   doc.Title,
			Snippet: indexer.TruncateRunes(doc.Content, cropLength),
			Score:   score,
		})
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].Score == ranked[b].Score {
			return ranked[a].ID < ranked[b].ID
		}
		return ranked[a].Score > ranked[b].Score
	})

	result.EstimatedTotal = int64(len(ranked))
	if query.Offset < len(ranked) {
		ranked = ranked[query.Offset:]
	} else {
		ranked = nil
	}
	if query.Limit > 0 && len(ranked) > query.Limit {
		ranked = ranked[:query.Limit]
	}
	result.Hits = append(result.Hits, ranked...)
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

// Stats reports the document count.
func (m *Memory) Stats(context.Context) (indexer.IndexStats, error) {
	return indexer.IndexStats{NumberOfDocuments: int64(m.Len())}, nil
}

// Healthy always reports true.
func (m *Memory) Healthy(context.Context) bool { return true }

// EnsureSettings is a no-op.
func (m *Memory) EnsureSettings(context.Context) error { return nil }
