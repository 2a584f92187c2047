package searchindex

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// DefaultIndexUID is the index holding page documents.
const DefaultIndexUID = "pages"

const (
	primaryKey = "id"
	cropLength = 200
)

// meiliIndex is the subset of *meilisearch.Index used here.
type meiliIndex interface {
	AddDocuments(documentsPtr interface{}, primaryKey ...string) (*meilisearch.TaskInfo, error)
	DeleteDocuments(identifiers []string) (*meilisearch.TaskInfo, error)
	DeleteDocumentsByFilter(filter interface{}) (*meilisearch.TaskInfo, error)
	Search(query string, request *meilisearch.SearchRequest) (*meilisearch.SearchResponse, error)
	UpdateSettings(request *meilisearch.Settings) (*meilisearch.TaskInfo, error)
	GetStats() (*meilisearch.StatsIndex, error)
}

type healthChecker interface {
	IsHealthy() bool
}

// MeiliConfig locates the Meilisearch server.
type MeiliConfig struct {
	Host     string
	APIKey   string
	IndexUID string
}

// Meili is a Meilisearch-backed index. Writes return once the task is
// enqueued; they do not wait for it to be processed.
type Meili struct {
	index  meiliIndex
	health healthChecker
	logger *zap.Logger
}

// NewMeili connects to the server described by cfg.
func NewMeili(cfg MeiliConfig, logger *zap.Logger) *Meili {
	if cfg.IndexUID == "" {
		cfg.IndexUID = DefaultIndexUID
	}
	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:   cfg.Host,
		APIKey: cfg.APIKey,
	})
	return newMeili(client.Index(cfg.IndexUID), client, logger)
}

func newMeili(index meiliIndex, health healthChecker, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Meili{index: index, health: health, logger: logger.Named("searchindex")}
}

// UpsertBatch adds or replaces documents keyed on their composite id.
func (m *Meili) UpsertBatch(_ context.Context, docs []indexer.Document) (indexer.TaskInfo, error) {
	if len(docs) == 0 {
		return indexer.TaskInfo{}, nil
	}
	task, err := m.index.AddDocuments(docs, primaryKey)
	if err != nil {
		return indexer.TaskInfo{}, fmt.Errorf("add %d documents: %w", len(docs), err)
	}
	m.logger.Debug("documents enqueued", zap.Int("count", len(docs)), zap.Int64("task_uid", task.TaskUID))
	return taskInfo(task), nil
}

// DeleteBySite removes every document of a site.
func (m *Meili) DeleteBySite(_ context.Context, siteID int64) (indexer.TaskInfo, error) {
	task, err := m.index.DeleteDocumentsByFilter("site_id = " + strconv.FormatInt(siteID, 10))
	if err != nil {
		return indexer.TaskInfo{}, fmt.Errorf("delete documents for site %d: %w", siteID, err)
	}
	return taskInfo(task), nil
}

// DeleteDocuments removes documents by composite id.
func (m *Meili) DeleteDocuments(_ context.Context, ids []string) (indexer.TaskInfo, error) {
	if len(ids) == 0 {
		return indexer.TaskInfo{}, nil
	}
	task, err := m.index.DeleteDocuments(ids)
	if err != nil {
		return indexer.TaskInfo{}, fmt.Errorf("delete %d documents: %w", len(ids), err)
	}
	return taskInfo(task), nil
}

// EnsureSettings applies searchable, filterable and sortable attributes,
// typo tolerance and ranking rules.
func (m *Meili) EnsureSettings(_ context.Context) error {
	settings := &meilisearch.Settings{
		SearchableAttributes: []string{"title", "content", "url"},
		FilterableAttributes: []string{"site_id"},
		SortableAttributes:   []string{"indexed_at"},
		RankingRules:         []string{"words", "typo", "proximity", "attribute", "sort", "exactness"},
		TypoTolerance: &meilisearch.TypoTolerance{
			Enabled: true,
			MinWordSizeForTypos: meilisearch.MinWordSizeForTypos{
				OneTypo:  4,
				TwoTypos: 8,
			},
		},
	}
	task, err := m.index.UpdateSettings(settings)
	if err != nil {
		return fmt.Errorf("update index settings: %w", err)
	}
	m.logger.Info("index settings submitted", zap.Int64("task_uid", task.TaskUID))
	return nil
}

// Search runs a query, optionally filtered to one site, with highlighted
// and cropped content.
func (m *Meili) Search(_ context.Context, query indexer.SearchQuery) (indexer.SearchResult, error) {
	req := &meilisearch.SearchRequest{
		Limit:                 int64(query.Limit),
		Offset:                int64(query.Offset),
		AttributesToHighlight: []string{"title", "content"},
		AttributesToCrop:      []string{"content"},
		CropLength:            cropLength,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if query.SiteID > 0 {
		req.Filter = "site_id = " + strconv.FormatInt(query.SiteID, 10)
	}
	resp, err := m.index.Search(query.Query, req)
	if err != nil {
		return indexer.SearchResult{}, fmt.Errorf("search %q: %w", query.Query, err)
	}
	out := indexer.SearchResult{
		Query:            query.Query,
		Hits:             make([]indexer.SearchHit, 0, len(resp.Hits)),
		EstimatedTotal:   resp.EstimatedTotalHits,
		Limit:            query.Limit,
		Offset:           query.Offset,
		ProcessingTimeMs: resp.ProcessingTimeMs,
	}
	for _, raw := range resp.Hits {
		hit, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		out.Hits = append(out.Hits, decodeHit(hit))
	}
	return out, nil
}

func decodeHit(hit map[string]interface{}) indexer.SearchHit {
	out := indexer.SearchHit{
		ID:      stringField(hit, "id"),
		URL:     stringField(hit, "url"),
		Title:   stringField(hit, "title"),
		Snippet: stringField(hit, "content"),
	}
	if v, ok := hit["site_id"].(float64); ok {
		out.SiteID = int64(v)
	}
	if formatted, ok := hit["_formatted"].(map[string]interface{}); ok {
		if title := stringField(formatted, "title"); title != "" {
			out.Title = title
		}
		if content := stringField(formatted, "content"); content != "" {
			out.Snippet = content
		}
	}
	return out
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

// Stats reports document counts.
func (m *Meili) Stats(_ context.Context) (indexer.IndexStats, error) {
	stats, err := m.index.GetStats()
	if err != nil {
		return indexer.IndexStats{}, fmt.Errorf("index stats: %w", err)
	}
	return indexer.IndexStats{NumberOfDocuments: stats.NumberOfDocuments, IsIndexing: stats.IsIndexing}, nil
}

// Healthy reports whether the server answers its health endpoint.
func (m *Meili) Healthy(_ context.Context) bool {
	if m.health == nil {
		return false
	}
	return m.health.IsHealthy()
}

func taskInfo(task *meilisearch.TaskInfo) indexer.TaskInfo {
	if task == nil {
		return indexer.TaskInfo{}
	}
	enqueued := task.EnqueuedAt
	if enqueued.IsZero() {
		enqueued = time.Now().UTC()
	}
	return indexer.TaskInfo{TaskUID: task.TaskUID, Status: string(task.Status), EnqueuedAt: enqueued}
}
