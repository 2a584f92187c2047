// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool used by Store; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists sites and pages in Postgres.
type Store struct {
	pool pool
}

var _ indexer.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const siteColumns = `id, url, domain, status, page_count, config, last_scraped, created_at, updated_at`

func scanSite(row pgx.Row) (indexer.Site, error) {
	var (
		site      indexer.Site
		status    string
		rawConfig []byte
	)
	if err := row.Scan(
		&site.ID,
		&site.URL,
		&site.Domain,
		&status,
		&site.PageCount,
		&rawConfig,
		&site.LastScraped,
		&site.CreatedAt,
		&site.UpdatedAt,
	); err != nil {
		return indexer.Site{}, err
	}
	site.Status = indexer.SiteStatus(status)
	cfg, err := indexer.DecodeSiteConfig(rawConfig)
	if err != nil {
		return indexer.Site{}, fmt.Errorf("decode config for site %d: %w", site.ID, err)
	}
	site.Config = cfg
	return site, nil
}

// CreateSite inserts a pending site, or returns the existing row for the
// same domain with created=false.
func (s *Store) CreateSite(ctx context.Context, site indexer.Site) (indexer.Site, bool, error) {
	rawConfig, err := site.Config.Marshal()
	if err != nil {
		return indexer.Site{}, false, err
	}
	status := site.Status
	if status == "" {
		status = indexer.SiteStatusPending
	}
	now := site.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	query := `
INSERT INTO sites (url, domain, status, page_count, config, created_at, updated_at)
VALUES ($1, $2, $3, 0, $4, $5, $5)
ON CONFLICT (domain) DO NOTHING
RETURNING ` + siteColumns

	created, err := scanSite(s.pool.QueryRow(ctx, query, site.URL, site.Domain, string(status), rawConfig, now))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return indexer.Site{}, false, fmt.Errorf("insert site %s: %w", site.Domain, err)
	}
	existing, err := scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE domain = $1`, site.Domain))
	if err != nil {
		return indexer.Site{}, false, fmt.Errorf("load site %s: %w", site.Domain, err)
	}
	return existing, false, nil
}

// GetSite loads one site.
func (s *Store) GetSite(ctx context.Context, siteID int64) (indexer.Site, error) {
	site, err := scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, siteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return indexer.Site{}, fmt.Errorf("site %d: %w", siteID, indexer.ErrSiteNotFound)
	}
	if err != nil {
		return indexer.Site{}, fmt.Errorf("load site %d: %w", siteID, err)
	}
	return site, nil
}

func (s *Store) updateSite(ctx context.Context, siteID int64, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update site %d: %w", siteID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("site %d: %w", siteID, indexer.ErrSiteNotFound)
	}
	return nil
}

// MarkScraping moves a site into the scraping state.
func (s *Store) MarkScraping(ctx context.Context, siteID int64, at time.Time) error {
	return s.updateSite(ctx, siteID,
		`UPDATE sites SET status = $2, updated_at = $3 WHERE id = $1`,
		siteID, string(indexer.SiteStatusScraping), at)
}

// MarkCompleted records a successful crawl.
func (s *Store) MarkCompleted(ctx context.Context, siteID int64, pageCount int, at time.Time) error {
	return s.updateSite(ctx, siteID,
		`UPDATE sites SET status = $2, page_count = $3, last_scraped = $4, updated_at = $4 WHERE id = $1`,
		siteID, string(indexer.SiteStatusCompleted), pageCount, at)
}

// MarkFailed records a failed crawl.
func (s *Store) MarkFailed(ctx context.Context, siteID int64, at time.Time) error {
	return s.updateSite(ctx, siteID,
		`UPDATE sites SET status = $2, updated_at = $3 WHERE id = $1`,
		siteID, string(indexer.SiteStatusFailed), at)
}

// ListReindexCandidates returns completed sites with auto_reindex enabled.
func (s *Store) ListReindexCandidates(ctx context.Context) ([]indexer.Site, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+siteColumns+`
FROM sites
WHERE status = $1 AND COALESCE((config->>'auto_reindex')::boolean, false)
ORDER BY id`, string(indexer.SiteStatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("list reindex candidates: %w", err)
	}
	defer rows.Close()

	var sites []indexer.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reindex candidate: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reindex candidates: %w", err)
	}
	return sites, nil
}

// InsertPage stores a page and returns it with its assigned id.
func (s *Store) InsertPage(ctx context.Context, page indexer.Page) (indexer.Page, error) {
	metadata := page.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return indexer.Page{}, fmt.Errorf("marshal page metadata: %w", err)
	}
	now := page.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	indexedAt := page.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = now
	}
	err = s.pool.QueryRow(ctx, `
INSERT INTO pages (site_id, url, title, content, metadata, indexed_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`,
		page.SiteID, page.URL, page.Title, page.Content, rawMetadata, indexedAt, now,
	).Scan(&page.ID)
	if err != nil {
		return indexer.Page{}, fmt.Errorf("insert page %s: %w", page.URL, err)
	}
	page.IndexedAt = indexedAt
	page.CreatedAt = now
	return page, nil
}

// DeletePages removes the given pages of a site.
func (s *Store) DeletePages(ctx context.Context, siteID int64, pageIDs []int64) error {
	if len(pageIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM pages WHERE site_id = $1 AND id = ANY($2)`, siteID, pageIDs); err != nil {
		return fmt.Errorf("delete %d pages of site %d: %w", len(pageIDs), siteID, err)
	}
	return nil
}

// CountPages returns the number of stored pages for a site.
func (s *Store) CountPages(ctx context.Context, siteID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM pages WHERE site_id = $1`, siteID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages of site %d: %w", siteID, err)
	}
	return n, nil
}
