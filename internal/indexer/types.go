package indexer

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SiteStatus represents the lifecycle state of a registered site.
type SiteStatus string

// Site status values persisted in the site store.
const (
	SiteStatusPending   SiteStatus = "pending"
	SiteStatusScraping  SiteStatus = "scraping"
	SiteStatusCompleted SiteStatus = "completed"
	SiteStatusFailed    SiteStatus = "failed"
)

// Site is a registered website. Domain is unique across sites.
type Site struct {
	ID          int64      `json:"id"`
	URL         string     `json:"url"`
	Domain      string     `json:"domain"`
	Status      SiteStatus `json:"status"`
	PageCount   int        `json:"page_count"`
	Config      SiteConfig `json:"config"`
	LastScraped *time.Time `json:"last_scraped,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Page is one crawled page as persisted in the page store. Content is never
// truncated here.
type Page struct {
	ID        int64          `json:"id"`
	SiteID    int64          `json:"site_id"`
	URL       string         `json:"url"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IndexedAt time.Time      `json:"indexed_at"`
	CreatedAt time.Time      `json:"created_at"`
}

// Document is the payload submitted to the search index.
type Document struct {
	ID        string         `json:"id"`
	SiteID    int64          `json:"site_id"`
	URL       string         `json:"url"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IndexedAt int64          `json:"indexed_at"`
}

// DocumentID returns the composite search document id "{site_id}_{page_id}".
func DocumentID(siteID, pageID int64) string {
	return strconv.FormatInt(siteID, 10) + "_" + strconv.FormatInt(pageID, 10)
}

// NewDocument normalizes a persisted page into an index document, capping the
// content at contentCap characters (runes). A non-positive cap disables
// truncation.
func NewDocument(page Page, contentCap int) Document {
	return Document{
		ID:        DocumentID(page.SiteID, page.ID),
		SiteID:    page.SiteID,
		URL:       page.URL,
		Title:     page.Title,
		Content:   TruncateRunes(page.Content, contentCap),
		Metadata:  page.Metadata,
		IndexedAt: page.IndexedAt.Unix(),
	}
}

// TruncateRunes returns at most limit runes of s.
func TruncateRunes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

// ProgressStatus is the status carried by an ephemeral progress record.
type ProgressStatus string

// Progress status values.
const (
	ProgressWaiting   ProgressStatus = "waiting"
	ProgressScraping  ProgressStatus = "scraping"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
)

// Terminal reports whether no further updates are expected for this status.
func (s ProgressStatus) Terminal() bool {
	return s == ProgressCompleted || s == ProgressFailed
}

// Progress is the live view of a running job, keyed by site id.
type Progress struct {
	PagesFound int            `json:"pages_found"`
	CurrentURL string         `json:"current_url"`
	Status     ProgressStatus `json:"status"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Done       bool           `json:"done"`
}

// WaitingProgress is returned for sites that have no live progress record.
func WaitingProgress() Progress {
	return Progress{Status: ProgressWaiting}
}

// JobResult summarizes a finished job.
type JobResult struct {
	SiteID       int64      `json:"site_id"`
	PagesScraped int        `json:"pages_scraped"`
	Status       SiteStatus `json:"status"`
}

// CrawledPage is one element of the crawler's output stream.
type CrawledPage struct {
	URL      string         `json:"url"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JobReason records why a job was queued.
type JobReason string

// Job reasons.
const (
	ReasonCreated   JobReason = "created"
	ReasonReindex   JobReason = "reindex"
	ReasonScheduled JobReason = "scheduled"
	ReasonManual    JobReason = "manual"
)

// JobRequest is a queued request to run the pipeline for one site.
type JobRequest struct {
	SiteID    int64     `json:"site_id"`
	Reason    JobReason `json:"reason"`
	Submitted time.Time `json:"submitted"`
}

// JobNotification is published when a job reaches a terminal state.
type JobNotification struct {
	SiteID       int64      `json:"site_id"`
	Domain       string     `json:"domain"`
	Status       SiteStatus `json:"status"`
	PagesScraped int        `json:"pages_scraped"`
	Attempt      int        `json:"attempt"`
	RunID        string     `json:"run_id"`
	Timestamp    time.Time  `json:"timestamp"`
	Error        string     `json:"error,omitempty"`
}

// NormalizeSiteURL prepends https:// when the scheme is missing and returns
// the cleaned URL together with its domain (the lower-cased host, port
// included).
func NormalizeSiteURL(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", NewValidationError("url", "must not be empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", NewValidationError("url", "parse: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", "", NewValidationError("url", "unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", "", NewValidationError("url", "missing host")
	}
	parsed.Host = strings.ToLower(parsed.Host)
	return parsed.String(), parsed.Host, nil
}

// String renders the request for log lines.
func (r JobRequest) String() string {
	return fmt.Sprintf("site=%d reason=%s", r.SiteID, r.Reason)
}
