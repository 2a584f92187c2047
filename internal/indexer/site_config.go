package indexer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Site config bounds.
const (
	MinDepth              = 1
	MaxDepth              = 5
	DefaultMaxDepth       = 2
	MinDelayMs            = 50
	MaxDelayMs            = 5000
	DefaultDelayMs        = 200
	MinReindexDays        = 1
	MaxReindexDays        = 30
	DefaultReindexDays    = 7
	DefaultContentSel     = "body"
	DefaultTitleSel       = "title"
	defaultIncludePattern = ".*"
)

// SiteConfig is the per-site crawl and reindex configuration stored as JSON
// alongside the site row.
type SiteConfig struct {
	ContentSelector     string            `json:"content_selector"`
	TitleSelector       string            `json:"title_selector"`
	ExcludeSelectors    []string          `json:"exclude_selectors"`
	MaxDepth            int               `json:"max_depth"`
	DelayMs             int               `json:"delay_ms"`
	RespectRobotsTxt    bool              `json:"respect_robots_txt"`
	IncludePatterns     []string          `json:"include_patterns"`
	ExcludePatterns     []string          `json:"exclude_patterns"`
	AutoReindex         bool              `json:"auto_reindex"`
	ReindexIntervalDays int               `json:"reindex_interval_days"`
	CustomHeaders       map[string]string `json:"custom_headers,omitempty"`
	UserAgent           string            `json:"user_agent,omitempty"`
}

// DefaultSiteConfig returns the configuration used when a site has none.
func DefaultSiteConfig() SiteConfig {
	return SiteConfig{
		ContentSelector:     DefaultContentSel,
		TitleSelector:       DefaultTitleSel,
		ExcludeSelectors:    []string{},
		MaxDepth:            DefaultMaxDepth,
		DelayMs:             DefaultDelayMs,
		RespectRobotsTxt:    true,
		IncludePatterns:     []string{defaultIncludePattern},
		ExcludePatterns:     []string{},
		ReindexIntervalDays: DefaultReindexDays,
	}
}

// ParseSiteConfig decodes raw JSON over the defaults and validates the result.
// Empty input and JSON null yield the defaults.
func ParseSiteConfig(raw []byte) (SiteConfig, error) {
	cfg, err := DecodeSiteConfig(raw)
	if err != nil {
		return SiteConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return SiteConfig{}, err
	}
	return cfg, nil
}

// DecodeSiteConfig decodes and normalizes without range checks, so stored
// rows can always be loaded and are validated where they are used.
func DecodeSiteConfig(raw []byte) (SiteConfig, error) {
	cfg := DefaultSiteConfig()
	trimmed := strings.TrimSpace(string(raw))
	if trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return SiteConfig{}, NewValidationError("config", "decode: %v", err)
		}
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills zero-valued fields with defaults and trims header keys and
// values. Booleans are left untouched.
func (c *SiteConfig) Normalize() {
	if c.ContentSelector == "" {
		c.ContentSelector = DefaultContentSel
	}
	if c.TitleSelector == "" {
		c.TitleSelector = DefaultTitleSel
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.DelayMs == 0 {
		c.DelayMs = DefaultDelayMs
	}
	if len(c.IncludePatterns) == 0 {
		c.IncludePatterns = []string{defaultIncludePattern}
	}
	if c.ReindexIntervalDays == 0 {
		c.ReindexIntervalDays = DefaultReindexDays
	}
	if c.ExcludeSelectors == nil {
		c.ExcludeSelectors = []string{}
	}
	if c.ExcludePatterns == nil {
		c.ExcludePatterns = []string{}
	}
	if len(c.CustomHeaders) > 0 {
		headers := make(map[string]string, len(c.CustomHeaders))
		for k, v := range c.CustomHeaders {
			headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		c.CustomHeaders = headers
	}
}

// Validate enforces value ranges and pattern validity.
func (c SiteConfig) Validate() error {
	if err := ValidateDepth(c.MaxDepth); err != nil {
		return err
	}
	if c.DelayMs < MinDelayMs || c.DelayMs > MaxDelayMs {
		return NewValidationError("delay_ms", "must be between %d and %d, got %d", MinDelayMs, MaxDelayMs, c.DelayMs)
	}
	if c.ReindexIntervalDays < MinReindexDays || c.ReindexIntervalDays > MaxReindexDays {
		return NewValidationError("reindex_interval_days", "must be between %d and %d, got %d",
			MinReindexDays, MaxReindexDays, c.ReindexIntervalDays)
	}
	for _, p := range c.IncludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return NewValidationError("include_patterns", "invalid regex pattern %q: %v", p, err)
		}
	}
	for _, p := range c.ExcludePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return NewValidationError("exclude_patterns", "invalid regex pattern %q: %v", p, err)
		}
	}
	for k := range c.CustomHeaders {
		if strings.TrimSpace(k) == "" {
			return NewValidationError("custom_headers", "header name must not be empty")
		}
	}
	return nil
}

// ValidateDepth checks a crawl depth against the supported range.
func ValidateDepth(depth int) error {
	if depth < MinDepth || depth > MaxDepth {
		return NewValidationError("max_depth", "must be between %d and %d, got %d", MinDepth, MaxDepth, depth)
	}
	return nil
}

// ReindexInterval returns the refresh interval as a duration.
func (c SiteConfig) ReindexInterval() time.Duration {
	return time.Duration(c.ReindexIntervalDays) * 24 * time.Hour
}

// ReindexDue reports whether a site last scraped at lastScraped is due at now.
func (c SiteConfig) ReindexDue(lastScraped, now time.Time) bool {
	return !now.Before(lastScraped.Add(c.ReindexInterval()))
}

// Marshal encodes the config for storage.
func (c SiteConfig) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal site config: %w", err)
	}
	return data, nil
}
