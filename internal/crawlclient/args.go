package crawlclient

import (
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// BuildArgs translates a crawl request into crawler command-line flags. The
// crawler is asked for line-delimited JSON so pages can be consumed as they
// are produced.
func BuildArgs(req indexer.CrawlRequest) []string {
	cfg := req.Config
	args := []string{
		"-url", req.RootURL,
		"-format", "ndjson",
		"-crawl",
		"-max-depth", strconv.Itoa(req.MaxDepth),
		"-no-progress",
	}
	if cfg.DelayMs > 0 {
		args = append(args, "-delay", strconv.Itoa(cfg.DelayMs))
	}
	args = append(args, "-respect-robots", strconv.FormatBool(cfg.RespectRobotsTxt))
	if cfg.ContentSelector != "" && cfg.ContentSelector != indexer.DefaultContentSel {
		args = append(args, "-content-selector", cfg.ContentSelector)
	}
	if cfg.TitleSelector != "" && cfg.TitleSelector != indexer.DefaultTitleSel {
		args = append(args, "-title-selector", cfg.TitleSelector)
	}
	if len(cfg.ExcludeSelectors) > 0 {
		args = append(args, "-exclude-selector", strings.Join(cfg.ExcludeSelectors, ","))
	}
	// Regexes may contain commas, so each pattern gets its own flag.
	if !(len(cfg.IncludePatterns) == 1 && cfg.IncludePatterns[0] == ".*") {
		for _, p := range cfg.IncludePatterns {
			args = append(args, "-include-pattern", p)
		}
	}
	for _, p := range cfg.ExcludePatterns {
		args = append(args, "-exclude-pattern", p)
	}
	if len(cfg.CustomHeaders) > 0 {
		keys := make([]string, 0, len(cfg.CustomHeaders))
		for k := range cfg.CustomHeaders {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "-header", k+": "+cfg.CustomHeaders[k])
		}
	}
	if cfg.UserAgent != "" {
		args = append(args, "-user-agent", cfg.UserAgent)
	}
	return args
}
