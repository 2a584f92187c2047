package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
	searchTimeout      = 5 * time.Second
)

// search handles GET /v1/search?q=&site_id=&limit=&offset=. It returns 400
// for a missing query or out-of-range paging and 502 when the engine fails.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.deps.Searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "search index unavailable")
		return
	}
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSearchLimit, maxSearchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var siteID int64
	if raw := q.Get("site_id"); raw != "" {
		siteID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || siteID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid site_id")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()
	result, err := s.deps.Searcher.Search(ctx, indexer.SearchQuery{
		Query:  query,
		SiteID: siteID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("search failed", zap.String("query", query), zap.Int64("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "search failed")
		return
	}
	if result.Hits == nil {
		result.Hits = []indexer.SearchHit{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) indexStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "search index unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()
	stats, err := s.deps.Searcher.Stats(ctx)
	if err != nil {
		s.logger.Error("index stats failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to load index stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseSiteID writes a 400 and reports false when the path id is malformed.
func parseSiteID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "site_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid site_id")
		return 0, false
	}
	return id, true
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 || val > maxLimit {
			return 0, 0, errors.New("limit must be between 1 and " + strconv.Itoa(maxLimit))
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
