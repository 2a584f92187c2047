package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/clock/system"
	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/metrics"
)

const (
	requestTimeout = 60 * time.Second
	enqueueTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

// Check is a named readiness check.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Sites    indexer.SiteStore
	Progress indexer.ProgressTracker
	Searcher indexer.Searcher
	Queue    indexer.Enqueuer
	Clock    indexer.Clock
	Checks   []Check
}

// Options controls server behavior.
type Options struct {
	APIKey         string
	MetricsEnabled bool
}

// Server wires HTTP handlers to the job queue and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. An empty
// APIKey disables authentication.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if opts.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/sites", s.createSite)
		r.Route("/sites/{site_id}", func(r chi.Router) {
			r.Get("/", s.getSite)
			r.Post("/reindex", s.reindexSite)
			r.Get("/progress", s.getProgress)
		})
		r.Get("/search", s.search)
		r.Get("/index/stats", s.indexStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for _, c := range s.deps.Checks {
		if err := c.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[c.Name] = err.Error()
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			continue
		}
		checks[c.Name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

type createSiteRequest struct {
	URL    string          `json:"url"`
	Config json.RawMessage `json:"config"`
}

type siteResponse struct {
	Site     indexer.Site `json:"site"`
	Existing bool         `json:"existing"`
	Queued   bool         `json:"queued"`
}

// createSite handles POST /v1/sites. A new site answers 201 and is queued
// for its first crawl; a site whose domain is already registered answers 200
// with the stored record and is left untouched.
func (s *Server) createSite(w http.ResponseWriter, r *http.Request) {
	var req createSiteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	siteURL, domain, err := indexer.NormalizeSiteURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := indexer.ParseSiteConfig(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	site, created, err := s.deps.Sites.CreateSite(r.Context(), indexer.Site{
		URL:    siteURL,
		Domain: domain,
		Status: indexer.SiteStatusPending,
		Config: cfg,
	})
	if err != nil {
		s.logger.Error("create site failed", zap.String("domain", domain), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create site")
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, siteResponse{Site: site, Existing: true})
		return
	}

	queued := true
	if err := s.enqueue(r.Context(), site.ID, indexer.ReasonCreated); err != nil {
		queued = false
		s.logger.Error("enqueue initial crawl failed", zap.Int64("site_id", site.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, siteResponse{Site: site, Queued: queued})
}

func (s *Server) getSite(w http.ResponseWriter, r *http.Request) {
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	site, err := s.deps.Sites.GetSite(r.Context(), siteID)
	if err != nil {
		s.writeStoreError(w, siteID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": site})
}

// reindexSite handles POST /v1/sites/{site_id}/reindex: 202 when queued, 404
// for unknown sites, 409 when a job for the site is already waiting.
func (s *Server) reindexSite(w http.ResponseWriter, r *http.Request) {
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.Sites.GetSite(r.Context(), siteID); err != nil {
		s.writeStoreError(w, siteID, err)
		return
	}
	err := s.enqueue(r.Context(), siteID, indexer.ReasonManual)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"site_id": siteID, "queued": true})
	case errors.Is(err, indexer.ErrJobQueued):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("enqueue reindex failed", zap.Int64("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to queue reindex")
	}
}

// getProgress never fails for a readable site id: a missing or unreadable
// record is reported as waiting.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	siteID, ok := parseSiteID(w, r)
	if !ok {
		return
	}
	progress, err := s.deps.Progress.Get(r.Context(), siteID)
	if err != nil {
		s.logger.Warn("read progress failed", zap.Int64("site_id", siteID), zap.Error(err))
		progress = indexer.WaitingProgress()
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) enqueue(ctx context.Context, siteID int64, reason indexer.JobReason) error {
	if s.deps.Queue == nil {
		return errors.New("job queue is not configured")
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	return s.deps.Queue.Enqueue(queueCtx, indexer.JobRequest{
		SiteID:    siteID,
		Reason:    reason,
		Submitted: s.deps.Clock.Now(),
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, siteID int64, err error) {
	if errors.Is(err, indexer.ErrSiteNotFound) {
		writeError(w, http.StatusNotFound, "site not found")
		return
	}
	s.logger.Error("load site failed", zap.Int64("site_id", siteID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load site")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
