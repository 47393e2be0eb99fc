// Package api exposes the HTTP interface over the record store. It is a thin
// consumer: handlers call store operations and encode results, adding no
// storage semantics of their own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcache/internal/config"
	"github.com/JakeFAU/crawlcache/internal/metrics"
	"github.com/JakeFAU/crawlcache/internal/store"
)

const (
	defaultPageSize = 10
	requestTimeout  = 60 * time.Second
)

// Server wires HTTP handlers to the record store.
type Server struct {
	router  chi.Router
	records store.Store
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(records store.Store, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		records: records,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/records", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(requestTimeout))
				r.Post("/", s.upsertRecord)
				r.Get("/", s.listRecords)
				r.Get("/lookup", s.lookupRecord)
				r.Delete("/", s.deleteRecord)
				r.Delete("/clear", s.clearRecords)
				r.Get("/search", s.searchRecords)
				r.Get("/stats", s.stats)
			})
			// The export stream flushes chunk by chunk; TimeoutHandler
			// would buffer it, so this route opts out.
			r.Get("/export", s.exportRecords)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type upsertRequest struct {
	URL string `json:"url"`
	store.CrawlResult
}

func (s *Server) upsertRecord(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := s.records.Upsert(r.Context(), req.URL, req.CrawlResult); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": req.URL, "status": "cached"})
}

func (s *Server) lookupRecord(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	rec, err := s.records.Lookup(r.Context(), url)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	deleted, err := s.records.Delete(r.Context(), url)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"url": url, "deleted": deleted})
}

func (s *Server) clearRecords(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Clear(r.Context()); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type pageResponse struct {
	Records  []store.Record `json:"records"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageArgs(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, total, err := s.records.ListPage(r.Context(), page, pageSize)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pageResponse{
		Records:  records,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

func (s *Server) searchRecords(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageArgs(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := r.URL.Query().Get("q")
	records, total, err := s.records.Search(r.Context(), query, page, pageSize)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pageResponse{
		Records:  records,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.records.Statistics(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

var exportContentTypes = map[store.Format]string{
	store.FormatJSON:     "application/json",
	store.FormatCSV:      "text/csv",
	store.FormatMarkdown: "text/markdown",
}

func (s *Server) exportRecords(w http.ResponseWriter, r *http.Request) {
	format, err := store.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", exportContentTypes[format])

	flusher, _ := w.(http.Flusher)
	wrote := false
	sink := func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		wrote = true
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	if err := s.records.Export(r.Context(), format, sink); err != nil {
		if !wrote {
			s.writeStoreError(w, err)
			return
		}
		// Headers are gone; all we can do is log and cut the stream.
		s.logger.Error("export stream aborted", zap.Error(err))
	}
}

func pageArgs(r *http.Request) (page, pageSize int, err error) {
	page, err = queryInt(r, "page", 1)
	if err != nil {
		return 0, 0, err
	}
	pageSize, err = queryInt(r, "page_size", defaultPageSize)
	if err != nil {
		return 0, 0, err
	}
	if page < 1 {
		return 0, 0, errors.New("page must be >= 1")
	}
	if pageSize < 1 {
		return 0, 0, errors.New("page_size must be > 0")
	}
	return page, pageSize, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return v, nil
}

// writeStoreError maps store errors onto HTTP statuses. StorageUnavailable is
// a temporary-failure signal, so clients get 503 and may retry the whole
// request.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	var unavailable *store.StorageUnavailableError
	if errors.As(err, &unavailable) {
		s.writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
		return
	}
	var unsupported *store.UnsupportedFormatError
	if errors.As(err, &unsupported) {
		s.writeError(w, http.StatusBadRequest, unsupported.Error())
		return
	}
	s.logger.Error("store operation failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if reqID, ok := r.Context().Value(requestIDKey{}).(string); ok {
			fields = append(fields, zap.String("request_id", reqID))
		}
		s.logger.Info("request completed", fields...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
