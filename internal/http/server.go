package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"embeddb/pkg/config"
	"embeddb/pkg/db"
	"embeddb/pkg/dberrors"
	"embeddb/pkg/iterator"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeText  = "text/plain; version=0.0.4"
	defaultScanLimit = 100
	maxScanLimit     = 1000
)

type iStore interface {
	Get(key []byte, opts db.ReadOptions) ([]byte, error)
	Put(key, value []byte, opts db.WriteOptions) error
	Delete(key []byte, opts db.WriteOptions) error
	NewIterator(opts db.ReadOptions) (iterator.Iterator, error)
	Flush() error
	CompactRange(ctx context.Context, start, end []byte) error
	Stats() db.Stats
}

type iMetrics interface {
	WriteText(w io.Writer) error
}

// Server exposes one database over HTTP.
type Server struct {
	store      iStore
	metrics    iMetrics
	cfg        config.ServerConfig
	httpServer *http.Server
}

// NewServer creates a new server instance
func NewServer(store iStore, metrics iMetrics, cfg config.ServerConfig) *Server {
	return &Server{
		store:   store,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Start starts serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.cfg.Addr)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)
	r.Get("/api/scan", s.handleScan)

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/flush", s.handleFlush)
		r.Post("/compact", s.handleCompact)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrReadOnly), errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if st := s.store.Stats(); st.Degraded != "" {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(st.Degraded))
		return
	}
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	// refreshes the level and cache gauges
	s.store.Stats()

	w.Header().Set("Content-Type", contentTypeText)
	if err := s.metrics.WriteText(w); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")

	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	sync, _ := strconv.ParseBool(r.FormValue("sync"))
	if err := s.store.Put([]byte(key), []byte(value), db.WriteOptions{Sync: sync}); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, err := s.store.Get([]byte(key), db.ReadOptions{})
	if errors.Is(err, dberrors.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.store.Delete([]byte(key), db.WriteOptions{}); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleScan returns up to limit pairs in [start, end] from one consistent
// view.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultScanLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad limit"))
			return
		}
		limit = min(n, maxScanLimit)
	}

	var start, end []byte
	if q.Has("start") {
		start = []byte(q.Get("start"))
	}
	if q.Has("end") {
		end = []byte(q.Get("end"))
	}

	items := []Item{}
	err := db.SearchRange(s.store, start, end, db.SearchOptions{Limit: limit}, func(res db.SearchResult) error {
		items = append(items, Item{Key: string(res.Key), Value: string(res.Value)})
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewItemsResponse(items))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Flush(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var start, end []byte
	if q.Has("start") {
		start = []byte(q.Get("start"))
	}
	if q.Has("end") {
		end = []byte(q.Get("end"))
	}

	if err := s.store.CompactRange(r.Context(), start, end); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
