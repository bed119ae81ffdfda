package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"mergedb/pkg/config"
	"mergedb/pkg/dberrors"
	"mergedb/pkg/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeMetrics     = "text/plain; version=0.0.4"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
)

type iStoreAPI interface {
	PutString(key, value string) error
	MergeString(key, operand string) error
	DeleteString(key string) error
	GetString(key string) (string, bool, error)
	Flush(ctx context.Context) error
	CompactRange(ctx context.Context, start, end []byte) error
	Stats() metrics.Snapshot
}

// Server exposes a store over HTTP
type Server struct {
	store             iStoreAPI
	httpServer        *http.Server
	URL               string
	addr              string
	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(store iStoreAPI, cfg config.ServerConfig) *Server {
	port := cfg.Port
	if port == 0 {
		port = defaultHTTPPort
	}
	timeout := cfg.ReadHeaderTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Server{
		store:             store,
		URL:               "http://localhost:" + strconv.Itoa(port),
		addr:              ":" + strconv.Itoa(port),
		readHeaderTimeout: timeout,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler returns the API routes without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Put("/string", s.handlePut)
		r.Get("/string", s.handleGet)
		r.Delete("/string", s.handleDelete)
		r.Post("/merge", s.handleMerge)
		r.Post("/flush", s.handleFlush)
		r.Post("/compact", s.handleCompact)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps store errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, reason := http.StatusInternalServerError, ReasonInternal
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status, reason = http.StatusBadRequest, ReasonBadRequest
	case errors.Is(err, dberrors.ErrClosed):
		status, reason = http.StatusServiceUnavailable, ReasonUnavailable
	case errors.Is(err, dberrors.ErrMergeFailed):
		status, reason = http.StatusUnprocessableEntity, ReasonMergeFailed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, reason = http.StatusGatewayTimeout, ReasonTimeout
	}
	if reason == ReasonInternal {
		slog.Error("Request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(reason, err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", contentTypeMetrics)
	if err := metrics.WritePrometheus(w, s.store.Stats()); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

// keyValue reads key and value form fields. An empty value is allowed.
func (s *Server) keyValue(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(ReasonBadRequest, "Failed to parse form"))
		return "", "", false
	}

	key := r.FormValue("key")
	if key == "" || !r.Form.Has("value") {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(ReasonBadRequest, "Missing key or value"))
		return "", "", false
	}

	return key, r.FormValue("value"), true
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, value, ok := s.keyValue(w, r)
	if !ok {
		return
	}

	if err := s.store.PutString(key, value); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	key, operand, ok := s.keyValue(w, r)
	if !ok {
		return
	}

	if err := s.store.MergeString(key, operand); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(ReasonBadRequest, "Missing key"))
		return
	}

	value, found, err := s.store.GetString(key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(ReasonNotFound, "Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(key, value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(ReasonBadRequest, "Missing key"))
		return
	}

	if err := s.store.DeleteString(key); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Flush(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleCompact compacts [start, end]; a missing bound is open.
func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(ReasonBadRequest, "Failed to parse form"))
		return
	}

	var start, end []byte
	if r.Form.Has("start") {
		start = []byte(r.FormValue("start"))
	}
	if r.Form.Has("end") {
		end = []byte(r.FormValue("end"))
	}

	if err := s.store.CompactRange(r.Context(), start, end); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
