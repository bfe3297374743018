// Package server is a development remote store: the document and object
// contracts of package remote over HTTP, with live subscriptions on
// websockets. State lives in a remote.Memory and is lost on exit.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/logging"
	"github.com/kimhsiao/postbills/backend/internal/remote"
)

// maxObjectSize bounds an uploaded image.
const maxObjectSize = 32 << 20

// Server serves a remote.Memory.
type Server struct {
	router  *chi.Mux
	store   *remote.Memory
	objects *remote.MemoryObjects
	hub     *Hub
}

// New creates a server for store. Object URLs handed out are the ones store
// builds, so its base URL should point at this server's /objects route.
func New(store *remote.Memory) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		store:   store,
		objects: store.Objects(),
		hub:     NewHub(store),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.GetHead)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	// The subscription socket outlives any request timeout.
	s.router.Get("/boards/{boardID}/subscribe", s.hub.ServeWS)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/boards/{boardID}/items", s.handleList)
		r.Put("/boards/{boardID}/items/{id}", s.handleSet)
		r.Patch("/boards/{boardID}/items/{id}", s.handleMerge)
		r.Delete("/boards/{boardID}/items/{id}", s.handleDelete)
		r.Post("/boards/{boardID}/batch", s.handleBatch)

		r.Put("/objects/*", s.handleUpload)
		r.Get("/objects/*", s.handleDownload)
		r.Delete("/objects/*", s.handleDeleteObject)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the subscription hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("remote server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.DisconnectAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info("remote server stopped", map[string]interface{}{"addr": addr})
	return nil
}

// =====================================================
// Documents
// =====================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": s.hub.Count(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.List(r.Context(), chi.URLParam(r, "boardID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []remote.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var doc remote.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid document body", err))
		return
	}
	id := chi.URLParam(r, "id")
	if doc.ID != "" && doc.ID != id {
		writeError(w, errors.New(errors.ErrInvalid, "document id does not match path"))
		return
	}
	doc.ID = id

	if err := s.store.Set(r.Context(), chi.URLParam(r, "boardID"), doc); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var p remote.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid patch body", err))
		return
	}
	if err := s.store.Merge(r.Context(), chi.URLParam(r, "boardID"), chi.URLParam(r, "id"), p); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "boardID"), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var writes []remote.Write
	if err := json.NewDecoder(r.Body).Decode(&writes); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid batch body", err))
		return
	}
	if err := s.store.Batch(r.Context(), chi.URLParam(r, "boardID"), writes); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Objects
// =====================================================

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxObjectSize))
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "unreadable object body", err))
		return
	}
	if err := s.objects.Upload(r.Context(), key, data, r.Header.Get("Content-Type")); err != nil {
		writeError(w, err)
		return
	}
	url, err := s.objects.URL(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	data, contentType, ok := s.objects.Get(chi.URLParam(r, "*"))
	if !ok {
		writeError(w, errors.New(errors.ErrRemoteNotFound, "object not found"))
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	if err := s.objects.Delete(r.Context(), chi.URLParam(r, "*")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Helpers
// =====================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError answers with the status the client maps back to err's code.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrRemoteNotFound, errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrRemoteTransient:
		status = http.StatusServiceUnavailable
	case errors.ErrInvalid:
		status = http.StatusBadRequest
	case errors.ErrRemoteRejected:
		status = http.StatusUnprocessableEntity
	}
	if code == "" {
		code = errors.ErrInternal
	}
	writeJSON(w, status, remote.ErrorBody{Code: string(code), Error: err.Error()})
}

// requestLogger logs each request through the structured logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}
