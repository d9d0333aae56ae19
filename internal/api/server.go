package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/processor"
	"github.com/MikeSquared-Agency/tally/internal/refinement"
	"github.com/MikeSquared-Agency/tally/internal/review"
)

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

type DocumentCounter interface {
	DocumentCounts(ctx context.Context) (map[processor.DocumentStatus]int, error)
}

type Deps struct {
	Queue   *review.Queue
	Learner *refinement.Learner
	// Counts, Checks and Metrics are optional.
	Counts  DocumentCounter
	Checks  map[string]Checker
	Metrics http.Handler
}

type Server struct {
	router  *chi.Mux
	port    int
	queue   *review.Queue
	learner *refinement.Learner
	counts  DocumentCounter
	checks  map[string]Checker
	logger  *slog.Logger
	srv     *http.Server
}

func NewServer(port int, apiToken string, d Deps, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		port:    port,
		queue:   d.Queue,
		learner: d.Learner,
		counts:  d.Counts,
		checks:  d.Checks,
		logger:  logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/tally/status", s.status)
	if d.Metrics != nil {
		router.Handle("/metrics", d.Metrics)
	}

	router.Route("/api/v1/review", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/", s.listItems)
		r.Get("/{id}", s.getItem)
		r.Post("/{id}/assign", s.assignItem)
		r.Post("/{id}/corrections", s.addCorrection)
		r.Post("/{id}/approve", s.approveItem)
		r.Post("/{id}/reject", s.rejectItem)
	})

	router.Route("/api/v1/refinements", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(apiToken))
		r.Get("/suggestions", s.suggestions)
		r.Get("/patterns", s.patterns)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// BearerAuthMiddleware requires "Authorization: Bearer <token>". An empty
// token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	body := map[string]any{"status": "ok"}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(results) > 0 {
		body["checks"] = results
	}
	writeJSON(w, status, body)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"agent": "tally"}
	if s.counts != nil {
		counts, err := s.counts.DocumentCounts(r.Context())
		if err != nil {
			s.logger.Error("document counts failed", "error", err)
			writeError(w, http.StatusInternalServerError, "document counts unavailable")
			return
		}
		body["documents"] = counts
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := review.Filter{
		Status:   review.Status(q.Get("status")),
		Assignee: q.Get("assignee"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	items, err := s.queue.List(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if items == nil {
		items = []*review.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

type itemView struct {
	*review.Item
	Corrected *extractor.Document `json:"corrected,omitempty"`
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	view := itemView{Item: item}
	if len(item.Corrections) > 0 {
		corrected, err := s.queue.Corrected(item)
		if err != nil {
			s.fail(w, err)
			return
		}
		view.Corrected = corrected
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) assignItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reviewer string `json:"reviewer"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reviewer) == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}
	item, err := s.queue.Assign(r.Context(), chi.URLParam(r, "id"), req.Reviewer)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) addCorrection(w http.ResponseWriter, r *http.Request) {
	var c review.Correction
	if !decode(w, r, &c) {
		return
	}
	if c.FieldPath == "" {
		writeError(w, http.StatusBadRequest, "field_path is required")
		return
	}
	stored, err := s.queue.AttachCorrection(r.Context(), chi.URLParam(r, "id"), c)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) approveItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Corrections []review.Correction `json:"corrections"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	item, err := s.queue.Approve(r.Context(), chi.URLParam(r, "id"), req.Corrections...)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) rejectItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	item, err := s.queue.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// fail maps queue errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, review.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, review.ErrInvalidTransition), errors.Is(err, review.ErrStaleCorrections):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, review.ErrReasonRequired), errors.Is(err, review.ErrUnknownField),
		errors.Is(err, review.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("review request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
