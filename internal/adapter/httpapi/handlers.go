// Package httpapi exposes the ingress and observability-views operations
// over HTTP, following the teacher's httpserver package conventions: a
// Server struct holding the use cases, one handler method per route, and a
// shared writeJSON/writeError pair that maps domain sentinel errors to HTTP
// status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labelsquor/orchestrator/internal/domain"
	"github.com/labelsquor/orchestrator/internal/ingress"
	"github.com/labelsquor/orchestrator/internal/views"
)

// Server holds the use cases the HTTP routes delegate to.
type Server struct {
	Ingress *ingress.Ingress
	Views   *views.Views
}

// NewServer builds a Server.
func NewServer(ing *ingress.Ingress, view *views.Views) *Server {
	return &Server{Ingress: ing, Views: view}
}

// Routes registers every handler on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /work-items", s.EnqueueHandler())
	mux.HandleFunc("POST /work-items/{id}/cancel", s.CancelHandler())
	mux.HandleFunc("POST /work-items/{id}/retry", s.RetryHandler())
	mux.HandleFunc("POST /work-items/{id}/suspend", s.SuspendHandler())
	mux.HandleFunc("POST /work-items/{id}/wake", s.WakeHandler())
	mux.HandleFunc("GET /work-items/{id}", s.GetHandler())
	mux.HandleFunc("GET /work-items/{id}/history", s.HistoryHandler())
	mux.HandleFunc("GET /work-items", s.ListHandler())
	mux.HandleFunc("GET /metrics-summary", s.MetricsHandler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrIllegalTransition):
		code = http.StatusConflict
		codeStr = "ILLEGAL_TRANSITION"
	case errors.Is(err, domain.ErrAlreadyCancelled):
		code = http.StatusConflict
		codeStr = "ALREADY_CANCELLED"
	case errors.Is(err, domain.ErrLockHeld):
		code = http.StatusConflict
		codeStr = "LOCK_HELD"
	}
	writeJSON(w, code, map[string]any{"error": map[string]any{"code": codeStr, "message": err.Error()}})
}

// EnqueueHandler implements POST /work-items (§6.1 enqueue).
func (s *Server) EnqueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingress.EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument))
			return
		}
		item, err := s.Ingress.Enqueue(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)
	}
}

type reasonBody struct {
	Reason string `json:"reason"`
}

// CancelHandler implements POST /work-items/{id}/cancel (§6.1 cancel).
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reasonBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		item, err := s.Ingress.Cancel(r.Context(), r.PathValue("id"), body.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// RetryHandler implements POST /work-items/{id}/retry (§6.1 retry).
func (s *Server) RetryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := s.Ingress.Retry(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// SuspendHandler implements POST /work-items/{id}/suspend (§6.1 suspend).
func (s *Server) SuspendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reasonBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		item, err := s.Ingress.Suspend(r.Context(), r.PathValue("id"), body.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// WakeHandler implements POST /work-items/{id}/wake, the supplemented wake
// operation (SPEC_FULL.md §3).
func (s *Server) WakeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := s.Ingress.Wake(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// GetHandler implements GET /work-items/{id} (§6.3 get).
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := s.Views.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// HistoryHandler implements GET /work-items/{id}/history (§6.3 history).
func (s *Server) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transitions, err := s.Views.History(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, transitions)
	}
}

// ListHandler implements GET /work-items (§6.3 list), filtered by the
// state, stage, offset, and limit query parameters.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := domain.ListFilter{}
		if v := q.Get("state"); v != "" {
			state := domain.State(v)
			filter.State = &state
		}
		if v := q.Get("stage"); v != "" {
			stage := domain.Stage(v)
			filter.Stage = &stage
		}
		if v := q.Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Offset = n
			}
		}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}
		page, err := s.Views.List(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// MetricsHandler implements GET /metrics-summary (§6.3 metrics), bounded by
// the from/to/group_by query parameters.
func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := domain.MetricsQuery{GroupBy: q.Get("group_by")}
		if v := q.Get("from"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				query.From = t
			}
		}
		if v := q.Get("to"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				query.To = t
			}
		}
		summary, err := s.Views.Metrics(r.Context(), query)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}
