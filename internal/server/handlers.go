// Package server — handlers.go contains the JSON API handlers for search,
// output retrieval, archiving, task creation, and analytics.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/v3ct0r/techrag-go/internal/logging"
	"github.com/v3ct0r/techrag-go/internal/research"
	"github.com/v3ct0r/techrag-go/internal/store"
)

// handleSearch handles GET /api/search?q=...&platform=...&tag=...&min_quality=...
// &has_section=...&limit=... . An empty q lists the best outputs by quality.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.SearchFilters{
		Platform:   q.Get("platform"),
		Tag:        q.Get("tag"),
		HasSection: research.Section(q.Get("has_section")),
	}
	if v := q.Get("min_quality"); v != "" {
		mq, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, r, &research.ValidationError{Field: "min_quality", Reason: "must be a number"})
			return
		}
		f.MinQuality = mq
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, &research.ValidationError{Field: "limit", Reason: "must be an integer"})
			return
		}
		f.Limit = n
	}

	outs, err := s.store.Search(r.Context(), q.Get("q"), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if outs == nil {
		outs = []*research.Output{}
	}
	s.writeJSON(w, r, http.StatusOK, searchResponse{Query: q.Get("q"), Count: len(outs), Results: outs})
}

// handleOutput handles GET /api/outputs/{technique}/{platform}.
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.Get(r.Context(), r.PathValue("technique"), r.PathValue("platform"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

// handleArchive handles POST /api/outputs/{technique}/{platform}/archive.
// Archiving moves the output out of the active corpus; it no longer shows up
// in search or analytics.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	technique := r.PathValue("technique")
	platform := r.PathValue("platform")
	if err := s.store.Archive(r.Context(), technique, platform); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, archiveResponse{
		TechniqueID: research.NormalizeTechnique(technique),
		Platform:    research.NormalizePlatform(platform),
		Archived:    true,
	})
}

// handleTaskCreate handles POST /api/tasks. Enqueueing is idempotent: while
// an active task exists for the pair, that task is returned instead of a
// duplicate, with the same 202 status.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &research.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}

	task, err := s.queue.Enqueue(r.Context(), req.TechniqueID, req.Platform)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.tasksEnqueuedTotal.Inc()
	s.writeJSON(w, r, http.StatusAccepted, task)
}

// handleTaskStats handles GET /api/tasks/stats.
func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, stats)
}

// handleAnalytics handles GET /api/analytics.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Analytics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, a)
}

// writeJSON writes v as the JSON response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", "error", err)
	}
}

// writeError maps a domain error onto an HTTP status and JSON error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", "error", err)
	}
	s.writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

// httpStatus translates the research error taxonomy into HTTP status codes.
func httpStatus(err error) int {
	switch {
	case research.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, research.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, research.ErrIndexUnavailable), research.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
