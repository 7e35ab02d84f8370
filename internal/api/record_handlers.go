package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/tracking"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// listQuery captures the supported query parameters for record listings.
type listQuery struct {
	filter     cve.Filter
	projection []string
	skip       int
	limit      int
	sortBy     string
}

func parseListQuery(r *http.Request) listQuery {
	q := r.URL.Query()
	lq := listQuery{
		filter: cve.Filter{
			Severity: cve.Severity(strings.ToLower(q.Get("severity"))),
			Status:   cve.Status(strings.ToLower(q.Get("status"))),
			Search:   q.Get("q"),
		},
		sortBy: q.Get("sort"),
		limit:  defaultListLimit,
	}
	if v, err := strconv.Atoi(q.Get("skip")); err == nil && v > 0 {
		lq.skip = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		lq.limit = min(v, maxListLimit)
	}
	if fields := q.Get("fields"); fields != "" {
		for _, f := range strings.Split(fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				lq.projection = append(lq.projection, f)
			}
		}
	}
	return lq
}

type listResponse struct {
	Items []cve.Record `json:"items"`
	Total int64        `json:"total"`
	Skip  int          `json:"skip"`
	Limit int          `json:"limit"`
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cacheKey := tracking.ListCachePrefix + r.URL.RawQuery
	if body, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	lq := parseListQuery(r)
	records, err := s.repo.FindWithProjection(ctx, lq.filter, lq.projection, lq.skip, lq.limit, lq.sortBy)
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	total, err := s.repo.Count(ctx, lq.filter)
	if err != nil {
		s.logger.Error("count records failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if records == nil {
		records = []cve.Record{}
	}
	resp := listResponse{Items: records, Total: total, Skip: lq.skip, Limit: lq.limit}

	body, err := json.Marshal(resp)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	if err := s.cache.Set(ctx, cacheKey, body, s.cacheTTL); err != nil {
		s.logger.Warn("list cache set failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := cve.CanonicalID(chi.URLParam(r, "id"))
	cacheKey := tracking.DetailCacheKey(id)
	if body, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, cve.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("get record failed", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}

	body, err := json.Marshal(rec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	if err := s.cache.Set(ctx, cacheKey, body, s.cacheTTL); err != nil {
		s.logger.Warn("detail cache set failed", zap.String("id", id), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) createRecord(w http.ResponseWriter, r *http.Request) {
	var candidate cve.Record
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.service.Create(r.Context(), candidate, actorFrom(r))
	if err != nil {
		var verr *cve.ValidationError
		switch {
		case errors.Is(err, cve.ErrConflict):
			s.writeError(w, http.StatusConflict, "record already exists")
		case errors.As(err, &verr):
			s.writeError(w, http.StatusBadRequest, verr.Error())
		default:
			s.logger.Error("create record failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to create record")
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) updateRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch cve.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.service.Update(r.Context(), id, patch, actorFrom(r))
	if err != nil {
		var verr *cve.ValidationError
		switch {
		case errors.Is(err, cve.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "record not found")
		case errors.As(err, &verr):
			s.writeError(w, http.StatusBadRequest, verr.Error())
		default:
			s.logger.Error("update record failed", zap.String("id", id), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to update record")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.service.Delete(r.Context(), id, actorFrom(r))
	if err != nil {
		if errors.Is(err, cve.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("delete record failed", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to delete record")
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	id := cve.CanonicalID(chi.URLParam(r, "id"))
	rec, err := s.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, cve.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("get history failed", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	history := rec.ModificationHistory
	if history == nil {
		history = []cve.ModificationEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":      rec.ID,
		"history": history,
	})
}

// actorFrom pulls the mutation actor from the X-Actor header, falling
// back to the reserved system identity.
func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return cve.ActorSystem
}
