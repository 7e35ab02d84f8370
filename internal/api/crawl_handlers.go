package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/scheduler"
)

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	jobName := chi.URLParam(r, "job")
	quiet := r.URL.Query().Get("quiet") == "true"

	adm, err := s.scheduler.RequestRun(r.Context(), jobName, actorFrom(r), quiet)
	if err != nil {
		s.writeAdmissionError(w, adm, err, jobName)
		return
	}
	s.writeJSON(w, http.StatusAccepted, adm)
}

func (s *Server) runAll(w http.ResponseWriter, r *http.Request) {
	quiet := r.URL.Query().Get("quiet") == "true"

	adm, err := s.scheduler.RunAll(r.Context(), actorFrom(r), quiet)
	if err != nil {
		s.writeAdmissionError(w, adm, err, "all")
		return
	}
	s.writeJSON(w, http.StatusAccepted, adm)
}

func (s *Server) writeAdmissionError(w http.ResponseWriter, adm scheduler.Admission, err error, jobName string) {
	switch {
	case errors.Is(err, cve.ErrAlreadyRunning):
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "a crawl is already running",
			"admission": adm,
		})
	case errors.Is(err, cve.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "unknown job")
	default:
		s.logger.Error("crawl admission failed", zap.String("job", jobName), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to start crawl")
	}
}

func (s *Server) crawlStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) crawlResult(w http.ResponseWriter, r *http.Request) {
	jobName := chi.URLParam(r, "job")
	result, ok := s.scheduler.LastResult(jobName)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no result for job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job":    jobName,
		"result": result,
	})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": s.registry.List()})
}
