// Package api exposes the HTTP interface for the cvewatch service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seclens/cvewatch/internal/config"
	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/metrics"
	"github.com/seclens/cvewatch/internal/middleware"
	"github.com/seclens/cvewatch/internal/scheduler"
	"github.com/seclens/cvewatch/internal/tracking"
)

// Server wires HTTP handlers to the tracking service and the crawl
// scheduler.
type Server struct {
	router    chi.Router
	service   *tracking.Service
	repo      cve.RecordRepository
	cache     cve.CacheStore
	scheduler *scheduler.Scheduler
	registry  *scheduler.Registry
	wsHandler http.Handler
	cacheTTL  time.Duration
	logger    *zap.Logger
	cfg       config.Config
}

// NewServer constructs a Server with middleware and routes. The ws
// handler may be nil when websocket streaming is not wired.
func NewServer(
	service *tracking.Service,
	repo cve.RecordRepository,
	cache cve.CacheStore,
	sched *scheduler.Scheduler,
	registry *scheduler.Registry,
	wsHandler http.Handler,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service:   service,
		repo:      repo,
		cache:     cache,
		scheduler: sched,
		registry:  registry,
		wsHandler: wsHandler,
		cacheTTL:  cfg.CacheTTL(),
		logger:    logger,
		cfg:       cfg,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(middleware.Metrics)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if cfg.Auth.Enabled {
		r.Use(s.apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/cves", func(r chi.Router) {
			r.Get("/", s.listRecords)
			r.Post("/", s.createRecord)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getRecord)
				r.Patch("/", s.updateRecord)
				r.Delete("/", s.deleteRecord)
				r.Get("/history", s.getHistory)
			})
		})
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/run/{job}", s.runJob)
			r.Post("/run-all", s.runAll)
			r.Get("/status", s.crawlStatus)
			r.Get("/result/{job}", s.crawlResult)
			r.Get("/jobs", s.listJobs)
		})
		if wsHandler != nil {
			r.Get("/ws", wsHandler.ServeHTTP)
		}
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The repository is the only hard dependency; one cheap read
	// proves it is reachable.
	if _, err := s.repo.Count(r.Context(), cve.Filter{}); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "repository unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
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
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
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
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed so websocket upgrades survive the middleware chain.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

type requestIDKey struct{}

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
