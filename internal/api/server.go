// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
	"github.com/JakeFAU/oflc-harvester/internal/harvest"
	"github.com/JakeFAU/oflc-harvester/internal/metrics"
	"github.com/JakeFAU/oflc-harvester/internal/reconcile"
)

const (
	readTimeout     = 30 * time.Second
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// Harvester runs harvest passes and reports their state.
type Harvester interface {
	Run(ctx context.Context) (crawler.Summary, error)
	Running() bool
	Last() (crawler.Summary, bool)
}

// Reconciler reports and repairs manifest drift.
type Reconciler interface {
	Scan(ctx context.Context) (reconcile.Report, error)
	Apply(ctx context.Context) (reconcile.Report, error)
}

// RunHistory lists persisted run summaries.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]crawler.Summary, error)
}

// Deps groups the collaborators the server exposes. Runs may be nil.
type Deps struct {
	Harvester  Harvester
	Reconciler Reconciler
	Manifest   crawler.ManifestStore
	Runs       RunHistory
	// BaseContext parents runs started asynchronously. Defaults to Background.
	BaseContext context.Context
	APIKey      string
}

// Server wires HTTP handlers to the harvest engine and manifest.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	metrics.Init()
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(readTimeout))
		r.Get("/readyz", s.readyz)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/artifacts", s.listArtifacts)
			r.Get("/artifacts/lookup", s.lookupArtifact)
			r.Get("/reconcile", s.scanReconcile)
			r.Get("/runs", s.listRuns)
			r.Get("/runs/last", s.lastRun)
		})
	})

	r.Group(func(r chi.Router) {
		if deps.APIKey != "" {
			r.Use(apiKeyMiddleware(deps.APIKey))
		}
		r.Post("/v1/reconcile", s.applyReconcile)
		r.Post("/v1/runs", s.startRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports 503 when the manifest cannot be read from either copy.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Manifest.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "manifest unavailable")
		return
	}
	if snap.Degraded() {
		writeError(w, http.StatusServiceUnavailable, "manifest degraded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"manifest_source": snap.Source,
		"entries":         len(snap.Records),
		"running":         s.deps.Harvester.Running(),
	})
}

// listArtifacts handles GET /v1/artifacts?program=&period=.
func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Manifest.Load(r.Context())
	if err != nil {
		s.logger.Error("load manifest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load manifest")
		return
	}
	program := r.URL.Query().Get("program")
	period := r.URL.Query().Get("period")

	records := make([]crawler.Record, 0, len(snap.Records))
	for _, rec := range snap.Records {
		if program != "" && rec.Program != program {
			continue
		}
		if period != "" && rec.Period != period {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Identity < records[j].Identity })

	writeJSON(w, http.StatusOK, map[string]any{
		"source":    snap.Source,
		"count":     len(records),
		"artifacts": records,
	})
}

// lookupArtifact handles GET /v1/artifacts/lookup?url=. The url is
// normalized the same way discovered links are.
func (s *Server) lookupArtifact(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	snap, err := s.deps.Manifest.Load(r.Context())
	if err != nil {
		s.logger.Error("load manifest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load manifest")
		return
	}
	identity := crawler.NormalizeIdentity(raw, "")
	rec, ok := snap.Records[identity]
	if !ok {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifact": rec})
}

func (s *Server) scanReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reconciler.Scan(r.Context())
	s.writeReport(w, report, err)
}

func (s *Server) applyReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reconciler.Apply(r.Context())
	s.writeReport(w, report, err)
}

func (s *Server) writeReport(w http.ResponseWriter, report reconcile.Report, err error) {
	switch {
	case errors.Is(err, reconcile.ErrManifestUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Error("reconcile failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reconcile failed")
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// startRun handles POST /v1/runs. Runs are asynchronous unless ?wait=true.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Harvester.Running() {
		writeError(w, http.StatusConflict, harvest.ErrRunInProgress.Error())
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")) //nolint:errcheck // absent means async

	if wait {
		summary, err := s.deps.Harvester.Run(r.Context())
		switch {
		case errors.Is(err, harvest.ErrRunInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"run": summary, "error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"run": summary})
		}
		return
	}

	go func() {
		if _, err := s.deps.Harvester.Run(s.deps.BaseContext); err != nil {
			s.logger.Warn("triggered run failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	summary, ok := s.deps.Harvester.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no run recorded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": summary, "running": s.deps.Harvester.Running()})
}

// listRuns handles GET /v1/runs?limit=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(val, maxRunLimit)
	}
	runs, err := s.deps.Runs.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string) //nolint:errcheck // type assertion
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
