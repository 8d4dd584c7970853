package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/fuel-price-crawler/internal/crawler"
	"github.com/JakeFAU/fuel-price-crawler/internal/metrics"
)

// HeaderRequestID carries the per-request correlation ID.
const HeaderRequestID = "X-Request-ID"

// RunTrigger starts a crawl run in the background.
type RunTrigger interface {
	Trigger(ctx context.Context) (crawler.CrawlRun, error)
}

// RunReader reads persisted runs.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (crawler.CrawlRun, error)
	ListRuns(ctx context.Context, limit int) ([]crawler.CrawlRun, error)
}

// HistoryReader reconstructs one price series.
type HistoryReader interface {
	History(ctx context.Context, key crawler.PriceKey) ([]crawler.PriceChangeRecord, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups the collaborators behind the HTTP handlers.
type Deps struct {
	Trigger RunTrigger
	Runs    RunReader
	History HistoryReader
	// Ready is optional; nil reports ready unconditionally.
	Ready   Pinger
	Metrics *metrics.Collectors
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router  chi.Router
	deps    Deps
	timeout time.Duration
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, requestTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps, timeout: requestTimeout, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(deps.Metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(s.timeout))
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.triggerRun)
			r.Get("/", s.listRuns)
			r.Get("/{run_id}", s.getRun)
		})
		r.Get("/prices/{station_id}/{fuel_type}/history", s.priceHistory)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Trigger.Trigger(r.Context())
	switch {
	case errors.Is(err, crawler.ErrRunActive):
		s.writeError(w, http.StatusConflict, "a crawl run is already active")
		return
	case err != nil:
		s.logger.Error("trigger run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	w.Header().Set("Location", "/v1/runs/"+run.ID)
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.deps.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []crawler.CrawlRun{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// priceHistory serves the full change history of one series. Permit numbers
// contain "/", so clients escape the station segment (PL%2F1001).
func (s *Server) priceHistory(w http.ResponseWriter, r *http.Request) {
	stationID, err := url.PathUnescape(chi.URLParam(r, "station_id"))
	if err != nil || stationID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid station id")
		return
	}
	fuelType, err := crawler.ParseFuelType(chi.URLParam(r, "fuel_type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := crawler.PriceKey{StationID: stationID, FuelType: fuelType}
	records, err := s.deps.History.History(r.Context(), key)
	if err != nil {
		s.logger.Error("price history failed", zap.String("key", key.String()), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch history")
		return
	}
	if records == nil {
		records = []crawler.PriceChangeRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"station_id": stationID,
		"fuel_type":  fuelType,
		"history":    records,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set(HeaderRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

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
