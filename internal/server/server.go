// Package server exposes the access decision facade over HTTP alongside the
// health and Prometheus endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/developingchet/authguard/internal/access"
	"github.com/developingchet/authguard/internal/apperr"
	"github.com/developingchet/authguard/internal/config"
	"github.com/developingchet/authguard/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	routeCheck   = "/v1/access/check"
	maxBodyBytes = 64 << 10
)

// Checker is satisfied by *access.Checker.
type Checker interface {
	Check(ctx context.Context, a access.Attempt) (access.Decision, error)
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the API, health and metrics listeners.
type Server struct {
	cfg     *config.Config
	checker Checker
	store   Pinger
	log     zerolog.Logger
}

// New creates a Server. store backs /readyz.
func New(cfg *config.Config, checker Checker, store Pinger, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		checker: checker,
		store:   store,
		log:     log.With().Str("component", "server").Logger(),
	}
}

// CheckRequest is the body of POST /v1/access/check.
type CheckRequest struct {
	Host       string `json:"host"`
	Identifier string `json:"identifier,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
}

// CheckResponse is the decision returned for a CheckRequest.
type CheckResponse struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason"`
	Tier         string `json:"tier"`
	RuleID       string `json:"rule_id,omitempty"`
	Counter      string `json:"counter,omitempty"`
	Count        int64  `json:"count,omitempty"`
	Limit        int64  `json:"limit,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Run starts every listener and blocks until ctx is cancelled or one fails.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.serve(gctx, "decision API", s.cfg.APIAddr, s.APIHandler())
	})
	g.Go(func() error {
		return s.serve(gctx, "health", s.cfg.HealthAddr, s.HealthHandler())
	})
	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serve(gctx, "Prometheus metrics", s.cfg.MetricsAddr, MetricsHandler())
		})
	}
	return g.Wait()
}

func (s *Server) serve(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg(name + " server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// APIHandler serves the decision endpoint.
func (s *Server) APIHandler() http.Handler {
	r := chi.NewRouter()
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
	r.Method(http.MethodPost, routeCheck, instrument(routeCheck, http.HandlerFunc(s.handleCheck)))
	return r
}

// HealthHandler serves /healthz and /readyz.
func (s *Server) HealthHandler() http.Handler {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return router
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	d, err := s.checker.Check(r.Context(), access.Attempt{
		Host:       req.Host,
		Identifier: req.Identifier,
		InstanceID: req.InstanceID,
		OwnerID:    req.OwnerID,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
			s.log.Error().Err(err).Str("host", req.Host).Msg("access check failed")
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, CheckResponse{
		Allowed:      d.Allowed,
		Reason:       string(d.Reason),
		Tier:         string(d.Network.Tier),
		RuleID:       d.Network.RuleID,
		Counter:      string(d.Counter),
		Count:        d.Count,
		Limit:        d.Limit,
		RetryAfterMs: d.RetryAfter.Milliseconds(),
	})
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request latency per route and status code.
func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPDuration.WithLabelValues(route, strconv.Itoa(rec.code)).Observe(time.Since(start).Seconds())
	})
}
