// Package server exposes the bot's operational HTTP endpoints: Prometheus
// metrics, a health check and read-only moderation queries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/aimodbot/internal/metrics"
)

// Check reports whether a dependency is healthy.
type Check func(ctx context.Context) error

// Server serves /metrics, /health and the query routes enabled by options.
type Server struct {
	httpServer *http.Server
	checks     map[string]Check
	startedAt  time.Time
	log        *zap.Logger

	decisions DecisionLog
	offenses  OffenseCounter
	budget    BudgetFunc
}

// Option enables an optional route.
type Option func(*Server)

// WithDecisionLog serves GET /decisions and adds redaction counts to
// GET /offenders.
func WithDecisionLog(d DecisionLog) Option { return func(s *Server) { s.decisions = d } }

// WithOffenses serves GET /offenders.
func WithOffenses(o OffenseCounter) Option { return func(s *Server) { s.offenses = o } }

// WithBudget serves GET /budget.
func WithBudget(f BudgetFunc) Option { return func(s *Server) { s.budget = f } }

// New returns a Server listening on addr. checks are run on every /health
// request; any failure turns the status to "degraded".
func New(addr string, checks map[string]Check, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		checks:    checks,
		startedAt: time.Now(),
		log:       log.Named("http"),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	if s.decisions != nil {
		mux.HandleFunc("GET /decisions", s.handleDecisions)
	}
	if s.offenses != nil {
		mux.HandleFunc("GET /offenders", s.handleOffenders)
	}
	if s.budget != nil {
		mux.HandleFunc("GET /budget", s.handleBudget)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener with a deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	code := http.StatusOK
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
