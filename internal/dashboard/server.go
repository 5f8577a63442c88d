// Package dashboard serves a finished backtest result over HTTP so it can
// be inspected from a browser or scraped by tooling.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/dunder_backtester/internal/backtest"
	"github.com/eddiefleurent/dunder_backtester/internal/journal"
)

type Server struct {
	router  *chi.Mux
	server  *http.Server
	result  *backtest.Result
	journal *journal.SQLite
	logger  *logrus.Logger
	addr    string
}

type Config struct {
	Addr string
}

// NewServer builds a server around a finished result. The journal is
// optional; without it the run-history endpoint reports 404.
func NewServer(cfg Config, result *backtest.Result, jnl *journal.SQLite, logger *logrus.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		result:  result,
		journal: jnl,
		logger:  logger,
		addr:    cfg.Addr,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/api/result", s.handleGetResult)
	s.router.Get("/api/metrics", s.handleGetMetrics)
	s.router.Get("/api/trades", s.handleGetTrades)
	s.router.Get("/api/equity", s.handleGetEquity)
	s.router.Get("/api/runs", s.handleListRuns)
	s.router.Get("/health", s.handleHealth)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.result)
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.result.Metrics)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.result.Trades)
}

func (s *Server) handleGetEquity(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.result.EquityCurve)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "no journal configured", http.StatusNotFound)
		return
	}
	runs, err := s.journal.ListRuns(r.Context(), 50)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list journal runs")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, runs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"run":       string(s.result.Status),
		"timestamp": time.Now().Unix(),
	}
	s.writeJSON(w, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
