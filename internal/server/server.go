// Package server exposes the orchestrator's HTTP API: deployment CRUD,
// run/cancel, recurring pause/resume, lineage history and status summary.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"deployd/internal/deploy"
	logx "deployd/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RatePerSec throttles incoming requests. Zero disables throttling.
	RatePerSec float64
	RateBurst  int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	return c
}

// Runner is the slice of the execution engine the API needs.
type Runner interface {
	Run(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) (deploy.Deployment, error)
	Running() []string
}

// Advancer starts the next eligible member of a deployment batch.
type Advancer interface {
	Advance(ctx context.Context, batchKey string)
}

type Server struct {
	cfg    Config
	log    logx.Logger
	store  deploy.Store
	runner Runner
	seq    Advancer

	srv *http.Server
}

func New(cfg Config, store deploy.Store, runner Runner, seq Advancer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		log:    log,
		store:  store,
		runner: runner,
		seq:    seq,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/deployments", s.handleCreate)
	mux.HandleFunc("GET /api/deployments", s.handleList)
	mux.HandleFunc("GET /api/deployments/summary", s.handleSummary)
	mux.HandleFunc("GET /api/deployments/{id}", s.handleGet)
	mux.HandleFunc("GET /api/deployments/{id}/lineage", s.handleLineage)
	mux.HandleFunc("POST /api/deployments/{id}/run", s.handleRun)
	mux.HandleFunc("POST /api/deployments/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/deployments/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/deployments/{id}/resume", s.handleResume)
	mux.HandleFunc("DELETE /api/deployments/{id}", s.handleDelete)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var handler http.Handler = mux
	if s.cfg.RatePerSec > 0 {
		handler = rateLimit(s.cfg.RatePerSec, s.cfg.RateBurst, handler)
	}

	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
