package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/keeper/keeper/pkg/metrics"
	"github.com/malbeclabs/keeper/keeper/pkg/orchestrator"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeText(w, http.StatusOK, "ok\n")
	})
	s.router.Get("/readyz", s.readyzHandler)
	s.router.Get("/version", s.versionHandler)
	s.router.Get("/status", s.statusHandler)
	s.router.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", listener.Addr().String())

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", listener.Addr().String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

// ready reports whether the keeper is actively working: running between
// cycles or inside one.
func ready(st orchestrator.State) bool {
	return st == orchestrator.StateRunning || st.InCycle()
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Status.State()
	if !ready(st) {
		s.log.Debug("readyz: keeper not ready", "state", st)
		s.writeText(w, http.StatusServiceUnavailable, fmt.Sprintf("keeper not ready: %s\n", st))
		return
	}
	s.writeText(w, http.StatusOK, "ok\n")
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.cfg.VersionInfo)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.cfg.Status.Snapshot())
}

func (s *Server) writeText(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write json response", "error", err)
	}
}
