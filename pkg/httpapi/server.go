// Package httpapi is the gateway's HTTP frontend: the OpenAI-compatible /v1 surface, the
// operational endpoints (/health, /reload, /metrics), and the middleware chain that keeps the
// process alive no matter what a request or an upstream does to it.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"relaylabs/conduit/pkg/config"
	"relaylabs/conduit/pkg/httpapi/middleware"
	"relaylabs/conduit/pkg/metrics"
	"relaylabs/conduit/pkg/registry"
)

// ModelSource is the registry surface the frontend needs: enumeration for /v1/models and
// rebuild for /reload.
type ModelSource interface {
	ListModels() registry.ModelList
	Reload() error
	Len() int
}

// Server is the gateway's HTTP frontend.
type Server struct {
	config     config.ServerConfig
	dispatcher Dispatcher
	models     ModelSource
	metrics    *metrics.Metrics
	logger     *slog.Logger

	httpServer   *http.Server
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.Mutex
	isRunning    bool
}

// NewServer wires a frontend over the given dispatcher and model source.
func NewServer(cfg config.ServerConfig, dispatcher Dispatcher, models ModelSource, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:       cfg,
		dispatcher:   dispatcher,
		models:       models,
		metrics:      m,
		logger:       logger,
		shutdownChan: make(chan struct{}),
	}
}

// Handler builds the full middleware-wrapped route table. Exposed separately from Start so
// tests (and embedding callers) can drive the frontend without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/v1/models", s.handleListModels)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = middleware.CORSMiddleware(middleware.DefaultCORSConfig())(handler)
	handler = middleware.LoggingMiddleware(handler)
	if s.metrics != nil {
		handler = middleware.MetricsMiddleware(s.metrics.ObserveRequest)(handler)
	}
	handler = middleware.RequestIDMiddleware(handler)
	handler = middleware.RecoveryMiddleware(handler)
	return handler
}

// Start serves until ctx is cancelled, a termination signal arrives, or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddress,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting gateway server", "address", s.config.ListenAddress, "models", s.models.Len())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	case <-s.shutdownChan:
		return nil
	}
}

// Shutdown drains in-flight requests within the configured grace period, then closes.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		if s.httpServer == nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
		if e := s.httpServer.Shutdown(sctx); e != nil {
			s.logger.Warn("graceful shutdown incomplete, closing", "error", e)
			err = s.httpServer.Close()
			return
		}
		s.logger.Info("server stopped")
	})
	return err
}

// handleHealth serves GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed", errTypeInvalidRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListModels serves GET /v1/models.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed", errTypeInvalidRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.models.ListModels())
}

// handleReload serves GET /reload: rebuild the registry table from the config file.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed", errTypeInvalidRequest)
		return
	}
	if err := s.models.Reload(); err != nil {
		if s.metrics != nil {
			s.metrics.ObserveReload(false)
		}
		s.logger.Error("config reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": SanitizeError(err.Error()),
		})
		return
	}
	n := s.models.Len()
	if s.metrics != nil {
		s.metrics.ObserveReload(true)
		s.metrics.SetModelsLoaded(n)
	}
	s.logger.Info("config reloaded", "models", n)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": fmt.Sprintf("reloaded %d models", n),
	})
}
