// File: internal/server/server.go
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/service"
)

// Server exposes the task service over HTTP. It is a thin transport: all
// orchestration decisions live in the service layer.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	svc        *service.Service
	httpServer *http.Server
}

// New builds the server around an already-wired service facade.
func New(cfg config.ServerConfig, logger *zap.Logger, svc *service.Service) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.Named("server"),
		svc:    svc,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router assembles the chi mux. Exposed separately so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The websocket route must stay outside the timeout middleware: the
	// stream is expected to outlive any per-request deadline.
	r.Get("/api/tasks/{taskID}/ws", s.handleTaskStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout()))

		r.Get("/api/health", s.handleHealth)

		r.Route("/api/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmitTask)
			r.Get("/{taskID}", s.handleGetTask)
			r.Delete("/{taskID}", s.handleCancelTask)
		})

		r.Post("/api/chat", s.handleChat)
		r.Get("/api/history", s.handleHistory)
		r.Post("/api/clear", s.handleClear)
	})

	return r
}

// requestTimeout bounds plain HTTP requests. The synchronous chat handler is
// the slowest route, so the ceiling tracks ChatWait with headroom.
func (s *Server) requestTimeout() time.Duration {
	timeout := s.cfg.ChatWait + 10*time.Second
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	return timeout
}

// Start serves until ctx is cancelled, then shuts down gracefully within
// the configured ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown was not clean", zap.Error(err))
		return err
	}
	return <-errCh
}
