// Package service exposes the session manager over HTTP: a small JSON API
// for lifecycle control plus a WebSocket stream of session events.
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/internal/config"
	"github.com/xkilldash9x/greyhat-cli/internal/session"
)

// Server hosts the control API.
type Server struct {
	logger     *zap.Logger
	cfg        config.ServerConfig
	manager    *session.Manager
	httpServer *http.Server
}

// NewServer wires the router.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, manager *session.Manager) *Server {
	s := &Server{
		logger:  logger.Named("service"),
		cfg:     cfg,
		manager: manager,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleStartSession)
		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleCancelSession)
			r.Post("/pause", s.handlePauseSession)
			r.Post("/resume", s.handleResumeSession)
			r.Get("/findings", s.handleFindings)
			r.Get("/events", s.handleEventStream)
		})
		r.Get("/confirmations", s.handleListConfirmations)
		r.Post("/confirmations/{token}", s.handleResolveConfirmation)
	})
	r.Get("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until ctx is cancelled, then drains connections within the
// configured shutdown window.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("API server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
