// Package web exposes the curation engine over HTTP: event ingestion for
// the chat integration, chat configuration, history sync triggers, and the
// administrator OAuth flow.
package web

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"crowdqueue/internal/chats"
	"crowdqueue/internal/creds"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr    string
	Curator Curator
	Chats   *chats.Repo
	Creds   *creds.Provider
	Log     *log.Logger
}

// Server is the HTTP front of the curation engine.
type Server struct {
	router   chi.Router
	server   *http.Server
	handlers *Handlers
	log      *log.Logger
}

// NewServer creates a Server wired to the given collaborators.
func NewServer(cfg ServerConfig) *Server {
	handlers := NewHandlers(cfg.Curator, cfg.Chats, cfg.Creds, cfg.Log)

	router := chi.NewRouter()
	s := &Server{
		router:   router,
		handlers: handlers,
		log:      cfg.Log,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
}

// setupRoutes configures routes for the application.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handlers.Health)

	// Chat platform events
	s.router.Post("/events/share", s.handlers.ShareEvent)
	s.router.Post("/events/vote", s.handlers.VoteEvent)
	s.router.Post("/events/retract", s.handlers.RetractEvent)

	// Chat administration
	s.router.Put("/chats/{chatID}", s.handlers.SaveChat)
	s.router.Post("/chats/{chatID}/sync", s.handlers.HistorySync)
	s.router.Get("/chats/{chatID}/sync", s.handlers.SyncStatus)

	// Administrator OAuth flow
	s.router.Get("/admin/auth", s.handlers.AdminAuth)
	s.router.Get("/callback", s.handlers.AdminCallback)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Run starts the server and handles graceful shutdown on interrupt signals.
func (s *Server) Run() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-stop:
		s.log.Info("shutting down server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.log.Info("server stopped")
	return nil
}
