// Package control exposes the Ntfy coordinator's command surface over a
// small JSON-over-HTTP API: the headless front door a UI process drives
// to subscribe, unsubscribe, publish, manage accounts, and observe
// subscription state.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ntfy-daemon/ntfyd/internal/ntfy"
)

// Server serves the control API.
type Server struct {
	addr        string
	authToken   string
	logger      *slog.Logger
	coordinator *ntfy.Coordinator
	server      *http.Server
}

// New builds a Server listening on addr. An empty authToken disables
// bearer-token auth.
func New(addr, authToken string, logger *slog.Logger, coordinator *ntfy.Coordinator) *Server {
	s := &Server{
		addr:        addr,
		authToken:   authToken,
		logger:      logger,
		coordinator: coordinator,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/subscriptions", s.withRequestID(s.withAuth(s.handleListSubscriptions)))
	mux.HandleFunc("GET /v1/subscriptions/stream", s.withRequestID(s.withAuth(s.handleStream)))
	mux.HandleFunc("POST /v1/subscriptions", s.withRequestID(s.withAuth(s.handleSubscribe)))
	mux.HandleFunc("DELETE /v1/subscriptions", s.withRequestID(s.withAuth(s.handleUnsubscribe)))
	mux.HandleFunc("POST /v1/subscriptions/publish", s.withRequestID(s.withAuth(s.handlePublish)))
	mux.HandleFunc("POST /v1/subscriptions/read", s.withRequestID(s.withAuth(s.handleFlagAllAsRead)))
	mux.HandleFunc("GET /v1/accounts", s.withRequestID(s.withAuth(s.handleListAccounts)))
	mux.HandleFunc("POST /v1/accounts", s.withRequestID(s.withAuth(s.handleAddAccount)))
	mux.HandleFunc("DELETE /v1/accounts", s.withRequestID(s.withAuth(s.handleRemoveAccount)))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests. It blocks until the server
// stops; callers typically run it on its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("starting control API", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control api error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down control API")
	return s.server.Shutdown(ctx)
}
