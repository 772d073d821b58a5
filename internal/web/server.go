package web

import (
	"context"
	"net/http"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultCommandTimeout bounds how long a command route waits for the
// coordinator before answering 504.
const DefaultCommandTimeout = 15 * time.Second

// Server wraps the HTTP server and handlers.
type Server struct {
	addr           string
	handlers       *Handlers
	commandTimeout time.Duration
}

// NewServer creates a server configured for the given address and handlers.
func NewServer(addr string, handlers *Handlers) *Server {
	return &Server{
		addr:           addr,
		handlers:       handlers,
		commandTimeout: DefaultCommandTimeout,
	}
}

// SetCommandTimeout overrides DefaultCommandTimeout.
func (s *Server) SetCommandTimeout(d time.Duration) {
	if d > 0 {
		s.commandTimeout = d
	}
}

// Router returns an http.Handler with all routes registered.
func (s *Server) Router() http.Handler {
	h := s.handlers
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HandleHealthz)
	r.Get("/state", h.HandleState)
	r.Get("/captures", h.HandleCaptures)
	// Streams stay outside the command timeout.
	r.Get("/status/stream", h.HandleStatusStream)
	r.Get("/ws", h.HandleWebsocket)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.commandTimeout))
		r.Post("/open", h.HandleOpen)
		r.Post("/preview", h.HandlePreview)
		r.Post("/capture", h.HandleCapture)
		r.Post("/close", h.HandleClose)
	})
	return r
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
