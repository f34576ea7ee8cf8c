// Package web is the HTTP binding of the servo commands, plus a server-sent
// event stream of log and status messages.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/cjeanneret/trichopi/internal/debug"
)

// ShutdownTimeout bounds the graceful shutdown of the HTTP server.
const ShutdownTimeout = 5 * time.Second

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	log      *debug.Logger
}

// NewServer creates a server configured for the given address and handlers.
func NewServer(addr string, handlers *Handlers, log *debug.Logger) *Server {
	if log == nil {
		log = debug.Nop()
	}
	return &Server{
		addr:     addr,
		handlers: handlers,
		log:      log,
	}
}

// Mux returns an http.Handler with all routes registered, wrapped in a
// permissive CORS handler.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlers.HandlePing)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /angle", s.handlers.HandleGetAngle)
	mux.HandleFunc("POST /angle", s.handlers.HandleSetAngle)
	mux.HandleFunc("POST /calibrate", s.handlers.HandleCalibrate)
	mux.HandleFunc("POST /stop", s.handlers.HandleStop)
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only
	mux.HandleFunc("/", s.handlers.HandleNotFound)

	return cors.AllowAll().Handler(mux)
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		s.log.Info("HTTP server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
