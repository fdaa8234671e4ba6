// Package server exposes the viewer page, the websocket endpoint and the
// JSON API on one listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/pagecast/web"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Listen string
	Logger *slog.Logger
}

type Server struct {
	opts       Options
	log        *slog.Logger
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New mounts ws at /ws and api (if non-nil) at /api and /health. Every
// other path serves the embedded viewer.
func New(opts Options, ws http.HandlerFunc, api http.Handler) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	viewer, err := fs.Sub(web.Assets, "viewer")
	if err != nil {
		return nil, fmt.Errorf("failed to sub filesystem: %w", err)
	}
	fileServer := http.FileServer(http.FS(viewer))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", ws)
	if api != nil {
		// The API router matches on full paths, so it is not mounted.
		r.Handle("/api", api)
		r.Handle("/api/*", api)
		r.Handle("/health", api)
	}
	r.Handle("/*", fileServer)

	return &Server{
		opts: opts,
		log:  opts.Logger,
		httpServer: &http.Server{
			Addr:              opts.Listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen binds the address without serving yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Listen, err)
	}
	s.listener = ln
	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Listen
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Close stops the server immediately, including a listener that was bound
// but never served.
func (s *Server) Close() error {
	err := s.httpServer.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
	}
	return err
}
