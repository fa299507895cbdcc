package origin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server wraps an [http.Server] with context-driven graceful shutdown.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option configures a Server.
type Option func(*options)

type options struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// WithAddr sets the address the server listens on. Default is ":8080".
func WithAddr(addr string) Option {
	return func(o *options) {
		o.addr = addr
	}
}

// WithReadTimeout sets the maximum duration for reading the entire
// request. Default is 5s.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// WithWriteTimeout sets the maximum duration before timing out writes of
// the response. Default is 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests
// once its context ends. Default is 5s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// WithLogger sets the logger used for server lifecycle events.
// Default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.logger = log
	}
}

// NewServer creates a Server for handler.
func NewServer(handler http.Handler, optFns ...Option) *Server {
	o := options{
		addr:            ":8080",
		readTimeout:     5 * time.Second,
		writeTimeout:    10 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range optFns {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	return &Server{
		srv: &http.Server{
			Addr:         o.addr,
			Handler:      handler,
			ReadTimeout:  o.readTimeout,
			WriteTimeout: o.writeTimeout,
			IdleTimeout:  120 * time.Second,
		},
		shutdownTimeout: o.shutdownTimeout,
		logger:          o.logger,
	}
}

// Run listens on the configured address and serves until ctx ends, then
// shuts down gracefully. ready, if not nil, receives the bound address.
func (s *Server) Run(ctx context.Context, ready chan<- string) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	serverErrs := make(chan error, 1)
	go func() {
		s.logger.Info("origin started", "addr", ln.Addr().String())
		serverErrs <- s.srv.Serve(ln)
	}()

	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-serverErrs:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.srv.Close()
			return fmt.Errorf("server didn't stop gracefully: %w", err)
		}

		s.logger.Info("shutdown complete")
		return nil
	}
}
