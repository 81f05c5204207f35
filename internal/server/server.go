// Package server exposes the read-only HTTP surface: health, metrics,
// and the device state API. Handlers only read what the poll loop last
// published; none of them touch the remote API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// HTTPServer runs the listener with orderly shutdown.
type HTTPServer struct {
	server *http.Server
	log    zerolog.Logger
}

func NewHTTPServer(addr string, handler http.Handler, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
// A closed-server error is swallowed; that is the orderly path.
func (s *HTTPServer) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by shutdownTimeout.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
