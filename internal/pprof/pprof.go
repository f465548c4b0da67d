// Package pprof serves the runtime profiling endpoints on their own
// listener so the client-facing server stays free of debug routes.
package pprof

import (
	"context"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"sync"
	"time"

	"github.com/sschepis/oboto-server/internal/logger"
)

// Server owns the debug listener.
type Server struct {
	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New returns an idle profiling server.
func New() *Server {
	return &Server{}
}

// Start binds addr and serves /debug/pprof/ until Stop. Starting an
// already running server is an error.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("pprof server already running on %s", s.listener.Addr())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", netpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind pprof listener: %w", err)
	}

	s.listener = ln
	s.server = &http.Server{Handler: mux}

	go func(srv *http.Server, ln net.Listener) {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Warn("pprof server: %v", serveErr)
		}
	}(s.server, ln)

	logger.Info("pprof listening on http://%s/debug/pprof/", ln.Addr())
	return nil
}

// Addr reports the bound address, empty while stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down, waiting briefly for in-flight profile
// requests. Stopping an idle server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
