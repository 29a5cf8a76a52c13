// Package debug exposes runtime profiling on a side listener, kept off the
// public realtime port so it is never reachable from widget origins.
package debug

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/canopyhq/canopy/internal/logger"
)

// Server serves net/http/pprof endpoints on its own address.
type Server struct {
	srv *http.Server
	log *logger.Logger
}

// NewServer creates a profiling server bound to addr.
func NewServer(addr string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux},
		log: log.WithPrefix("debug"),
	}
}

// Start serves in the background until Stop is called.
func (s *Server) Start() {
	go func() {
		s.log.Info("Profiling server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Warn("Profiling server failed: %v", err)
		}
	}()
}

// Stop shuts the profiling server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
