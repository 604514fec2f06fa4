// Package admin serves the operational endpoints of a running patrakosh
// process: health, Prometheus metrics and, optionally, execution trace
// snapshots.
package admin

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrakosh/patrakosh/internal/metrics"
	"github.com/patrakosh/patrakosh/internal/tracing"
)

// HealthFunc reports whether the process can serve requests.
type HealthFunc func(ctx context.Context) error

// AdminServer provides an HTTP interface for metrics and health checks.
type AdminServer struct {
	server   *http.Server
	mux      *http.ServeMux
	listener net.Listener
	health   HealthFunc
	logger   zerolog.Logger
}

// NewAdminServer creates an admin server. health may be nil.
func NewAdminServer(health HealthFunc, logger zerolog.Logger) *AdminServer {
	s := &AdminServer{
		mux:    http.NewServeMux(),
		health: health,
		logger: logger.With().Str("component", "admin").Logger(),
	}
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// EnableTrace serves snapshots of rec at /debug/trace. Call before Start.
func (s *AdminServer) EnableTrace(rec *tracing.Recorder) {
	s.mux.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var buf bytes.Buffer
		if err := rec.Snapshot(&buf); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="patrakosh.trace"`)
		_, _ = w.Write(buf.Bytes())
		s.logger.Info().Int("bytes", buf.Len()).Msg("Served trace snapshot")
	})
}

// Handler returns the request router.
func (s *AdminServer) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves in the background. Bind errors are
// returned; errors after that are logged.
func (s *AdminServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server stopped")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin server listening")
	return nil
}

// Addr returns the address being served, or "" before Start.
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error() + "\n"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
