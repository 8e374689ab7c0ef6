package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is a minimal HTTP server exposing the active registry on /metrics,
// grounded on the pack's promhttp.Handler() pattern (cuemby-warren's
// pkg/metrics.Handler). It is started by cmd/storaged only when
// config.Metrics.Enabled is true.
type Server struct {
	httpServer *http.Server
	port       int
}

// NewServer builds a metrics server bound to port, serving the registry
// passed to InitRegistry. Call Start to begin listening.
func NewServer(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{}))
	return &Server{
		port: port,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	return s.port
}

// Start runs the server until ctx is cancelled or ListenAndServe fails.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
