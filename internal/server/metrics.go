package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor/fleet/pkg/metrics"
)

// MetricsServerConfig configures the scrape listener that every fleet binary
// (control plane, operator, agent host) exposes next to its main port.
type MetricsServerConfig struct {
	Port         int
	Path         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultMetricsServerConfig() MetricsServerConfig {
	return MetricsServerConfig{
		Port:         9090,
		Path:         "/metrics",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// MetricsServer serves a metrics.Metrics registry and a bare liveness probe.
type MetricsServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

func NewMetricsServer(cfg MetricsServerConfig, m *metrics.Metrics, logger zerolog.Logger) *MetricsServer {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Path, m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.Port),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger.With().Str("component", "metrics_server").Str("path", cfg.Path).Logger(),
	}
}

// Handler is the scrape mux, exposed for tests.
func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

// Start blocks until ctx is cancelled or the listener fails.
func (s *MetricsServer) Start(ctx context.Context) error {
	s.logger.Info().Str("address", s.srv.Addr).Msg("starting metrics server")
	return serve(ctx, s.srv, s.logger)
}

func (s *MetricsServer) Stop(ctx context.Context) error {
	return shutdown(ctx, s.srv, s.logger)
}

// serve returns nil once ctx is done. Shutdown is left to the caller so
// in-flight requests can drain under its own deadline.
func serve(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		logger.Debug().Msg("listener context done")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		return nil
	}
}

func shutdown(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// MetricsMiddleware observes API latency per route. It must wrap the
// ServeMux directly: the route label is the mux pattern the request matched
// (for example /api/v1/processes/{id}/wait), which keeps ids out of labels.
func MetricsMiddleware(m *metrics.ControlPlaneMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.RecordAPIRequest(r.Method, routeLabel(r.Pattern), strconv.Itoa(sw.status), time.Since(start).Seconds())
		})
	}
}

// routeLabel strips the method from a mux pattern. Requests that matched
// nothing share one label.
func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker underneath.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
