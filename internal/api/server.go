// Package api provides the HTTP ingress for the conversion service: job
// submission, job status and health.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sttools/convertd/internal/config"
	"github.com/sttools/convertd/internal/netguard"
	"github.com/sttools/convertd/internal/storage"
	"github.com/sttools/convertd/internal/store"
)

// Server hosts the ingress endpoints. All state lives in the store and the
// temp root; the server itself is stateless and safe to scale out.
type Server struct {
	cfg     config.Settings
	store   *store.Store
	storage *storage.Manager
	guard   netguard.Policy
	logger  zerolog.Logger
}

// New builds a Server over its collaborators.
func New(cfg config.Settings, st *store.Store, sm *storage.Manager, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		storage: sm,
		guard: netguard.Policy{
			AllowHTTP:       cfg.AllowHTTPCallbacks,
			AllowPrivateIPs: cfg.AllowPrivateIPs,
		},
		logger: logger,
	}
}

// Router assembles the chi router with the middleware chain and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/jobs", func(r chi.Router) {
		// Submissions are expensive (disk + transcode); keep the limiter on
		// the write path only.
		r.With(httprate.LimitByIP(60, time.Minute)).Post("/", s.handleCreateJob)
		r.Get("/{job_id}", s.handleGetJob)
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.APIHost, strconv.Itoa(s.cfg.APIPort))
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
		// No global write timeout: multipart ingests of multi-GB uploads are
		// expected to take a while. Header reads stay bounded.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("event", "api.listening").
			Str("addr", addr).
			Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().
		Str("event", "api.stopped").
		Msg("HTTP server stopped")
	return nil
}

// requestLogger emits one structured access log line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("event", "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request handled")
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "convertd",
		"status":  "running",
	})
}
