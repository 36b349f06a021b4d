// Package httpapi exposes the attachment service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tflow/attachstore/internal/attachment"
	"github.com/tflow/attachstore/internal/metrics"
	"github.com/tflow/attachstore/pkg/health"
	"github.com/tflow/attachstore/pkg/types"
)

// Config configures the HTTP server.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// Options are the collaborators served by the API. Health, Metrics,
// PoolStats and Summary are optional.
type Options struct {
	Service   *attachment.Service
	Health    *health.Tracker
	Metrics   http.Handler
	PoolStats func() types.PoolStats
	Summary   func() metrics.Summary
	Logger    *slog.Logger
}

// Server is the HTTP front end of the attachment store.
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	config     Config
	opts       Options
	logger     *slog.Logger
}

// New creates a server and its routes.
//
// Routes:
//   - POST   /api/attachments           multipart upload, field "attachments"
//   - GET    /api/attachments/{id}      attachment record
//   - GET    /api/attachments/{id}/file attachment content, ?cache=1 revalidates
//   - DELETE /api/attachments/{id}      idempotent delete
//   - GET    /healthz
//   - GET    /metrics
func New(config Config, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 15 * time.Second
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = 30 * time.Second
	}

	s := &Server{
		config: config,
		opts:   opts,
		logger: opts.Logger.With("component", "http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	h := &attachmentHandler{service: opts.Service, logger: s.logger}
	r.Route("/api/attachments", func(r chi.Router) {
		r.Post("/", h.Upload)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/file", h.File)
		r.Delete("/{id}", h.Delete)
	})

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           r,
		ReadHeaderTimeout: config.ReadHeaderTimeout, // Prevent Slowloris attacks
		IdleTimeout:       config.IdleTimeout,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.config.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

type healthResponse struct {
	Status     string                   `json:"status"`
	Timestamp  time.Time                `json:"timestamp"`
	Components []health.ComponentHealth `json:"components,omitempty"`
	Pool       *types.PoolStats         `json:"pool,omitempty"`
	Operations *metrics.Summary         `json:"operations,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: health.StateHealthy.String(), Timestamp: time.Now()}
	status := http.StatusOK

	if s.opts.Health != nil {
		s.opts.Health.Check(r.Context())
		overall := s.opts.Health.GetOverallHealth()
		resp.Status = overall.String()
		resp.Components = s.opts.Health.GetAllComponents()
		if overall == health.StateUnavailable {
			status = http.StatusServiceUnavailable
		}
	}
	if s.opts.PoolStats != nil {
		stats := s.opts.PoolStats()
		resp.Pool = &stats
	}
	if s.opts.Summary != nil {
		summary := s.opts.Summary()
		resp.Operations = &summary
	}

	writeJSON(w, status, resp)
}
