// Package server exposes the job queue over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"cesar/internal/domain"
	"cesar/internal/download"
	"cesar/internal/jobs"
	"cesar/internal/store"
	"cesar/internal/telemetry"
)

// DefaultMaxUploadSize caps multipart uploads.
const DefaultMaxUploadSize = download.MaxFileSize

// WorkerState is the part of the background worker reported by /health.
type WorkerState interface {
	Running() bool
	CurrentJobID() (string, bool)
}

// Server serves the transcription API.
type Server struct {
	echo        *echo.Echo
	repo        store.Repository
	fetcher     download.Downloader
	events      *jobs.EventBus
	worker      WorkerState
	telemetry   *telemetry.Recorder
	diagnostics func() domain.DiagnosticReport
	uploadDir   string
	maxUpload   int64
	model       string
	now         func() time.Time
	log         *slog.Logger
	upgrader    websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithFetcher sets the downloader for direct (non-video) URLs.
func WithFetcher(d download.Downloader) Option {
	return func(s *Server) { s.fetcher = d }
}

// WithEvents sets the bus served by /events.
func WithEvents(bus *jobs.EventBus) Option {
	return func(s *Server) { s.events = bus }
}

// WithWorker reports worker state on /health.
func WithWorker(w WorkerState) Option {
	return func(s *Server) { s.worker = w }
}

// WithTelemetry reports counters on /health.
func WithTelemetry(r *telemetry.Recorder) Option {
	return func(s *Server) { s.telemetry = r }
}

// WithDiagnostics sets the report source for /diagnostics.
func WithDiagnostics(fn func() domain.DiagnosticReport) Option {
	return func(s *Server) { s.diagnostics = fn }
}

// WithUploadDir sets where uploaded and fetched audio is stored.
func WithUploadDir(dir string) Option {
	return func(s *Server) { s.uploadDir = dir }
}

// WithMaxUploadSize overrides DefaultMaxUploadSize.
func WithMaxUploadSize(n int64) Option {
	return func(s *Server) { s.maxUpload = n }
}

// WithDefaultModel sets the model size used when a request names none.
func WithDefaultModel(size string) Option {
	return func(s *Server) { s.model = size }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// New builds the API around repo and registers routes.
func New(repo store.Repository, opts ...Option) *Server {
	s := &Server{
		repo:      repo,
		uploadDir: os.TempDir(),
		maxUpload: DefaultMaxUploadSize,
		model:     domain.DefaultModelSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "server")
	if s.fetcher == nil {
		s.fetcher = download.NewHTTPFetcher(s.uploadDir)
	}
	if s.events == nil {
		s.events = jobs.NewEventBus(0)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/health", s.health)
	e.GET("/diagnostics", s.getDiagnostics)
	e.GET("/jobs", s.listJobs)
	e.GET("/jobs/:id", s.getJob)
	e.POST("/jobs/:id/retry", s.retryJob)
	e.POST("/transcribe", s.transcribeFile, middleware.BodyLimit(bodyLimit(s.maxUpload)))
	e.POST("/transcribe/url", s.transcribeURL)
	e.GET("/events", s.listEvents)
	e.GET("/events/ws", s.streamEvents)

	s.echo = e
	return s
}

// bodyLimit leaves room for multipart framing so the per-file check
// produces the 413 message.
func bodyLimit(maxUpload int64) string {
	return fmt.Sprintf("%dK", (maxUpload+1<<20)/1024)
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("api listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve api: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// handleError renders every failure as {"detail": "..."}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	detail := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		detail = fmt.Sprint(he.Message)
	} else {
		s.log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}

	if err := c.JSON(code, errorResponse{Detail: detail}); err != nil {
		s.log.Warn("write error response", "error", err)
	}
}

func (s *Server) publish(event jobs.Event) {
	s.events.Publish(event)
}
