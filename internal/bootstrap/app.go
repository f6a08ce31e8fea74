// Package bootstrap wires configuration, storage, the worker and the HTTP
// API into a runnable service.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"cesar/internal/config"
	"cesar/internal/diagnostics"
	"cesar/internal/domain"
	"cesar/internal/download"
	"cesar/internal/jobs"
	"cesar/internal/server"
	"cesar/internal/store"
	"cesar/internal/telemetry"
	"cesar/internal/worker"
)

// ShutdownTimeout bounds how long in-flight HTTP requests may finish.
const ShutdownTimeout = 30 * time.Second

// App wires configuration, persistence, the background worker and the API.
type App struct {
	Config    config.Config
	Repo      *store.SQLite
	Events    *jobs.EventBus
	Telemetry *telemetry.Recorder
	Worker    *worker.Worker
	Server    *server.Server

	checker *diagnostics.Checker
	token   worker.TokenResolver
	log     *slog.Logger

	mu          sync.Mutex
	diagnostics domain.DiagnosticReport
}

// New prepares the service: directories, database, crash recovery, stale
// download cleanup and startup diagnostics.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "bootstrap")

	if home, err := os.UserHomeDir(); err == nil {
		if err := ensureUserBinOnPATH(home); err != nil {
			log.Warn("could not add user bin directory to PATH", "error", err)
		}
	}

	for _, dir := range []string{cfg.DataDir, cfg.UploadDir(), cfg.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	repo, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	log.Info("job database opened", "path", cfg.DBPath)

	recovered, err := repo.RecoverInterrupted(ctx)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	if recovered > 0 {
		log.Info("re-queued interrupted jobs", "count", recovered)
	}

	if removed, err := download.CleanupStale(download.DefaultVideoDir); err != nil {
		log.Warn("could not clean stale downloads", "dir", download.DefaultVideoDir, "error", err)
	} else if removed > 0 {
		log.Info("removed stale downloads", "count", removed)
	}

	a := &App{
		Config:    cfg,
		Repo:      repo,
		Events:    jobs.NewEventBus(1000),
		Telemetry: telemetry.NewRecorder(logger),
		checker:   diagnostics.NewChecker(),
		token:     worker.NewTokenResolver(cfg.HFToken),
		log:       log,
	}
	logDiagnostics(log, a.RefreshDiagnostics())

	videos := download.NewYtDlp(
		download.WithBinary(cfg.YtDlpPath),
		download.WithFFmpeg(cfg.FFmpegPath, cfg.FFprobePath),
		download.WithLogger(logger),
	)
	a.Worker = worker.New(repo, NewFactory(cfg, logger),
		worker.WithDownloader(videos),
		worker.WithTokenSource(a.token.Resolve),
		worker.WithEvents(a.Events),
		worker.WithTelemetry(a.Telemetry),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithOutputDir(cfg.OutputDir()),
		worker.WithLogger(logger),
	)
	a.Server = server.New(repo,
		server.WithFetcher(download.NewHTTPFetcher(cfg.UploadDir())),
		server.WithEvents(a.Events),
		server.WithWorker(a.Worker),
		server.WithTelemetry(a.Telemetry),
		server.WithDiagnostics(a.RefreshDiagnostics),
		server.WithUploadDir(cfg.UploadDir()),
		server.WithDefaultModel(cfg.ModelSize),
		server.WithLogger(logger),
	)
	return a, nil
}

// Diagnostics returns the latest cached report.
func (a *App) Diagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.diagnostics
}

// RefreshDiagnostics reruns dependency checks and caches the report.
func (a *App) RefreshDiagnostics() domain.DiagnosticReport {
	report := a.checker.Run(a.Config, a.token.Resolve())
	a.mu.Lock()
	a.diagnostics = report
	a.mu.Unlock()
	return report
}

// Run serves the API and drains the queue until ctx is cancelled. The
// in-flight job always finishes before Run returns.
func (a *App) Run(ctx context.Context) error {
	workerDone := make(chan error, 1)
	go func() { workerDone <- a.Worker.Run(ctx) }()

	serverDone := make(chan error, 1)
	go func() { serverDone <- a.Server.Start(a.Config.ListenAddr) }()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case runErr = <-serverDone:
		if runErr != nil {
			a.log.Error("api server stopped", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("api shutdown incomplete", "error", err)
	}

	a.Worker.Shutdown()
	if err := <-workerDone; err != nil && runErr == nil {
		runErr = err
	}
	a.log.Info("server shutdown complete")
	return runErr
}

// Close releases the database.
func (a *App) Close() error {
	return a.Repo.Close()
}
