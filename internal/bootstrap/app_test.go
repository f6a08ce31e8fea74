package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"cesar/internal/config"
	"cesar/internal/domain"
	"cesar/internal/jobs"
	"cesar/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a validated config rooted in a temp dir.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PollInterval = 10 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

// TestNewRecoversInterruptedJobs checks crash recovery runs at startup.
func TestNewRecoversInterruptedJobs(t *testing.T) {
	cfg := testConfig(t)

	repo, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	job, err := jobs.NewJob(jobs.Spec{AudioPath: "/tmp/a.mp3"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	job.Status = domain.JobStatusProcessing
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	_ = repo.Close()

	app, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer app.Close()

	got, err := app.Repo.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.JobStatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	if len(app.Diagnostics().Items) == 0 {
		t.Fatal("expected startup diagnostics")
	}
}

// TestNewServesAPI checks the wired server reaches the repository.
func TestNewServesAPI(t *testing.T) {
	app, err := New(context.Background(), testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer app.Close()

	for _, path := range []string{"/health", "/jobs", "/diagnostics"} {
		rec := httptest.NewRecorder()
		app.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d: %s", path, rec.Code, rec.Body.String())
		}
	}
}

// TestRunStopsOnContextCancel checks graceful shutdown of worker and API.
func TestRunStopsOnContextCancel(t *testing.T) {
	app, err := New(context.Background(), testConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if app.Worker.Running() {
		t.Fatal("worker still running")
	}
}

// TestNewOrchestratorBackends checks backend selection per config.
func TestNewOrchestratorBackends(t *testing.T) {
	cfg := testConfig(t)

	orch, err := NewOrchestrator(cfg, "small", "hf_token", discardLogger())
	if err != nil {
		t.Fatalf("whisperx: %v", err)
	}
	if !orch.HasPipeline() || !orch.HasTranscriber() {
		t.Fatal("whisperx with token should have pipeline and fallback transcriber")
	}

	orch, _ = NewOrchestrator(cfg, "small", "", discardLogger())
	if orch.HasPipeline() || !orch.HasTranscriber() {
		t.Fatal("whisperx without token should be plain only")
	}

	cfg.Backend = config.BackendOpenAI
	orch, _ = NewOrchestrator(cfg, "", "hf_token", discardLogger())
	if orch.HasPipeline() || !orch.HasTranscriber() {
		t.Fatal("openai backend should be plain only")
	}

	cfg.Backend = "cloud"
	if _, err := NewOrchestrator(cfg, "", "", discardLogger()); domain.KindOf(err) != domain.KindConfig {
		t.Fatalf("unknown backend err = %v", err)
	}
}

// TestDBPathDefaultsUnderDataDir checks the store lands in the data dir.
func TestDBPathDefaultsUnderDataDir(t *testing.T) {
	cfg := testConfig(t)
	if filepath.Dir(cfg.DBPath) != cfg.DataDir {
		t.Fatalf("db path = %s", cfg.DBPath)
	}
}
