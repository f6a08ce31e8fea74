package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"cesar/internal/domain"
	"cesar/internal/jobs"
	"cesar/internal/orchestrator"
	"cesar/internal/store"
	"cesar/internal/telemetry"
)

var base = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type orchestrateFunc func(token string, req orchestrator.Request) (orchestrator.Result, error)

type fakeOrchestrator struct {
	token string
	fn    orchestrateFunc
}

func (f *fakeOrchestrator) Orchestrate(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	return f.fn(f.token, req)
}

// fakeFactory records every orchestrator it builds.
type fakeFactory struct {
	mu    sync.Mutex
	calls []factoryCall
	fn    orchestrateFunc
}

type factoryCall struct {
	model   string
	token   string
	audio   string
	diarize bool
	retry   bool
}

func (f *fakeFactory) build(model, token string) (Orchestrator, error) {
	return &fakeOrchestrator{token: token, fn: func(tok string, req orchestrator.Request) (orchestrator.Result, error) {
		f.mu.Lock()
		f.calls = append(f.calls, factoryCall{model: model, token: tok, audio: req.AudioPath, diarize: req.EnableDiarization, retry: req.Retry})
		f.mu.Unlock()
		if req.OnProgress != nil {
			req.OnProgress("Transcribing...", 45)
		}
		return f.fn(tok, req)
	}}, nil
}

func (f *fakeFactory) snapshot() []factoryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func plainResult(_ string, req orchestrator.Request) (orchestrator.Result, error) {
	return orchestrator.Result{Text: "text:" + req.AudioPath, Language: "en", AudioDuration: 10}, nil
}

type fakeDownloader struct {
	path string
	err  error
}

func (f fakeDownloader) Fetch(context.Context, string) (string, error) {
	return f.path, f.err
}

type panickingDownloader struct{}

func (panickingDownloader) Fetch(context.Context, string) (string, error) {
	panic("boom in downloader")
}

// terminalUpdateFailRepo rejects the first completed or partial write.
type terminalUpdateFailRepo struct {
	store.Repository
	mu     sync.Mutex
	failed bool
}

func (r *terminalUpdateFailRepo) Update(ctx context.Context, job domain.Job) error {
	r.mu.Lock()
	reject := !r.failed && (job.Status == domain.JobStatusCompleted || job.Status == domain.JobStatusPartial)
	if reject {
		r.failed = true
	}
	r.mu.Unlock()
	if reject {
		return errors.New("disk full")
	}
	return r.Repository.Update(ctx, job)
}

func openRepo(t *testing.T) *store.SQLite {
	t.Helper()
	repo, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestWorker(repo store.Repository, factory *fakeFactory, opts ...Option) *Worker {
	opts = append([]Option{
		WithPollInterval(10 * time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTokenSource(func() string { return "" }),
	}, opts...)
	return New(repo, factory.build, opts...)
}

func enqueue(t *testing.T, repo store.Repository, spec jobs.Spec, offset time.Duration) domain.Job {
	t.Helper()
	job, err := jobs.NewJob(spec, base.Add(offset))
	if err != nil {
		t.Fatalf("NewJob() error = %v", err)
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return job
}

// drain runs w until every id is terminal, then shuts it down.
func drain(t *testing.T, w *Worker, repo store.Repository, ids ...string) map[string]domain.Job {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	out := make(map[string]domain.Job)
	for {
		for _, id := range ids {
			job, err := repo.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("Get(%s) error = %v", id, err)
			}
			if job.Status.Terminal() {
				out[id] = job
			}
		}
		if len(out) == len(ids) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs did not finish: %+v", out)
		}
		time.Sleep(10 * time.Millisecond)
	}

	w.Shutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	return out
}

// TestRunProcessesFIFO verifies jobs run oldest first and complete.
func TestRunProcessesFIFO(t *testing.T) {
	repo := openRepo(t)
	factory := &fakeFactory{fn: plainResult}
	c := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/c.mp3"}, 2*time.Second)
	a := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/a.mp3"}, 0)
	b := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/b.mp3"}, time.Second)

	got := drain(t, newTestWorker(repo, factory), repo, a.ID, b.ID, c.ID)

	var order []string
	for _, call := range factory.snapshot() {
		order = append(order, call.audio)
	}
	if !slices.Equal(order, []string{"/audio/a.mp3", "/audio/b.mp3", "/audio/c.mp3"}) {
		t.Fatalf("order = %v", order)
	}
	job := got[a.ID]
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
	if domain.Deref(job.ResultText) != "text:/audio/a.mp3" || domain.Deref(job.DetectedLanguage) != "en" {
		t.Fatalf("result = %q / %q", domain.Deref(job.ResultText), domain.Deref(job.DetectedLanguage))
	}
	if job.Diarized == nil || *job.Diarized || job.SpeakerCount != nil {
		t.Fatalf("diarization fields = %v / %v", job.Diarized, job.SpeakerCount)
	}
	if job.StartedAt == nil || job.CompletedAt == nil || job.Progress != 100 {
		t.Fatalf("lifecycle fields = %+v", job)
	}
}

// TestShutdownStopsIdleWorker verifies Run returns promptly and Shutdown is idempotent.
func TestShutdownStopsIdleWorker(t *testing.T) {
	w := newTestWorker(openRepo(t), &fakeFactory{fn: plainResult})
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	w.Shutdown()
	w.Shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if w.IsProcessing() {
		t.Fatal("idle worker reports processing")
	}
}

// TestShutdownWaitsForInFlightJob verifies a running job is never abandoned.
func TestShutdownWaitsForInFlightJob(t *testing.T) {
	repo := openRepo(t)
	release := make(chan struct{})
	started := make(chan struct{})
	factory := &fakeFactory{fn: func(tok string, req orchestrator.Request) (orchestrator.Result, error) {
		close(started)
		<-release
		return plainResult(tok, req)
	}}
	job := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/long.wav"}, 0)
	w := newTestWorker(repo, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-started
	if id, ok := w.CurrentJobID(); !ok || id != job.ID {
		t.Fatalf("CurrentJobID() = %q, %v", id, ok)
	}
	w.Shutdown()
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the job finished")
	}
	got, _ := repo.Get(context.Background(), job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

// TestFailedJobDoesNotStopLoop verifies one error leaves the next job runnable.
func TestFailedJobDoesNotStopLoop(t *testing.T) {
	repo := openRepo(t)
	factory := &fakeFactory{fn: func(tok string, req orchestrator.Request) (orchestrator.Result, error) {
		if req.AudioPath == "/audio/bad.mp3" {
			return orchestrator.Result{}, domain.Errorf(domain.KindTranscription, "decoder exploded")
		}
		return plainResult(tok, req)
	}}
	bad := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/bad.mp3"}, 0)
	good := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/good.mp3"}, time.Second)

	got := drain(t, newTestWorker(repo, factory), repo, bad.ID, good.ID)

	if got[bad.ID].Status != domain.JobStatusError || domain.Deref(got[bad.ID].ErrorMessage) != "decoder exploded" {
		t.Fatalf("bad job = %s / %q", got[bad.ID].Status, domain.Deref(got[bad.ID].ErrorMessage))
	}
	if got[bad.ID].ResultText != nil {
		t.Fatal("failed job should carry no transcript")
	}
	if got[good.ID].Status != domain.JobStatusCompleted {
		t.Fatalf("good job = %s", got[good.ID].Status)
	}
}

// TestPanicBecomesJobError verifies a crashing backend fails only its job.
func TestPanicBecomesJobError(t *testing.T) {
	repo := openRepo(t)
	factory := &fakeFactory{fn: func(string, orchestrator.Request) (orchestrator.Result, error) {
		panic("native library crashed")
	}}
	job := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/x.mp3"}, 0)

	got := drain(t, newTestWorker(repo, factory), repo, job.ID)[job.ID]
	if got.Status != domain.JobStatusError {
		t.Fatalf("status = %s", got.Status)
	}
	if msg := domain.Deref(got.ErrorMessage); msg != "processing panicked: native library crashed" {
		t.Fatalf("message = %q", msg)
	}
}

// TestDownloadPanicFailsOnlyItsJob verifies a crashing downloader fails its job and the loop continues.
func TestDownloadPanicFailsOnlyItsJob(t *testing.T) {
	repo := openRepo(t)
	factory := &fakeFactory{fn: plainResult}
	remote := enqueue(t, repo, jobs.Spec{AudioPath: "https://youtu.be/dQw4w9WgXcQ", Download: true}, 0)
	local := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/next.mp3"}, time.Second)

	w := newTestWorker(repo, factory, WithDownloader(panickingDownloader{}))
	got := drain(t, w, repo, remote.ID, local.ID)

	if got[remote.ID].Status != domain.JobStatusError {
		t.Fatalf("remote job status = %s", got[remote.ID].Status)
	}
	if msg := domain.Deref(got[remote.ID].ErrorMessage); msg != "processing panicked: boom in downloader" {
		t.Fatalf("message = %q", msg)
	}
	if got[local.ID].Status != domain.JobStatusCompleted {
		t.Fatalf("next job status = %s", got[local.ID].Status)
	}
	if w.IsProcessing() {
		t.Fatal("worker still reports a job in flight")
	}
}

// TestFinalUpdateFailureMarksError verifies a rejected terminal write still fails the stored job.
func TestFinalUpdateFailureMarksError(t *testing.T) {
	repo := &terminalUpdateFailRepo{Repository: openRepo(t)}
	factory := &fakeFactory{fn: plainResult}
	job := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/a.mp3"}, 0)

	got := drain(t, newTestWorker(repo, factory), repo, job.ID)[job.ID]

	if got.Status != domain.JobStatusError || domain.Deref(got.ErrorMessage) != "disk full" {
		t.Fatalf("status = %s message = %q", got.Status, domain.Deref(got.ErrorMessage))
	}
	if got.ResultText != nil || got.CompletedAt == nil {
		t.Fatalf("job = %+v", got)
	}
}

// TestMissingTokenYieldsPartial verifies diarization without a credential.
func TestMissingTokenYieldsPartial(t *testing.T) {
	repo := openRepo(t)
	factory := &fakeFactory{fn: plainResult}
	job := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/talk.mp3", Diarize: true}, 0)

	got := drain(t, newTestWorker(repo, factory), repo, job.ID)[job.ID]

	if got.Status != domain.JobStatusPartial {
		t.Fatalf("status = %s, want partial", got.Status)
	}
	if domain.Deref(got.DiarizationErrorCode) != domain.DiarizationCodeTokenRequired {
		t.Fatalf("code = %q", domain.Deref(got.DiarizationErrorCode))
	}
	if domain.Deref(got.ResultText) != "text:/audio/talk.mp3" {
		t.Fatalf("text = %q", domain.Deref(got.ResultText))
	}
	calls := factory.snapshot()
	if len(calls) != 1 || calls[0].token != "" || calls[0].diarize {
		t.Fatalf("calls = %+v", calls)
	}
}

// TestRejectedTokenFallsBackToPlain verifies auth failures degrade to partial.
func TestRejectedTokenFallsBackToPlain(t *testing.T) {
	repo := openRepo(t)
	factory := &fakeFactory{fn: func(tok string, req orchestrator.Request) (orchestrator.Result, error) {
		if req.EnableDiarization {
			return orchestrator.Result{}, domain.Errorf(domain.KindAuth, "HuggingFace authentication failed")
		}
		return plainResult(tok, req)
	}}
	job := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/talk.mp3", Diarize: true}, 0)

	w := newTestWorker(repo, factory, WithTokenSource(func() string { return "hf_bad" }))
	got := drain(t, w, repo, job.ID)[job.ID]

	if got.Status != domain.JobStatusPartial || domain.Deref(got.DiarizationErrorCode) != domain.DiarizationCodeTokenInvalid {
		t.Fatalf("status = %s code = %q", got.Status, domain.Deref(got.DiarizationErrorCode))
	}
	if domain.Deref(got.DiarizationError) != "HuggingFace authentication failed" {
		t.Fatalf("message = %q", domain.Deref(got.DiarizationError))
	}
	calls := factory.snapshot()
	if len(calls) != 2 || calls[0].token != "hf_bad" || calls[1].token != "" {
		t.Fatalf("calls = %+v", calls)
	}
}

// TestDiarizationErrorFallsBackToPlain verifies pipeline failures degrade to partial.
func TestDiarizationErrorFallsBackToPlain(t *testing.T) {
	repo := openRepo(t)
	factory := &fakeFactory{fn: func(tok string, req orchestrator.Request) (orchestrator.Result, error) {
		if req.EnableDiarization {
			return orchestrator.Result{}, domain.Errorf(domain.KindDiarization, "pipeline failed: CUDA out of memory")
		}
		return plainResult(tok, req)
	}}
	job := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/talk.mp3", Diarize: true}, 0)

	w := newTestWorker(repo, factory, WithTokenSource(func() string { return "hf_ok" }))
	got := drain(t, w, repo, job.ID)[job.ID]

	if got.Status != domain.JobStatusPartial || domain.Deref(got.DiarizationErrorCode) != domain.DiarizationCodeFailed {
		t.Fatalf("status = %s code = %q", got.Status, domain.Deref(got.DiarizationErrorCode))
	}
	if got.Diarized == nil || *got.Diarized {
		t.Fatal("partial job should report diarized=false")
	}
}

// TestOrchestratorFallbackYieldsPartial verifies an in-orchestrator fallback is partial.
func TestOrchestratorFallbackYieldsPartial(t *testing.T) {
	repo := openRepo(t)
	factory := &fakeFactory{fn: func(tok string, req orchestrator.Request) (orchestrator.Result, error) {
		res, _ := plainResult(tok, req)
		res.DiarizationError = "speaker model failed"
		return res, nil
	}}
	job := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/talk.mp3", Diarize: true}, 0)

	w := newTestWorker(repo, factory, WithTokenSource(func() string { return "hf_ok" }))
	got := drain(t, w, repo, job.ID)[job.ID]

	if got.Status != domain.JobStatusPartial || domain.Deref(got.DiarizationError) != "speaker model failed" {
		t.Fatalf("status = %s error = %q", got.Status, domain.Deref(got.DiarizationError))
	}
	if len(factory.snapshot()) != 1 {
		t.Fatal("orchestrator fallback should not trigger a second run")
	}
}

// TestRetryCompletesDiarization verifies a retried partial job finishes labeled.
func TestRetryCompletesDiarization(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	job := enqueue(t, repo, jobs.Spec{AudioPath: "/audio/talk.mp3", Diarize: true}, 0)
	job.Status = domain.JobStatusPartial
	job.StartedAt = &base
	job.CompletedAt = &base
	job.ResultText = domain.Ptr("old transcript")
	job.DiarizationErrorCode = domain.Ptr(domain.DiarizationCodeTokenRequired)
	job.DiarizationError = domain.Ptr(tokenRequiredMessage)
	if err := repo.Update(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.RetryPartial(ctx, job.ID); err != nil {
		t.Fatalf("RetryPartial() error = %v", err)
	}

	factory := &fakeFactory{fn: func(_ string, req orchestrator.Request) (orchestrator.Result, error) {
		return orchestrator.Result{Text: "labeled", SpeakersDetected: 2, DiarizationSucceeded: true, AudioDuration: 30}, nil
	}}
	rec := telemetry.NewRecorder(slog.New(slog.NewTextHandler(io.Discard, nil)))
	w := newTestWorker(repo, factory,
		WithTokenSource(func() string { return "hf_ok" }),
		WithTelemetry(rec),
	)
	got := drain(t, w, repo, job.ID)[job.ID]

	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Diarized == nil || !*got.Diarized || domain.Deref(got.SpeakerCount) != 2 {
		t.Fatalf("diarized = %v speakers = %v", got.Diarized, got.SpeakerCount)
	}
	if got.DiarizationError != nil || got.DiarizationErrorCode != nil || got.RetryRequested {
		t.Fatalf("retry markers left: %+v", got)
	}
	if calls := factory.snapshot(); len(calls) != 1 || !calls[0].retry || !calls[0].diarize {
		t.Fatalf("calls = %+v", calls)
	}
	if snap := rec.Snapshot(); snap.CompletedJobs != 1 || snap.AudioSeconds != 30 {
		t.Fatalf("telemetry = %+v", snap)
	}
}

// TestDownloadFailureIsError verifies download errors never produce partial jobs.
func TestDownloadFailureIsError(t *testing.T) {
	repo := openRepo(t)
	factory := &fakeFactory{fn: plainResult}
	job := enqueue(t, repo, jobs.Spec{AudioPath: "https://youtu.be/dQw4w9WgXcQ", Diarize: true, Download: true}, 0)

	w := newTestWorker(repo, factory, WithDownloader(fakeDownloader{
		err: domain.Errorf(domain.KindAgeRestricted, "Age-restricted video"),
	}))
	got := drain(t, w, repo, job.ID)[job.ID]

	if got.Status != domain.JobStatusError || domain.Deref(got.ErrorMessage) != "Age-restricted video" {
		t.Fatalf("status = %s message = %q", got.Status, domain.Deref(got.ErrorMessage))
	}
	if len(factory.snapshot()) != 0 {
		t.Fatal("transcription should not run after a failed download")
	}
}

// TestDownloadReplacesAudioPath verifies the fetched file is transcribed.
func TestDownloadReplacesAudioPath(t *testing.T) {
	repo := openRepo(t)
	factory := &fakeFactory{fn: plainResult}
	job := enqueue(t, repo, jobs.Spec{AudioPath: "https://youtu.be/dQw4w9WgXcQ", Download: true}, 0)

	events := jobs.NewEventBus(50)
	w := newTestWorker(repo, factory,
		WithDownloader(fakeDownloader{path: "/tmp/cesar-youtube/x.m4a"}),
		WithEvents(events),
	)
	got := drain(t, w, repo, job.ID)[job.ID]

	if got.Status != domain.JobStatusCompleted || got.AudioPath != "/tmp/cesar-youtube/x.m4a" {
		t.Fatalf("status = %s path = %q", got.Status, got.AudioPath)
	}
	if domain.Deref(got.DownloadProgress) != 100 {
		t.Fatalf("download progress = %v", got.DownloadProgress)
	}
	var types []jobs.EventType
	for _, e := range events.Since(0) {
		types = append(types, e.Type)
	}
	if !slices.Contains(types, jobs.EventTypeProgress) || types[len(types)-1] != jobs.EventTypeResult {
		t.Fatalf("event types = %v", types)
	}
}

// TestTokenResolverOrder verifies config, env, then cache file precedence.
func TestTokenResolverOrder(t *testing.T) {
	r := TokenResolver{
		Configured: "",
		Getenv:     func(string) string { return "" },
		HomeDir:    func() (string, error) { return "/home/u", nil },
		ReadFile: func(name string) ([]byte, error) {
			if name == filepath.Join("/home/u", ".cache", "huggingface", "token") {
				return []byte("hf_cached\n"), nil
			}
			return nil, errors.New("missing")
		},
	}
	if got := r.Resolve(); got != "hf_cached" {
		t.Fatalf("cache token = %q", got)
	}
	r.Getenv = func(string) string { return "hf_env" }
	if got := r.Resolve(); got != "hf_env" {
		t.Fatalf("env token = %q", got)
	}
	r.Configured = "hf_config"
	if got := r.Resolve(); got != "hf_config" {
		t.Fatalf("config token = %q", got)
	}
}

// TestStagePercent maps overall progress onto stage progress.
func TestStagePercent(t *testing.T) {
	cases := map[float64]int{0: 0, 45: 50, 90: 0, 95: 50, 100: 100}
	for in, want := range cases {
		if got := stagePercent(in); got != want {
			t.Fatalf("stagePercent(%v) = %d, want %d", in, got, want)
		}
	}
}
