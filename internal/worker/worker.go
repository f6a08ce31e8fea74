// Package worker drains the job queue one job at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"cesar/internal/domain"
	"cesar/internal/download"
	"cesar/internal/jobs"
	"cesar/internal/orchestrator"
	"cesar/internal/store"
	"cesar/internal/telemetry"
)

// DefaultPollInterval is how long an idle worker waits before polling again.
const DefaultPollInterval = time.Second

const tokenRequiredMessage = "HuggingFace token required for speaker diarization. " +
	"Set hf_token in config or HF_TOKEN environment variable."

// Orchestrator is the part of orchestrator.Orchestrator the worker drives.
type Orchestrator interface {
	Orchestrate(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// Factory builds the orchestrator for one run. An empty token asks for a
// plain transcription orchestrator.
type Factory func(modelSize, token string) (Orchestrator, error)

// Worker is the single background job processor.
type Worker struct {
	repo       store.Repository
	factory    Factory
	downloader download.Downloader
	token      func() string
	events     *jobs.EventBus
	telemetry  *telemetry.Recorder
	now        func() time.Time
	poll       time.Duration
	outputDir  string
	log        *slog.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
	running      atomic.Bool

	mu      sync.RWMutex
	current string
}

// Option configures a Worker.
type Option func(*Worker)

// WithDownloader sets the downloader used for jobs in downloading status.
func WithDownloader(d download.Downloader) Option {
	return func(w *Worker) { w.downloader = d }
}

// WithTokenSource sets the diarization credential lookup.
func WithTokenSource(fn func() string) Option {
	return func(w *Worker) { w.token = fn }
}

// WithEvents publishes job events to bus.
func WithEvents(bus *jobs.EventBus) Option {
	return func(w *Worker) { w.events = bus }
}

// WithTelemetry records job counters.
func WithTelemetry(r *telemetry.Recorder) Option {
	return func(w *Worker) { w.telemetry = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithPollInterval sets the idle wait between polls.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.poll = d }
}

// WithOutputDir sets where transient transcript files are written.
func WithOutputDir(dir string) Option {
	return func(w *Worker) { w.outputDir = dir }
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.log = logger }
}

// New builds a worker reading jobs from repo.
func New(repo store.Repository, factory Factory, opts ...Option) *Worker {
	w := &Worker{
		repo:      repo,
		factory:   factory,
		token:     NewTokenResolver("").Resolve,
		now:       time.Now,
		poll:      DefaultPollInterval,
		outputDir: os.TempDir(),
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	w.log = w.log.With("component", "worker")
	return w
}

// Shutdown asks Run to return after the in-flight job. Safe to call more than once.
func (w *Worker) Shutdown() {
	w.shutdownOnce.Do(func() {
		w.log.Info("shutdown requested")
		close(w.shutdown)
	})
}

// Running reports whether Run is looping.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// IsProcessing reports whether a job is in flight.
func (w *Worker) IsProcessing() bool {
	_, ok := w.CurrentJobID()
	return ok
}

// CurrentJobID returns the in-flight job id.
func (w *Worker) CurrentJobID() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, w.current != ""
}

func (w *Worker) setCurrent(id string) {
	w.mu.Lock()
	w.current = id
	w.mu.Unlock()
}

// Run polls for eligible jobs in FIFO order until Shutdown is called or ctx
// is done. A job that has started always runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("background worker starting", "poll_interval", w.poll)
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.log.Info("background worker stopped")
	}()

	for {
		if w.stopping(ctx) {
			return nil
		}
		job, err := w.repo.NextEligible(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("poll for next job failed", "error", err)
		}
		if job == nil {
			if !w.wait(ctx) {
				return nil
			}
			continue
		}
		w.process(context.WithoutCancel(ctx), *job)
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.shutdown:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// wait blocks for one poll interval and reports whether to keep running.
func (w *Worker) wait(ctx context.Context) bool {
	timer := time.NewTimer(w.poll)
	defer timer.Stop()
	select {
	case <-w.shutdown:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// outcome is what a finished transcription contributes to the job row.
type outcome struct {
	text     string
	language string
	duration float64
	diarized bool
	speakers int
	// code and message are set when diarization was requested but not delivered.
	code    string
	message string
}

func (w *Worker) process(ctx context.Context, job domain.Job) {
	w.setCurrent(job.ID)
	defer w.setCurrent("")

	logger := w.log.With("job_id", job.ID)
	logger.Info("processing job", "audio", job.AudioPath, "status", job.Status)
	metrics := w.telemetry.StartJob(job.ID, job.ModelSize, job.Diarize)

	out, err := w.guarded(func() (outcome, error) {
		return w.processJob(ctx, &job, logger)
	})
	if err != nil {
		logger.Error("job failed", "error", err)
		w.fail(ctx, &job, err, logger)
		metrics.Finish(domain.JobStatusError, 0, err)
		return
	}
	metrics.Finish(job.Status, out.duration, nil)
	logger.Info("job finished", "status", job.Status)
}

func (w *Worker) processJob(ctx context.Context, job *domain.Job, logger *slog.Logger) (outcome, error) {
	retry := jobs.IsRetry(*job)

	if job.Status == domain.JobStatusDownloading {
		if err := w.download(ctx, job); err != nil {
			return outcome{}, err
		}
	} else {
		if err := jobs.Transition(job, domain.JobStatusProcessing, w.now()); err != nil {
			return outcome{}, err
		}
		w.setProgress(job, "transcribing", 0, 0)
		if err := w.repo.Update(ctx, *job); err != nil {
			return outcome{}, err
		}
		w.publish(jobs.Event{JobID: job.ID, Type: jobs.EventTypeStatus, Status: job.Status})
	}

	out, err := w.transcribe(ctx, *job, retry)
	if err != nil {
		return outcome{}, err
	}

	status := domain.JobStatusCompleted
	job.ResultText = lo.ToPtr(out.text)
	job.DetectedLanguage = lo.ToPtr(lo.CoalesceOrEmpty(out.language, "unknown"))
	job.ErrorMessage = nil
	job.RetryRequested = false
	switch {
	case out.code != "":
		status = domain.JobStatusPartial
		job.DiarizationErrorCode = lo.ToPtr(out.code)
		job.DiarizationError = lo.ToPtr(out.message)
		job.Diarized = lo.ToPtr(false)
		job.SpeakerCount = nil
	case out.diarized:
		job.DiarizationErrorCode = nil
		job.DiarizationError = nil
		job.Diarized = lo.ToPtr(true)
		job.SpeakerCount = lo.ToPtr(out.speakers)
	default:
		job.DiarizationErrorCode = nil
		job.DiarizationError = nil
		job.Diarized = lo.ToPtr(false)
		job.SpeakerCount = nil
	}
	if err := jobs.Transition(job, status, w.now()); err != nil {
		return outcome{}, err
	}
	w.setProgress(job, "formatting", 100, 100)
	if err := w.repo.Update(ctx, *job); err != nil {
		return outcome{}, err
	}
	if out.code != "" {
		logger.Warn("diarization unavailable, stored plain transcript", "code", out.code, "reason", out.message)
	}
	w.publish(jobs.Event{JobID: job.ID, Type: jobs.EventTypeResult, Status: job.Status, Progress: 100})
	return out, nil
}

// download fetches the remote source and moves the job to processing.
func (w *Worker) download(ctx context.Context, job *domain.Job) error {
	now := w.now().UTC()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.DownloadProgress = lo.ToPtr(0)
	w.setProgress(job, "downloading", 0, 0)
	if err := w.repo.Update(ctx, *job); err != nil {
		return err
	}
	w.publish(jobs.Event{JobID: job.ID, Type: jobs.EventTypeStatus, Status: job.Status, Phase: "downloading"})

	if w.downloader == nil {
		return domain.Errorf(domain.KindConfig, "no downloader configured")
	}
	path, err := w.downloader.Fetch(ctx, job.AudioPath)
	w.telemetry.RecordDownload(err)
	if err != nil {
		return err
	}

	job.AudioPath = path
	job.DownloadProgress = lo.ToPtr(100)
	if err := jobs.Transition(job, domain.JobStatusProcessing, w.now()); err != nil {
		return err
	}
	w.setProgress(job, "transcribing", 0, 0)
	if err := w.repo.Update(ctx, *job); err != nil {
		return err
	}
	w.publish(jobs.Event{JobID: job.ID, Type: jobs.EventTypeStatus, Status: job.Status})
	return nil
}

// guarded runs fn off the loop goroutine, covering the download step and
// orchestration, and turns a panic into an error.
func (w *Worker) guarded(fn func() (outcome, error)) (out outcome, err error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("processing panicked: %v", r)
			}
		}()
		out, err = fn()
	}()
	<-done
	return out, err
}

// transcribe applies the diarization degradation policy: a missing or
// rejected credential and diarization failures all end in a plain
// transcript plus an error code.
func (w *Worker) transcribe(ctx context.Context, job domain.Job, retry bool) (outcome, error) {
	if !job.Diarize {
		return w.plain(ctx, job, retry)
	}

	token := w.token()
	if token == "" {
		out, err := w.plain(ctx, job, retry)
		out.code, out.message = domain.DiarizationCodeTokenRequired, tokenRequiredMessage
		return out, err
	}

	orch, err := w.factory(job.ModelSize, token)
	if err != nil {
		return outcome{}, err
	}
	res, err := orch.Orchestrate(ctx, w.request(job, true, retry))
	switch domain.KindOf(err) {
	case domain.KindAuth:
		w.log.Warn("huggingface authentication failed", "job_id", job.ID, "error", err)
		out, perr := w.plain(ctx, job, retry)
		out.code, out.message = domain.DiarizationCodeTokenInvalid, err.Error()
		return out, perr
	case domain.KindDiarization:
		w.log.Warn("diarization failed", "job_id", job.ID, "error", err)
		out, perr := w.plain(ctx, job, retry)
		out.code, out.message = domain.DiarizationCodeFailed, err.Error()
		return out, perr
	}
	if err != nil {
		return outcome{}, err
	}
	w.cleanup(res.OutputPath)

	out := fromResult(res)
	if res.DiarizationSucceeded {
		out.diarized = true
		out.speakers = res.SpeakersDetected
	} else {
		out.code = domain.DiarizationCodeFailed
		out.message = lo.CoalesceOrEmpty(res.DiarizationError, "Diarization failed during processing")
	}
	return out, nil
}

func (w *Worker) plain(ctx context.Context, job domain.Job, retry bool) (outcome, error) {
	orch, err := w.factory(job.ModelSize, "")
	if err != nil {
		return outcome{}, err
	}
	res, err := orch.Orchestrate(ctx, w.request(job, false, retry))
	if err != nil {
		return outcome{}, err
	}
	w.cleanup(res.OutputPath)
	return fromResult(res), nil
}

func fromResult(res orchestrator.Result) outcome {
	return outcome{text: res.Text, language: res.Language, duration: res.AudioDuration}
}

func (w *Worker) request(job domain.Job, diarize, retry bool) orchestrator.Request {
	return orchestrator.Request{
		AudioPath:         job.AudioPath,
		OutputPath:        filepath.Join(w.outputDir, "cesar-"+job.ID+".txt"),
		EnableDiarization: diarize,
		MinSpeakers:       job.MinSpeakers,
		MaxSpeakers:       job.MaxSpeakers,
		Retry:             retry,
		OnProgress:        w.progressFunc(job.ID),
	}
}

func (w *Worker) cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Debug("could not remove transient transcript", "path", path, "error", err)
	}
}

// progressFunc persists orchestrator progress. Overall 0-90 is inference and
// 90-100 is formatting; the phase percentage is relative to that stage.
func (w *Worker) progressFunc(jobID string) func(phase string, pct float64) {
	var last store.Progress
	return func(phase string, pct float64) {
		p := store.Progress{Overall: int(pct), Phase: phase, PhasePct: stagePercent(pct)}
		if p == last {
			return
		}
		last = p
		if err := w.repo.UpdateProgress(context.Background(), jobID, p); err != nil {
			w.log.Warn("could not persist progress", "job_id", jobID, "error", err)
		}
		w.publish(jobs.Event{JobID: jobID, Type: jobs.EventTypeProgress, Phase: phase, Progress: p.Overall})
	}
}

func stagePercent(overall float64) int {
	if overall < 90 {
		return int(overall / 90 * 100)
	}
	return int((overall - 90) * 10)
}

// fail records err on the job. A failed job carries no transcript.
func (w *Worker) fail(ctx context.Context, job *domain.Job, cause error, logger *slog.Logger) {
	if job.Status == domain.JobStatusCompleted || job.Status == domain.JobStatusPartial {
		// The terminal row was never persisted; the stored row is still processing.
		job.Status = domain.JobStatusProcessing
		job.CompletedAt = nil
	}
	if err := jobs.Fail(job, cause.Error(), w.now()); err != nil {
		logger.Error("could not mark job failed", "error", err)
		return
	}
	job.ResultText = nil
	job.DiarizationError = nil
	job.DiarizationErrorCode = nil
	job.Diarized = nil
	job.SpeakerCount = nil
	job.RetryRequested = false
	if err := w.repo.Update(ctx, *job); err != nil {
		logger.Error("could not persist failed job", "error", err)
	}
	w.publish(jobs.Event{JobID: job.ID, Type: jobs.EventTypeError, Status: job.Status, Message: cause.Error()})
}

func (w *Worker) setProgress(job *domain.Job, phase string, overall, phasePct int) {
	job.Progress = overall
	job.ProgressPhase = phase
	job.ProgressPhasePct = phasePct
}

func (w *Worker) publish(event jobs.Event) {
	if w.events != nil {
		w.events.Publish(event)
	}
}
