package telemetry

import (
	"log/slog"
	"sync/atomic"
	"time"

	"cesar/internal/domain"
)

// Recorder tracks worker-level job counters exposed by the health endpoint.
type Recorder struct {
	log *slog.Logger

	totalJobs       atomic.Uint64
	activeJobs      atomic.Int64
	completedJobs   atomic.Uint64
	partialJobs     atomic.Uint64
	failedJobs      atomic.Uint64
	downloads       atomic.Uint64
	failedDownloads atomic.Uint64
	audioMillis     atomic.Uint64
	processMillis   atomic.Uint64
}

// Snapshot captures cumulative metrics recorded so far.
type Snapshot struct {
	TotalJobs       uint64  `json:"total_jobs"`
	ActiveJobs      int64   `json:"active_jobs"`
	CompletedJobs   uint64  `json:"completed_jobs"`
	PartialJobs     uint64  `json:"partial_jobs"`
	FailedJobs      uint64  `json:"failed_jobs"`
	Downloads       uint64  `json:"downloads"`
	FailedDownloads uint64  `json:"failed_downloads"`
	AudioSeconds    float64 `json:"audio_seconds"`
	ProcessSeconds  float64 `json:"process_seconds"`
}

// NewRecorder constructs a Recorder using the provided logger.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		log: logger.With("component", "telemetry.Recorder"),
	}
}

// Snapshot returns an immutable view of the recorder totals.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		TotalJobs:       r.totalJobs.Load(),
		ActiveJobs:      r.activeJobs.Load(),
		CompletedJobs:   r.completedJobs.Load(),
		PartialJobs:     r.partialJobs.Load(),
		FailedJobs:      r.failedJobs.Load(),
		Downloads:       r.downloads.Load(),
		FailedDownloads: r.failedDownloads.Load(),
		AudioSeconds:    float64(r.audioMillis.Load()) / 1000,
		ProcessSeconds:  float64(r.processMillis.Load()) / 1000,
	}
}

// RecordDownload counts one download attempt.
func (r *Recorder) RecordDownload(err error) {
	if r == nil {
		return
	}
	r.downloads.Add(1)
	if err != nil {
		r.failedDownloads.Add(1)
	}
}

// JobMetrics accumulates statistics for a single job run.
type JobMetrics struct {
	recorder *Recorder
	log      *slog.Logger

	started time.Time
	now     func() time.Time
	closed  atomic.Bool
}

// StartJob marks a job as in flight.
func (r *Recorder) StartJob(jobID string, modelSize string, diarize bool) *JobMetrics {
	if r == nil {
		return nil
	}
	r.totalJobs.Add(1)
	r.activeJobs.Add(1)

	return &JobMetrics{
		recorder: r,
		log: r.log.With(
			"job_id", jobID,
			"model", modelSize,
			"diarize", diarize,
		),
		started: time.Now(),
		now:     time.Now,
	}
}

// Finish logs a summary and updates terminal counters. Only the first call
// has any effect.
func (j *JobMetrics) Finish(status domain.JobStatus, audioSeconds float64, err error) {
	if j == nil {
		return
	}
	if !j.closed.CompareAndSwap(false, true) {
		return
	}
	defer j.recorder.activeJobs.Add(-1)

	elapsed := j.now().Sub(j.started)
	j.recorder.processMillis.Add(uint64(max(elapsed.Milliseconds(), 0)))
	if audioSeconds > 0 {
		j.recorder.audioMillis.Add(uint64(audioSeconds * 1000))
	}

	switch status {
	case domain.JobStatusCompleted:
		j.recorder.completedJobs.Add(1)
	case domain.JobStatusPartial:
		j.recorder.partialJobs.Add(1)
	default:
		j.recorder.failedJobs.Add(1)
	}

	args := []any{
		"status", status,
		"duration_ms", elapsed.Milliseconds(),
		"audio_seconds", audioSeconds,
	}
	if err != nil {
		j.log.Error("job finished with error", append(args, "error", err)...)
		return
	}
	j.log.Info("job finished", args...)
}
