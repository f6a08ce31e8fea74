// Package jobs implements the transcription job state machine and the
// in-memory event stream published while jobs run.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cesar/internal/domain"
)

var (
	// ErrInvalidTransition is returned for edges the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrNotRetryable is returned when retry is requested for a non-partial job.
	ErrNotRetryable = errors.New("only partial jobs can be retried")
	// ErrInvalidJob is returned when job input fails validation.
	ErrInvalidJob = errors.New("invalid job")
)

// Spec is the caller-supplied input for a new job.
type Spec struct {
	AudioPath   string
	ModelSize   string
	Diarize     bool
	MinSpeakers *int
	MaxSpeakers *int
	// Download marks AudioPath as a remote video URL to fetch first.
	Download bool
}

// NewJob validates spec and returns a fresh job in queued, or downloading
// when the source must be fetched. Only a queued job has no StartedAt.
func NewJob(spec Spec, now time.Time) (domain.Job, error) {
	if strings.TrimSpace(spec.AudioPath) == "" {
		return domain.Job{}, fmt.Errorf("%w: audio path is required", ErrInvalidJob)
	}
	model := spec.ModelSize
	if model == "" {
		model = domain.DefaultModelSize
	}
	if !domain.ValidModelSize(model) {
		return domain.Job{}, fmt.Errorf("%w: unknown model size %q", ErrInvalidJob, model)
	}
	if err := ValidateSpeakers(spec.MinSpeakers, spec.MaxSpeakers); err != nil {
		return domain.Job{}, err
	}

	now = now.UTC()
	status := domain.JobStatusQueued
	var download *int
	var started *time.Time
	if spec.Download {
		status = domain.JobStatusDownloading
		download = domain.Ptr(0)
		started = &now
	}

	return domain.Job{
		ID:               uuid.NewString(),
		Status:           status,
		AudioPath:        spec.AudioPath,
		ModelSize:        model,
		Diarize:          spec.Diarize,
		MinSpeakers:      spec.MinSpeakers,
		MaxSpeakers:      spec.MaxSpeakers,
		CreatedAt:        now,
		StartedAt:        started,
		DownloadProgress: download,
	}, nil
}

// ValidateSpeakers checks optional speaker bounds.
func ValidateSpeakers(minSpeakers, maxSpeakers *int) error {
	if minSpeakers != nil && *minSpeakers < 1 {
		return fmt.Errorf("%w: min_speakers must be at least 1", ErrInvalidJob)
	}
	if maxSpeakers != nil && *maxSpeakers < 1 {
		return fmt.Errorf("%w: max_speakers must be at least 1", ErrInvalidJob)
	}
	if minSpeakers != nil && maxSpeakers != nil && *minSpeakers > *maxSpeakers {
		return fmt.Errorf("%w: min_speakers (%d) cannot exceed max_speakers (%d)", ErrInvalidJob, *minSpeakers, *maxSpeakers)
	}
	return nil
}

// Transition moves job to status and stamps lifecycle timestamps.
func Transition(job *domain.Job, to domain.JobStatus, now time.Time) error {
	if job.Status == to {
		return nil
	}
	if !isValidTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}

	now = now.UTC()
	switch to {
	case domain.JobStatusDownloading, domain.JobStatusProcessing:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case domain.JobStatusCompleted, domain.JobStatusError, domain.JobStatusPartial:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		job.CompletedAt = &now
	case domain.JobStatusQueued:
		job.StartedAt = nil
		job.CompletedAt = nil
	}
	job.Status = to
	return nil
}

// Fail moves job to error with message. It is valid from every non-terminal status.
func Fail(job *domain.Job, message string, now time.Time) error {
	if err := Transition(job, domain.JobStatusError, now); err != nil {
		return err
	}
	job.ErrorMessage = &message
	return nil
}

// PrepareRetry re-queues a partial job to redo diarization. The transcript
// is kept; diarization error fields are cleared.
func PrepareRetry(job *domain.Job) error {
	if job.Status != domain.JobStatusPartial {
		return fmt.Errorf("%w: status is %s", ErrNotRetryable, job.Status)
	}
	job.Status = domain.JobStatusQueued
	job.StartedAt = nil
	job.CompletedAt = nil
	job.DiarizationError = nil
	job.DiarizationErrorCode = nil
	job.Diarized = nil
	job.SpeakerCount = nil
	job.Progress = 0
	job.ProgressPhase = ""
	job.ProgressPhasePct = 0
	job.RetryRequested = true
	return nil
}

// IsRetry reports whether job is a re-queued partial. Rows written before the
// explicit flag existed are recognized by carrying both a transcript and a
// diarization error.
func IsRetry(job domain.Job) bool {
	if job.RetryRequested {
		return true
	}
	return domain.Deref(job.ResultText) != "" && domain.Deref(job.DiarizationError) != ""
}

// Recover returns an interrupted processing job to the queue.
func Recover(job *domain.Job) bool {
	if job.Status != domain.JobStatusProcessing {
		return false
	}
	job.Status = domain.JobStatusQueued
	job.StartedAt = nil
	job.CompletedAt = nil
	return true
}

// isValidTransition enforces the allowed job state machine edges. The
// processing -> queued edge is only taken by startup recovery.
func isValidTransition(from, to domain.JobStatus) bool {
	switch from {
	case domain.JobStatusQueued:
		return to == domain.JobStatusProcessing || to == domain.JobStatusDownloading || to == domain.JobStatusError
	case domain.JobStatusDownloading:
		return to == domain.JobStatusProcessing || to == domain.JobStatusError
	case domain.JobStatusProcessing:
		return to == domain.JobStatusCompleted || to == domain.JobStatusError ||
			to == domain.JobStatusPartial || to == domain.JobStatusQueued
	case domain.JobStatusPartial:
		return to == domain.JobStatusQueued
	default:
		return false
	}
}
