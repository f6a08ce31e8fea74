package domain

import "time"

// JobStatus tracks where a transcription job is in its lifecycle.
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusProcessing  JobStatus = "processing"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusError       JobStatus = "error"
	JobStatusPartial     JobStatus = "partial"
)

// ParseJobStatus maps a raw status string to a known JobStatus.
func ParseJobStatus(raw string) (JobStatus, bool) {
	switch s := JobStatus(raw); s {
	case JobStatusQueued, JobStatusDownloading, JobStatusProcessing,
		JobStatusCompleted, JobStatusError, JobStatusPartial:
		return s, true
	default:
		return "", false
	}
}

// Terminal reports whether no further automatic transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError || s == JobStatusPartial
}

// Diarization error codes persisted on partial jobs.
const (
	DiarizationCodeTokenRequired = "hf_token_required"
	DiarizationCodeTokenInvalid  = "hf_token_invalid"
	DiarizationCodeFailed        = "diarization_failed"
)

// Job is the persisted unit of work.
type Job struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`

	AudioPath   string `json:"audio_path"`
	ModelSize   string `json:"model_size"`
	Diarize     bool   `json:"diarize"`
	MinSpeakers *int   `json:"min_speakers"`
	MaxSpeakers *int   `json:"max_speakers"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Progress         int    `json:"progress"`
	ProgressPhase    string `json:"progress_phase,omitempty"`
	ProgressPhasePct int    `json:"progress_phase_pct"`
	DownloadProgress *int   `json:"download_progress"`

	ResultText           *string `json:"result_text"`
	DetectedLanguage     *string `json:"detected_language"`
	SpeakerCount         *int    `json:"speaker_count"`
	Diarized             *bool   `json:"diarized"`
	DiarizationErrorCode *string `json:"diarization_error_code"`
	DiarizationError     *string `json:"diarization_error"`

	ErrorMessage *string `json:"error_message"`

	// RetryRequested marks a partial job re-queued to redo diarization.
	RetryRequested bool `json:"retry_requested"`
}

// Segment is one timed span of plain transcription output.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// SpeakerTurn is one timed span attributed to a speaker by diarization.
type SpeakerTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Speaker label sentinels produced by alignment.
const (
	SpeakerMultiple = "Multiple speakers"
	SpeakerUnknown  = "UNKNOWN"
)

// AlignedSegment is a transcript span with its speaker label.
type AlignedSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
}

// Ptr returns a pointer to v. Job fields use pointers for unset values.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns the pointed-to value or the zero value for nil.
func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
