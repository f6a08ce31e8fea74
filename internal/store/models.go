package store

import (
	"time"

	"cesar/internal/domain"
)

// jobRow is the persisted shape of domain.Job.
type jobRow struct {
	ID        string    `gorm:"primaryKey;type:text"`
	Status    string    `gorm:"not null;type:text;index"`
	CreatedAt time.Time `gorm:"not null;index"`

	AudioPath   string `gorm:"not null;type:text"`
	ModelSize   string `gorm:"not null;type:text"`
	Diarize     bool   `gorm:"not null"`
	MinSpeakers *int
	MaxSpeakers *int

	StartedAt   *time.Time
	CompletedAt *time.Time

	Progress         int    `gorm:"not null;default:0"`
	ProgressPhase    string `gorm:"type:text"`
	ProgressPhasePct int    `gorm:"not null;default:0"`
	DownloadProgress *int

	ResultText           *string `gorm:"type:text"`
	DetectedLanguage     *string `gorm:"type:text"`
	SpeakerCount         *int
	Diarized             *bool
	DiarizationErrorCode *string `gorm:"type:text"`
	DiarizationError     *string `gorm:"type:text"`
	ErrorMessage         *string `gorm:"type:text"`
	RetryRequested       bool    `gorm:"not null;default:false"`
}

// TableName specifies the table name for jobRow.
func (jobRow) TableName() string {
	return "jobs"
}

func toRow(j domain.Job) jobRow {
	return jobRow{
		ID:                   j.ID,
		Status:               string(j.Status),
		CreatedAt:            j.CreatedAt.UTC(),
		AudioPath:            j.AudioPath,
		ModelSize:            j.ModelSize,
		Diarize:              j.Diarize,
		MinSpeakers:          j.MinSpeakers,
		MaxSpeakers:          j.MaxSpeakers,
		StartedAt:            utc(j.StartedAt),
		CompletedAt:          utc(j.CompletedAt),
		Progress:             j.Progress,
		ProgressPhase:        j.ProgressPhase,
		ProgressPhasePct:     j.ProgressPhasePct,
		DownloadProgress:     j.DownloadProgress,
		ResultText:           j.ResultText,
		DetectedLanguage:     j.DetectedLanguage,
		SpeakerCount:         j.SpeakerCount,
		Diarized:             j.Diarized,
		DiarizationErrorCode: j.DiarizationErrorCode,
		DiarizationError:     j.DiarizationError,
		ErrorMessage:         j.ErrorMessage,
		RetryRequested:       j.RetryRequested,
	}
}

func (r jobRow) toDomain() domain.Job {
	return domain.Job{
		ID:                   r.ID,
		Status:               domain.JobStatus(r.Status),
		CreatedAt:            r.CreatedAt.UTC(),
		AudioPath:            r.AudioPath,
		ModelSize:            r.ModelSize,
		Diarize:              r.Diarize,
		MinSpeakers:          r.MinSpeakers,
		MaxSpeakers:          r.MaxSpeakers,
		StartedAt:            utc(r.StartedAt),
		CompletedAt:          utc(r.CompletedAt),
		Progress:             r.Progress,
		ProgressPhase:        r.ProgressPhase,
		ProgressPhasePct:     r.ProgressPhasePct,
		DownloadProgress:     r.DownloadProgress,
		ResultText:           r.ResultText,
		DetectedLanguage:     r.DetectedLanguage,
		SpeakerCount:         r.SpeakerCount,
		Diarized:             r.Diarized,
		DiarizationErrorCode: r.DiarizationErrorCode,
		DiarizationError:     r.DiarizationError,
		ErrorMessage:         r.ErrorMessage,
		RetryRequested:       r.RetryRequested,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
