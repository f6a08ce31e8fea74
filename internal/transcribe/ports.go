// Package transcribe holds the speech-to-text backends behind the
// Transcriber and UnifiedPipeline ports.
package transcribe

import (
	"context"

	"cesar/internal/domain"
)

// ProgressFunc receives a phase description and a percentage in [0, 100].
type ProgressFunc func(phase string, pct float64)

// Transcription is the output of a plain transcription backend.
type Transcription struct {
	Segments []domain.Segment
	Duration float64
	Language string
}

// Text returns segment texts in order.
func (t Transcription) Text() []string {
	out := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		out = append(out, seg.Text)
	}
	return out
}

// Diarized is the output of a combined transcription and diarization backend.
type Diarized struct {
	Segments     []domain.AlignedSegment
	SpeakerCount int
	Duration     float64
	Language     string
}

// Transcriber produces timed segments without speaker labels.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (Transcription, error)
}

// UnifiedPipeline transcribes and labels speakers in one call. Credential
// failures are tagged domain.KindAuth, diarization failures
// domain.KindDiarization; anything else is returned untagged.
type UnifiedPipeline interface {
	TranscribeAndDiarize(ctx context.Context, audioPath string, minSpeakers, maxSpeakers *int, onProgress ProgressFunc) (Diarized, error)
}

var (
	_ Transcriber     = (*Local)(nil)
	_ Transcriber     = (*OpenAI)(nil)
	_ UnifiedPipeline = (*WhisperX)(nil)
)

func emitProgress(cb ProgressFunc, phase string, pct float64) {
	if cb != nil {
		cb(phase, pct)
	}
}
