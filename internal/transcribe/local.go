package transcribe

import (
	"context"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"

	"cesar/internal/domain"
)

//go:embed assets/faster_whisper.py
var fasterWhisperScript []byte

// Local transcribes with faster-whisper through an embedded Python helper,
// after normalizing the input to 16 kHz mono WAV with ffmpeg.
type Local struct {
	settings
	model string
}

// NewLocal constructs the production local backend for a model size.
func NewLocal(model string, opts ...Option) *Local {
	if model == "" {
		model = domain.DefaultModelSize
	}
	return &Local{
		settings: newSettings("transcribe.Local", opts),
		model:    model,
	}
}

// Transcribe runs preprocessing and the whisper helper.
func (l *Local) Transcribe(ctx context.Context, audioPath string) (Transcription, error) {
	if strings.TrimSpace(audioPath) == "" {
		return Transcription{}, l.fail(&CommandError{
			Stage:   "preprocessing",
			Message: "input audio path is required",
		})
	}
	if _, err := l.stat(audioPath); err != nil {
		return Transcription{}, l.fail(&CommandError{
			Stage:   "preprocessing",
			Message: fmt.Sprintf("cannot access input audio: %s", audioPath),
			Err:     err,
		})
	}

	tempDir, err := l.mkdirTemp("", "cesar-transcribe-*")
	if err != nil {
		return Transcription{}, l.fail(&CommandError{
			Stage:   "preprocessing",
			Message: "failed to create temporary workspace",
			Err:     err,
		})
	}
	defer func() { _ = l.removeAll(tempDir) }()

	wavPath := filepath.Join(tempDir, "preprocessed-16k-mono.wav")
	args := buildFFmpegArgs(audioPath, wavPath)
	res, runErr := l.runner.Run(ctx, l.ffmpegPath, args...)
	ffmpegLog := logFor(l.ffmpegPath, args, res)
	if runErr != nil {
		return Transcription{}, l.fail(&CommandError{
			Stage:      "preprocessing",
			Message:    "ffmpeg audio conversion failed",
			CommandLog: ffmpegLog,
			Err:        runErr,
		})
	}
	if _, err := l.stat(wavPath); err != nil {
		return Transcription{}, l.fail(&CommandError{
			Stage:      "preprocessing",
			Message:    "ffmpeg completed but output file is missing",
			CommandLog: ffmpegLog,
			Err:        err,
		})
	}

	script, err := writeHelper(l.writeFile, tempDir, "faster_whisper.py", fasterWhisperScript)
	if err != nil {
		return Transcription{}, l.fail(&CommandError{Stage: "transcribing", Message: err.Error(), Err: err})
	}

	helperArgs := []string{script, "--audio", wavPath, "--model", l.model, "--device", l.device}
	res, runErr = l.runner.Run(ctx, l.pythonPath, helperArgs...)
	helperLog := logFor(l.pythonPath, helperArgs, res)
	if runErr != nil {
		return Transcription{}, l.fail(&CommandError{
			Stage:      "transcribing",
			Message:    "faster-whisper transcription failed",
			CommandLog: helperLog,
			Err:        runErr,
		})
	}

	out, err := parseHelperOutput(res.Stdout)
	if err != nil {
		return Transcription{}, l.fail(&CommandError{
			Stage:      "transcribing",
			Message:    "faster-whisper returned unreadable output",
			CommandLog: helperLog,
			Err:        err,
		})
	}
	if out.Error != "" {
		return Transcription{}, l.fail(&CommandError{
			Stage:      "transcribing",
			Message:    out.Error,
			CommandLog: helperLog,
		})
	}

	l.log.Debug("transcription finished", "audio", audioPath, "segments", len(out.Segments), "language", out.Language)
	return Transcription{
		Segments: out.segments(),
		Duration: out.Duration,
		Language: out.Language,
	}, nil
}

func (l *Local) fail(err *CommandError) error {
	return domain.NewError(domain.KindTranscription, "", err)
}
