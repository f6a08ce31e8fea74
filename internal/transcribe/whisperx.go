package transcribe

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"cesar/internal/align"
	"cesar/internal/domain"
)

//go:embed assets/whisperx_pipeline.py
var whisperXScript []byte

// Speaker bounds used when a job does not set them.
const (
	DefaultMinSpeakers = 1
	DefaultMaxSpeakers = 5
)

const authHelp = "HuggingFace authentication failed. Create a token at https://hf.co/settings/tokens, " +
	"accept the conditions for pyannote/speaker-diarization-3.1 and pyannote/segmentation-3.0, " +
	"then set hf_token in config or the HF_TOKEN environment variable"

// WhisperX runs transcription and pyannote diarization through an embedded
// whisperx helper and aligns the resulting speaker turns onto the transcript.
type WhisperX struct {
	settings
	model   string
	aligner *align.Aligner
}

// NewWhisperX constructs the unified pipeline. token is exported to the
// helper as HF_TOKEN.
func NewWhisperX(model, token string, opts ...Option) *WhisperX {
	if model == "" {
		model = domain.DefaultModelSize
	}
	if token != "" {
		opts = append([]Option{func(s *settings) { s.env = append(s.env, "HF_TOKEN="+token) }}, opts...)
	}
	s := newSettings("transcribe.WhisperX", opts)
	return &WhisperX{
		settings: s,
		model:    model,
		aligner:  align.New(s.log),
	}
}

// TranscribeAndDiarize implements UnifiedPipeline.
func (w *WhisperX) TranscribeAndDiarize(ctx context.Context, audioPath string, minSpeakers, maxSpeakers *int, onProgress ProgressFunc) (Diarized, error) {
	if _, err := w.stat(audioPath); err != nil {
		return Diarized{}, &CommandError{
			Stage:   "loading",
			Message: fmt.Sprintf("cannot access input audio: %s", audioPath),
			Err:     err,
		}
	}

	tempDir, err := w.mkdirTemp("", "cesar-whisperx-*")
	if err != nil {
		return Diarized{}, &CommandError{Stage: "loading", Message: "failed to create temporary workspace", Err: err}
	}
	defer func() { _ = w.removeAll(tempDir) }()

	script, err := writeHelper(w.writeFile, tempDir, "whisperx_pipeline.py", whisperXScript)
	if err != nil {
		return Diarized{}, &CommandError{Stage: "loading", Message: err.Error(), Err: err}
	}

	minSpk := lo.FromPtrOr(minSpeakers, DefaultMinSpeakers)
	maxSpk := lo.FromPtrOr(maxSpeakers, DefaultMaxSpeakers)
	args := []string{
		script,
		"--audio", audioPath,
		"--model", w.model,
		"--device", w.device,
		"--batch-size", strconv.Itoa(w.batchSize),
		"--min-speakers", strconv.Itoa(minSpk),
		"--max-speakers", strconv.Itoa(maxSpk),
	}

	emitProgress(onProgress, "Loading audio...", 0)
	res, runErr := runStreaming(ctx, w.runner, func(line string) {
		if phase, pct, ok := parseProgressLine(line); ok {
			emitProgress(onProgress, phase, pct)
		}
	}, w.pythonPath, args...)
	cmdLog := logFor(w.pythonPath, args, res)

	out, parseErr := parseHelperOutput(res.Stdout)
	if runErr != nil || out.Error != "" {
		return Diarized{}, classifyHelperFailure(out, cmdLog, runErr)
	}
	if parseErr != nil {
		return Diarized{}, &CommandError{
			Stage:      "transcribing",
			Message:    "whisperx returned unreadable output",
			CommandLog: cmdLog,
			Err:        parseErr,
		}
	}

	emitProgress(onProgress, "Assigning speakers...", 90)
	report := w.aligner.Align(out.segments(), out.turns())
	speakers := lo.Uniq(lo.FilterMap(report.Segments, func(seg domain.AlignedSegment, _ int) (string, bool) {
		return seg.Speaker, seg.Speaker != domain.SpeakerMultiple && seg.Speaker != domain.SpeakerUnknown
	}))
	w.log.Info("diarization finished",
		"audio", audioPath,
		"segments", len(report.Segments),
		"speakers", len(speakers),
		"low_confidence", report.LowConfidence,
		"overlapping", report.Overlapping,
	)
	emitProgress(onProgress, "Complete", 100)

	return Diarized{
		Segments:     report.Segments,
		SpeakerCount: len(speakers),
		Duration:     out.Duration,
		Language:     out.Language,
	}, nil
}

// parseProgressLine reads "PROGRESS <pct> <phase>" lines from helper stderr.
func parseProgressLine(line string) (string, float64, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "PROGRESS ")
	if !ok {
		return "", 0, false
	}
	rawPct, phase, _ := strings.Cut(rest, " ")
	pct, err := strconv.ParseFloat(rawPct, 64)
	if err != nil {
		return "", 0, false
	}
	return strings.TrimSpace(phase), pct, true
}

// classifyHelperFailure tags helper failures. Loading the diarization model
// is where a bad token surfaces, so only that stage is checked for auth text.
func classifyHelperFailure(out helperOutput, cmdLog CommandLog, runErr error) error {
	message := out.Error
	if message == "" {
		message = lastLine(cmdLog.Stderr)
	}
	if message == "" && runErr != nil {
		message = runErr.Error()
	}
	cmdErr := &CommandError{
		Stage:      lo.CoalesceOrEmpty(out.ErrorStage, "transcribing"),
		Message:    message,
		CommandLog: cmdLog,
		Err:        runErr,
	}

	switch out.ErrorStage {
	case "diarize_load":
		if isAuthFailure(message) {
			return domain.NewError(domain.KindAuth, authHelp, cmdErr)
		}
		return domain.NewError(domain.KindDiarization, "failed to load diarization model: "+message, cmdErr)
	case "import", "diarize":
		return domain.NewError(domain.KindDiarization, message, cmdErr)
	}
	if out.ErrorStage == "" && (strings.Contains(cmdLog.Stderr, "401") || strings.Contains(cmdLog.Stderr, "Unauthorized")) {
		return domain.NewError(domain.KindAuth, authHelp, cmdErr)
	}
	return cmdErr
}

func isAuthFailure(message string) bool {
	return strings.Contains(message, "401") ||
		strings.Contains(message, "Unauthorized") ||
		strings.Contains(strings.ToLower(message), "access")
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
