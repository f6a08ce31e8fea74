// Package orchestrator runs one transcription with optional speaker
// labeling and degrades to a plain transcript when diarization fails.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"cesar/internal/domain"
	"cesar/internal/output"
	"cesar/internal/transcribe"
)

// Formatter renders speaker-labeled segments.
type Formatter interface {
	Format(segments []domain.AlignedSegment) (string, error)
}

// FormatterFactory builds a formatter once speaker count and duration are known.
type FormatterFactory func(speakerCount int, duration float64) Formatter

// Request describes one orchestration run.
type Request struct {
	AudioPath         string
	OutputPath        string
	EnableDiarization bool
	MinSpeakers       *int
	MaxSpeakers       *int
	KeepIntermediate  bool
	// Retry marks a job re-queued after a partial result. Transcription is
	// recomputed; the flag is only logged.
	Retry      bool
	OnProgress transcribe.ProgressFunc
}

// Result carries the output location and per-stage timings.
type Result struct {
	OutputPath           string
	Text                 string
	Language             string
	SpeakersDetected     int
	AudioDuration        float64
	TranscriptionTime    time.Duration
	DiarizationTime      *time.Duration
	FormattingTime       time.Duration
	DiarizationSucceeded bool
	// DiarizationError is set when a diarization failure forced the plain fallback.
	DiarizationError string
}

// TotalTime sums the stage timings.
func (r Result) TotalTime() time.Duration {
	total := r.TranscriptionTime + r.FormattingTime
	if r.DiarizationTime != nil {
		total += *r.DiarizationTime
	}
	return total
}

// SpeedRatio is audio duration over processing time, 0 when nothing was timed.
func (r Result) SpeedRatio() float64 {
	total := r.TotalTime().Seconds()
	if total <= 0 {
		return 0
	}
	return r.AudioDuration / total
}

// Orchestrator picks between the unified pipeline and the plain transcriber.
type Orchestrator struct {
	pipeline    transcribe.UnifiedPipeline
	transcriber transcribe.Transcriber
	formatter   FormatterFactory
	now         func() time.Time
	log         *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPipeline sets the transcribe+diarize backend.
func WithPipeline(p transcribe.UnifiedPipeline) Option {
	return func(o *Orchestrator) { o.pipeline = p }
}

// WithTranscriber sets the plain transcription backend.
func WithTranscriber(t transcribe.Transcriber) Option {
	return func(o *Orchestrator) { o.transcriber = t }
}

// WithFormatter overrides the Markdown formatter.
func WithFormatter(f FormatterFactory) Option {
	return func(o *Orchestrator) { o.formatter = f }
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = logger }
}

// WithClock overrides time.Now for stage timings.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an Orchestrator. Backends may be nil; Orchestrate fails if both are.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.formatter == nil {
		o.formatter = func(speakerCount int, duration float64) Formatter {
			return output.NewMarkdownFormatter(speakerCount, duration)
		}
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("component", "orchestrator")
	return o
}

// HasPipeline reports whether a unified backend is configured.
func (o *Orchestrator) HasPipeline() bool { return o.pipeline != nil }

// HasTranscriber reports whether a plain backend is configured.
func (o *Orchestrator) HasTranscriber() bool { return o.transcriber != nil }

// Orchestrate runs the request. Authentication failures from the pipeline
// are returned unchanged and never fall back.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (Result, error) {
	if o.pipeline == nil && o.transcriber == nil {
		return Result{}, domain.Errorf(domain.KindConfig,
			"transcription requires either a pipeline (for diarization) or a transcriber (for plain transcription)")
	}

	progress := monotonic(req.OnProgress)
	if req.Retry {
		o.log.Info("retrying diarization", "audio", req.AudioPath)
	}

	var (
		result  Result
		labeled []domain.AlignedSegment
		plain   transcribe.Transcription
	)

	if req.EnableDiarization && o.pipeline != nil {
		progress("Starting pipeline...", 0)
		start := o.now()
		diarized, err := o.pipeline.TranscribeAndDiarize(ctx, req.AudioPath, req.MinSpeakers, req.MaxSpeakers,
			func(phase string, pct float64) { progress(phase, pct*0.9) })
		elapsed := o.now().Sub(start)

		switch kind := domain.KindOf(err); {
		case err == nil:
			result.TranscriptionTime = time.Duration(float64(elapsed) * 0.6)
			result.DiarizationTime = lo.ToPtr(time.Duration(float64(elapsed) * 0.4))
			result.DiarizationSucceeded = true
			result.SpeakersDetected = diarized.SpeakerCount
			result.AudioDuration = diarized.Duration
			result.Language = diarized.Language
			labeled = diarized.Segments
			progress("Pipeline complete", 90)

			if req.KeepIntermediate {
				if err := o.saveIntermediate(req.OutputPath, diarized); err != nil {
					o.log.Warn("could not save intermediate diarization", "error", err)
				}
			}

		case kind == domain.KindAuth:
			return Result{}, err

		case kind == domain.KindDiarization:
			o.log.Warn("transcription succeeded, diarization failed; falling back to plain transcript", "error", err)
			if o.transcriber == nil {
				return Result{}, domain.NewError(domain.KindDiarization,
					fmt.Sprintf("diarization failed and no fallback transcriber available: %v", err), err)
			}
			result.DiarizationError = err.Error()
			plain, result.TranscriptionTime, err = o.transcribePlain(ctx, req.AudioPath, progress)
			if err != nil {
				return Result{}, err
			}

		default:
			o.log.Error("pipeline failed with unexpected error", "error", err)
			return Result{}, domain.NewError(domain.KindDiarization, fmt.Sprintf("pipeline failed: %v", err), err)
		}
	} else if o.transcriber != nil {
		var err error
		plain, result.TranscriptionTime, err = o.transcribePlain(ctx, req.AudioPath, progress)
		if err != nil {
			return Result{}, err
		}
	} else {
		return Result{}, domain.Errorf(domain.KindConfig,
			"plain transcription requested but only a diarization pipeline is configured")
	}

	if !result.DiarizationSucceeded {
		result.AudioDuration = plain.Duration
		result.Language = plain.Language
	}

	progress("Formatting...", 90)
	start := o.now()
	var err error
	if result.DiarizationSucceeded {
		result.OutputPath, result.Text, err = o.saveLabeled(req.OutputPath, labeled, result.SpeakersDetected, result.AudioDuration)
		if err != nil {
			o.log.Warn("formatting failed, falling back to plain transcript", "error", err)
			result.DiarizationSucceeded = false
			result.OutputPath, result.Text, err = o.savePlain(req.OutputPath, lo.Map(labeled, func(s domain.AlignedSegment, _ int) string { return s.Text }))
		}
	} else {
		result.OutputPath, result.Text, err = o.savePlain(req.OutputPath, plain.Text())
	}
	if err != nil {
		return Result{}, err
	}
	result.FormattingTime = o.now().Sub(start)

	progress("Complete", 100)
	return result, nil
}

func (o *Orchestrator) transcribePlain(ctx context.Context, audioPath string, progress transcribe.ProgressFunc) (transcribe.Transcription, time.Duration, error) {
	progress("Transcribing (plain)...", 0)
	start := o.now()
	tr, err := o.transcriber.Transcribe(ctx, audioPath)
	elapsed := o.now().Sub(start)
	if err != nil {
		if domain.KindOf(err) == domain.KindUnknown {
			err = domain.NewError(domain.KindTranscription, "", err)
		}
		return transcribe.Transcription{}, elapsed, err
	}
	progress("Transcription complete", 90)
	return tr, elapsed, nil
}

func (o *Orchestrator) saveLabeled(outputPath string, segments []domain.AlignedSegment, speakers int, duration float64) (string, string, error) {
	text, err := o.formatter(speakers, duration).Format(segments)
	if err != nil {
		return "", "", err
	}
	final := withExt(outputPath, ".md")
	if final != outputPath {
		o.log.Info("changed output extension for speaker-labeled transcript", "path", final)
	}
	if err := writeOutput(final, text); err != nil {
		return "", "", err
	}
	return final, text, nil
}

func (o *Orchestrator) savePlain(outputPath string, lines []string) (string, string, error) {
	text := output.RenderPlain(lines)
	final := withExt(outputPath, ".txt")
	if err := writeOutput(final, text); err != nil {
		return "", "", domain.NewError(domain.KindFormatting, "save plain transcript", err)
	}
	o.log.Info("saved plain transcript (speaker detection unavailable)", "path", final)
	return final, text, nil
}

type intermediate struct {
	SpeakerCount int                     `json:"speaker_count"`
	Segments     []domain.AlignedSegment `json:"segments"`
}

func (o *Orchestrator) saveIntermediate(outputPath string, d transcribe.Diarized) error {
	stem := strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))
	path := filepath.Join(filepath.Dir(outputPath), stem+"_diarization.json")
	data, err := json.MarshalIndent(intermediate{SpeakerCount: d.SpeakerCount, Segments: d.Segments}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	o.log.Info("saved intermediate diarization", "path", path)
	return nil
}

func withExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

func writeOutput(path, text string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(text), 0o644)
}

// monotonic clamps reported percentages so they never go backwards.
func monotonic(cb transcribe.ProgressFunc) transcribe.ProgressFunc {
	if cb == nil {
		return func(string, float64) {}
	}
	var (
		mu   sync.Mutex
		last float64
	)
	return func(phase string, pct float64) {
		mu.Lock()
		defer mu.Unlock()
		pct = min(max(pct, last), 100)
		last = pct
		cb(phase, pct)
	}
}

