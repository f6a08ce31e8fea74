package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cesar/internal/config"
	"cesar/internal/domain"
	"cesar/internal/download"
	"cesar/internal/jobs"
	"cesar/internal/orchestrator"
	"cesar/internal/transcribe"
	"cesar/internal/worker"
)

// TranscribeRequest describes one foreground CLI run.
type TranscribeRequest struct {
	Source           string
	Output           string
	ModelSize        string
	Diarize          bool
	MinSpeakers      *int
	MaxSpeakers      *int
	KeepIntermediate bool
	OnProgress       transcribe.ProgressFunc
}

// OneShot transcribes a single file or URL without the job queue.
type OneShot struct {
	Factory    worker.Factory
	Downloader download.Downloader
	Token      func() string
	Log        *slog.Logger
}

// NewOneShot builds a runner with the configured backends.
func NewOneShot(cfg config.Config, logger *slog.Logger) *OneShot {
	if logger == nil {
		logger = slog.Default()
	}
	return &OneShot{
		Factory: NewFactory(cfg, logger),
		Downloader: download.Router{
			Video: download.NewYtDlp(
				download.WithBinary(cfg.YtDlpPath),
				download.WithFFmpeg(cfg.FFmpegPath, cfg.FFprobePath),
				download.WithLogger(logger),
			),
			Direct: download.NewHTTPFetcher(os.TempDir()),
		},
		Token: worker.NewTokenResolver(cfg.HFToken).Resolve,
		Log:   logger.With("component", "oneshot"),
	}
}

// Run fetches remote sources, transcribes and writes the output file.
// Downloaded audio is removed afterwards. Diarization without a token
// degrades to a plain transcript.
func (o *OneShot) Run(ctx context.Context, req TranscribeRequest) (orchestrator.Result, error) {
	if strings.TrimSpace(req.Output) == "" {
		return orchestrator.Result{}, errors.New("output path is required")
	}
	if req.ModelSize != "" && !domain.ValidModelSize(req.ModelSize) {
		return orchestrator.Result{}, fmt.Errorf("unknown model size %q (want one of %s)", req.ModelSize, strings.Join(domain.ModelSizes, ", "))
	}
	if err := jobs.ValidateSpeakers(req.MinSpeakers, req.MaxSpeakers); err != nil {
		return orchestrator.Result{}, err
	}

	audio := req.Source
	if isRemote(req.Source) {
		path, err := o.Downloader.Fetch(ctx, req.Source)
		if err != nil {
			return orchestrator.Result{}, err
		}
		defer func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				o.Log.Debug("could not remove downloaded audio", "path", path, "error", err)
			}
		}()
		o.Log.Info("downloaded audio", "source", req.Source, "path", path)
		audio = path
	} else if info, err := os.Stat(audio); err != nil || info.IsDir() {
		return orchestrator.Result{}, fmt.Errorf("input file not found: %s", audio)
	}

	token := ""
	if req.Diarize {
		if token = o.Token(); token == "" {
			o.Log.Warn("no HuggingFace token found; speaker detection disabled")
		}
	}

	orch, err := o.Factory(req.ModelSize, token)
	if err != nil {
		return orchestrator.Result{}, err
	}
	return orch.Orchestrate(ctx, orchestrator.Request{
		AudioPath:         audio,
		OutputPath:        req.Output,
		EnableDiarization: req.Diarize && token != "",
		MinSpeakers:       req.MinSpeakers,
		MaxSpeakers:       req.MaxSpeakers,
		KeepIntermediate:  req.KeepIntermediate,
		OnProgress:        req.OnProgress,
	})
}

func isRemote(source string) bool {
	return download.IsVideoURL(source) ||
		strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}
