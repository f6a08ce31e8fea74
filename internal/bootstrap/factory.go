package bootstrap

import (
	"log/slog"

	"cesar/internal/config"
	"cesar/internal/domain"
	"cesar/internal/orchestrator"
	"cesar/internal/transcribe"
	"cesar/internal/worker"
)

// NewFactory returns the worker.Factory for cfg.Backend.
func NewFactory(cfg config.Config, logger *slog.Logger) worker.Factory {
	return func(modelSize, token string) (worker.Orchestrator, error) {
		return NewOrchestrator(cfg, modelSize, token, logger)
	}
}

// NewOrchestrator builds the backends for one run. Only the whisperx
// backend diarizes, and only when token is set; the local transcriber is
// always present as its fallback.
func NewOrchestrator(cfg config.Config, modelSize, token string, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	if modelSize == "" {
		modelSize = cfg.ModelSize
	}
	local := []transcribe.Option{
		transcribe.WithFFmpegPath(cfg.FFmpegPath),
		transcribe.WithPython(cfg.PythonPath),
		transcribe.WithDevice(cfg.Device),
		transcribe.WithBatchSize(cfg.BatchSize),
		transcribe.WithLogger(logger),
	}
	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}

	switch cfg.Backend {
	case config.BackendOpenAI:
		opts = append(opts, orchestrator.WithTranscriber(transcribe.NewOpenAI(transcribe.WithAPIKey(cfg.OpenAIAPIKey))))
	case config.BackendLocal:
		opts = append(opts, orchestrator.WithTranscriber(transcribe.NewLocal(modelSize, local...)))
	case config.BackendWhisperX:
		opts = append(opts, orchestrator.WithTranscriber(transcribe.NewLocal(modelSize, local...)))
		if token != "" {
			opts = append(opts, orchestrator.WithPipeline(transcribe.NewWhisperX(modelSize, token, local...)))
		}
	default:
		return nil, domain.Errorf(domain.KindConfig, "unknown backend %q", cfg.Backend)
	}
	return orchestrator.New(opts...), nil
}
