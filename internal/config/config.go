// Package config loads service settings from a YAML file and environment
// overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cesar/internal/domain"
	"cesar/internal/jobs"
)

const (
	DefaultListenAddr   = "127.0.0.1:5000"
	DefaultDataDir      = "data"
	DefaultLogLevel     = "info"
	DefaultDevice       = "auto"
	DefaultBatchSize    = 16
	DefaultPollInterval = time.Second
	DefaultFileName     = "cesar.yaml"
)

// Backend names accepted in the backend setting.
const (
	// BackendWhisperX runs the unified transcribe+diarize pipeline with the
	// local transcriber as fallback.
	BackendWhisperX = "whisperx"
	// BackendLocal runs plain local transcription only.
	BackendLocal = "local"
	// BackendOpenAI sends audio to the hosted transcription API.
	BackendOpenAI = "openai"
)

// Config captures service configuration.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	DataDir      string        `yaml:"data_dir"`
	DBPath       string        `yaml:"db_path"`
	LogLevel     string        `yaml:"log_level"`
	Backend      string        `yaml:"backend"`
	ModelSize    string        `yaml:"model_size"`
	Device       string        `yaml:"device"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`

	PythonPath  string `yaml:"python_path"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	YtDlpPath   string `yaml:"ytdlp_path"`

	HFToken      string `yaml:"hf_token"`
	OpenAIAPIKey string `yaml:"openai_api_key"`

	Diarize     bool `yaml:"diarize"`
	MinSpeakers *int `yaml:"min_speakers"`
	MaxSpeakers *int `yaml:"max_speakers"`
}

// Default returns baseline configuration for a first run.
func Default() Config {
	return Config{
		ListenAddr:   DefaultListenAddr,
		DataDir:      DefaultDataDir,
		LogLevel:     DefaultLogLevel,
		Backend:      BackendWhisperX,
		ModelSize:    domain.DefaultModelSize,
		Device:       DefaultDevice,
		BatchSize:    DefaultBatchSize,
		PollInterval: DefaultPollInterval,
		PythonPath:   "python3",
		FFmpegPath:   "ffmpeg",
		FFprobePath:  "ffprobe",
		YtDlpPath:    "yt-dlp",
	}
}

// Validate applies defaults for empty fields and rejects invalid values.
func (c *Config) Validate() error {
	d := Default()
	fill := func(target *string, fallback string) {
		if strings.TrimSpace(*target) == "" {
			*target = fallback
		}
	}
	fill(&c.ListenAddr, d.ListenAddr)
	fill(&c.DataDir, d.DataDir)
	fill(&c.LogLevel, d.LogLevel)
	fill(&c.Backend, d.Backend)
	fill(&c.ModelSize, d.ModelSize)
	fill(&c.Device, d.Device)
	fill(&c.PythonPath, d.PythonPath)
	fill(&c.FFmpegPath, d.FFmpegPath)
	fill(&c.FFprobePath, d.FFprobePath)
	fill(&c.YtDlpPath, d.YtDlpPath)
	fill(&c.DBPath, filepath.Join(c.DataDir, "jobs.db"))
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	switch c.Backend {
	case BackendWhisperX, BackendLocal, BackendOpenAI:
	default:
		return fmt.Errorf("config: unknown backend %q (want %s, %s or %s)", c.Backend, BackendWhisperX, BackendLocal, BackendOpenAI)
	}
	switch c.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("config: unknown device %q", c.Device)
	}
	if !domain.ValidModelSize(c.ModelSize) {
		return fmt.Errorf("config: unknown model_size %q", c.ModelSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("config: poll_interval must be positive, got %s", c.PollInterval)
	}
	if err := jobs.ValidateSpeakers(c.MinSpeakers, c.MaxSpeakers); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// UploadDir is where uploaded and directly fetched audio is kept.
func (c Config) UploadDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// OutputDir is where the worker writes transient transcript files.
func (c Config) OutputDir() string {
	return filepath.Join(c.DataDir, "transcripts")
}
