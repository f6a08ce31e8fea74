// Package diagnostics checks external tools, credentials and paths at startup.
package diagnostics

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/samber/lo"

	"cesar/internal/config"
	"cesar/internal/domain"
)

// Checker validates external tools and required filesystem paths.
type Checker struct {
	lookPath   func(string) (string, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
	now        func() time.Time
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
		now:        time.Now,
	}
}

// Run executes all startup checks for cfg. hfToken is the resolved
// diarization credential, empty when none was found.
func (c *Checker) Run(cfg config.Config, hfToken string) domain.DiagnosticReport {
	local := cfg.Backend != config.BackendOpenAI
	items := []domain.DiagnosticItem{
		c.checkTool("ffmpeg", cfg.FFmpegPath, local,
			"Install FFmpeg: pacman -S ffmpeg (Arch), apt install ffmpeg (Debian), or brew install ffmpeg (macOS)."),
		c.checkTool("ffprobe", cfg.FFprobePath, false,
			"FFprobe ships with FFmpeg. Video URL jobs fail without it."),
		c.checkTool("yt-dlp", cfg.YtDlpPath, false,
			"Install yt-dlp (pip install yt-dlp) to accept video URLs."),
		c.checkTool("python", cfg.PythonPath, local,
			"Install Python 3 with faster-whisper (and whisperx for speaker labels)."),
		c.checkDataDir(cfg.DataDir),
		checkCredentials(cfg, hfToken),
	}

	return domain.DiagnosticReport{
		GeneratedAt: c.now().UTC(),
		HasFailures: lo.SomeBy(items, func(i domain.DiagnosticItem) bool { return i.Status == domain.DiagnosticStatusFail }),
		HasWarnings: lo.SomeBy(items, func(i domain.DiagnosticItem) bool { return i.Status == domain.DiagnosticStatusWarn }),
		Items:       items,
	}
}

// checkTool verifies a CLI executable is on PATH. Missing optional tools
// only warn.
func (c *Checker) checkTool(name, binary string, required bool, hint string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: "tool_" + name, Name: name}
	path, err := c.lookPath(binary)
	if err != nil {
		item.Status = domain.DiagnosticStatusWarn
		if required {
			item.Status = domain.DiagnosticStatusFail
		}
		item.Message = fmt.Sprintf("Tool not found in PATH: %s", binary)
		item.Hint = hint
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Found at %s", path)
	return item
}

// checkDataDir validates data directory existence and write access.
func (c *Checker) checkDataDir(dataDir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "data_dir",
		Name: "Data directory",
	}

	if strings.TrimSpace(dataDir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Data directory is empty."
		item.Hint = "Set data_dir to where the job database and uploads can be written."
		return item
	}

	if err := c.mkdirAll(dataDir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create data directory: %s", dataDir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	tmpFile, err := c.createTemp(dataDir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Data directory is not writable: %s", dataDir)
		item.Hint = "Choose a writable directory for the job database."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", dataDir)
	return item
}

// checkCredentials reports whether the configured backend can authenticate.
func checkCredentials(cfg config.Config, hfToken string) domain.DiagnosticItem {
	switch cfg.Backend {
	case config.BackendOpenAI:
		item := domain.DiagnosticItem{ID: "openai_api_key", Name: "OpenAI API key"}
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			item.Status = domain.DiagnosticStatusFail
			item.Message = "OpenAI API key is not set."
			item.Hint = "Set openai_api_key in config or the OPENAI_API_KEY environment variable."
			return item
		}
		item.Status = domain.DiagnosticStatusPass
		item.Message = "OpenAI API key configured."
		return item
	case config.BackendWhisperX:
		item := domain.DiagnosticItem{ID: "hf_token", Name: "HuggingFace token"}
		if hfToken == "" {
			item.Status = domain.DiagnosticStatusWarn
			item.Message = "No HuggingFace token found. Diarization jobs will finish as partial."
			item.Hint = "Set hf_token in config, the HF_TOKEN environment variable, or run huggingface-cli login."
			return item
		}
		item.Status = domain.DiagnosticStatusPass
		item.Message = "HuggingFace token found."
		return item
	default:
		return domain.DiagnosticItem{
			ID:      "diarization",
			Name:    "Speaker diarization",
			Status:  domain.DiagnosticStatusWarn,
			Message: fmt.Sprintf("Backend %q has no speaker diarization. Diarization jobs will finish as partial.", cfg.Backend),
			Hint:    "Use backend: whisperx for speaker labels.",
		}
	}
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		lookPath:   lookPath,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
		now:        time.Now,
	}
}
