package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Store defines persistence operations for configuration.
type Store interface {
	Load() (Config, error)
	Save(Config) error
}

// FileStore persists configuration in a single YAML file on disk.
type FileStore struct {
	path     string
	readFile func(string) ([]byte, error)
}

// NewFileStore creates a YAML-backed configuration store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads configuration from disk or returns defaults when missing.
// Unknown keys are rejected so typos surface instead of being ignored.
func (s *FileStore) Load() (Config, error) {
	read := s.readFile
	if read == nil {
		read = os.ReadFile
	}
	data, err := read(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", s.path, err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	return cfg, nil
}

// Save writes configuration as YAML and creates parent directories.
func (s *FileStore) Save(cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0o600)
}

// WriteDefault writes the documented template unless the file already
// exists. It reports whether a file was written.
func (s *FileStore) WriteDefault() (bool, error) {
	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(s.path, []byte(DefaultTemplate), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// DefaultTemplate is the commented configuration written by WriteDefault.
const DefaultTemplate = `# cesar configuration
#
# Environment variables override these values:
#   CESAR_LISTEN_ADDR, CESAR_DATA_DIR, CESAR_DB_PATH, CESAR_LOG_LEVEL,
#   CESAR_BACKEND, CESAR_MODEL, CESAR_DEVICE, CESAR_BATCH_SIZE,
#   HF_TOKEN, OPENAI_API_KEY

# HTTP API address.
listen_addr: "127.0.0.1:5000"

# Job database and uploaded audio live here.
data_dir: "data"

# debug, info, warn or error.
log_level: "info"

# whisperx (transcription + speaker labels), local or openai.
backend: "whisperx"

# tiny, base, small, medium or large.
model_size: "base"

# auto, cpu or cuda.
device: "auto"

# Label speakers by default in the CLI.
diarize: false

# Speaker bounds for diarization. Leave unset to auto-detect.
# min_speakers: 2
# max_speakers: 4

# HuggingFace token for the speaker model. HF_TOKEN and
# ~/.cache/huggingface/token are also checked.
# hf_token: "hf_..."
`
