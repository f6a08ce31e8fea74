package transcribe

import (
	"log/slog"
	"os"
)

// settings holds process and filesystem dependencies shared by the
// helper-script backends.
type settings struct {
	ffmpegPath string
	pythonPath string
	device     string
	batchSize  int
	runner     commandRunner
	mkdirTemp  func(dir, pattern string) (string, error)
	removeAll  func(path string) error
	stat       func(name string) (os.FileInfo, error)
	writeFile  func(name string, data []byte, perm os.FileMode) error
	env        []string
	log        *slog.Logger
}

// Option configures a helper-script backend.
type Option func(*settings)

// WithFFmpegPath overrides the ffmpeg binary.
func WithFFmpegPath(path string) Option {
	return func(s *settings) { s.ffmpegPath = path }
}

// WithPython overrides the Python interpreter used for helpers.
func WithPython(path string) Option {
	return func(s *settings) { s.pythonPath = path }
}

// WithDevice selects auto, cpu or cuda.
func WithDevice(device string) Option {
	return func(s *settings) { s.device = device }
}

// WithBatchSize sets the WhisperX inference batch size.
func WithBatchSize(n int) Option {
	return func(s *settings) { s.batchSize = n }
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.log = logger }
}

func newSettings(component string, opts []Option) settings {
	s := settings{
		ffmpegPath: "ffmpeg",
		pythonPath: "python3",
		device:     "auto",
		batchSize:  16,
		mkdirTemp:  os.MkdirTemp,
		removeAll:  os.RemoveAll,
		stat:       os.Stat,
		writeFile:  os.WriteFile,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.device == "" {
		s.device = "auto"
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", component)
	if s.runner == nil {
		s.runner = &execRunner{env: s.env}
	}
	return s
}
