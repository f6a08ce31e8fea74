package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cesar/internal/domain"
)

// TestDefaultValidates verifies baseline defaults pass validation.
func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.DBPath != filepath.Join(DefaultDataDir, "jobs.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.Backend != BackendWhisperX || cfg.ModelSize != domain.DefaultModelSize {
		t.Fatalf("backend/model = %q/%q", cfg.Backend, cfg.ModelSize)
	}
}

// TestFileStoreLoadMissingReturnsDefaults checks first-run behavior.
func TestFileStoreLoadMissingReturnsDefaults(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing", "cesar.yaml"))

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ListenAddr != DefaultListenAddr {
		t.Fatalf("listen addr = %q", got.ListenAddr)
	}
}

// TestFileStoreSaveAndLoadRoundTrip checks persisted settings fidelity.
func TestFileStoreSaveAndLoadRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "cfg", "cesar.yaml"))
	want := Default()
	want.Backend = BackendLocal
	want.PollInterval = 250 * time.Millisecond
	want.MinSpeakers = domain.Ptr(2)
	want.MaxSpeakers = domain.Ptr(3)

	if err := store.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Backend != BackendLocal || got.PollInterval != 250*time.Millisecond {
		t.Fatalf("config = %+v", got)
	}
	if domain.Deref(got.MinSpeakers) != 2 || domain.Deref(got.MaxSpeakers) != 3 {
		t.Fatalf("speakers = %v/%v", got.MinSpeakers, got.MaxSpeakers)
	}
}

// TestFileStoreRejectsUnknownKeys checks typos are reported.
func TestFileStoreRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cesar.yaml")
	if err := os.WriteFile(path, []byte("diarise: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(); err == nil {
		t.Fatal("expected unknown key error")
	}
}

// TestFileStoreLoadInvalidYAML checks parse error handling.
func TestFileStoreLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cesar.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [unclosed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(); err == nil {
		t.Fatal("expected yaml parse error")
	}
}

// TestWriteDefaultTemplate verifies the template parses and is not overwritten.
func TestWriteDefaultTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "cesar.yaml")
	store := NewFileStore(path)

	wrote, err := store.WriteDefault()
	if err != nil || !wrote {
		t.Fatalf("WriteDefault() = %v, %v", wrote, err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != Default() {
		t.Fatalf("template config = %+v, want defaults", got)
	}

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if wrote, _ := store.WriteDefault(); wrote {
		t.Fatal("existing file overwritten")
	}
}

// TestLoaderDefaults verifies an empty environment yields defaults.
func TestLoaderDefaults(t *testing.T) {
	loader := Loader{
		Lookup:   func(string) (string, bool) { return "", false },
		ReadFile: func(string) ([]byte, error) { return nil, os.ErrNotExist },
	}
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr || cfg.LogLevel != DefaultLogLevel || cfg.BatchSize != DefaultBatchSize {
		t.Fatalf("config = %+v", cfg)
	}
}

// TestLoaderOverrides verifies file values and then env values win.
func TestLoaderOverrides(t *testing.T) {
	env := map[string]string{
		"CESAR_CONFIG":      "/etc/cesar/custom.yaml",
		"CESAR_LISTEN_ADDR": "0.0.0.0:8080",
		"CESAR_DATA_DIR":    "/var/lib/cesar",
		"CESAR_BATCH_SIZE":  "8",
		"HF_TOKEN":          " hf_env ",
	}
	var readPath string
	loader := Loader{
		Lookup: func(key string) (string, bool) {
			value, ok := env[key]
			return value, ok
		},
		ReadFile: func(name string) ([]byte, error) {
			readPath = name
			return []byte("log_level: debug\nbackend: local\nhf_token: hf_file\nmin_speakers: 2\n"), nil
		},
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if readPath != "/etc/cesar/custom.yaml" {
		t.Fatalf("read %q", readPath)
	}
	if cfg.ListenAddr != "0.0.0.0:8080" || cfg.LogLevel != "debug" || cfg.Backend != BackendLocal {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.DBPath != filepath.Join("/var/lib/cesar", "jobs.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.HFToken != "hf_env" || cfg.BatchSize != 8 || domain.Deref(cfg.MinSpeakers) != 2 {
		t.Fatalf("config = %+v", cfg)
	}
}

// TestValidateRejects covers invalid settings.
func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"backend":      func(c *Config) { c.Backend = "cloud" },
		"model_size":   func(c *Config) { c.ModelSize = "huge" },
		"log_level":    func(c *Config) { c.LogLevel = "loud" },
		"device":       func(c *Config) { c.Device = "tpu" },
		"min_speakers": func(c *Config) { c.MinSpeakers, c.MaxSpeakers = domain.Ptr(3), domain.Ptr(2) },
		"batch_size":   func(c *Config) { c.BatchSize = -1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), name) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
}
