package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Loader loads configuration from a YAML file and environment variables.
// Tests can override Lookup and ReadFile to inject deterministic input.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// Load reads the file named by CESAR_CONFIG (or cesar.yaml), applies
// environment overrides and validates the result.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}

	path := DefaultFileName
	overrideString(l.Lookup, "CESAR_CONFIG", &path)
	cfg, err := (&FileStore{path: path, readFile: l.ReadFile}).Load()
	if err != nil {
		return Config{}, err
	}

	overrideString(l.Lookup, "CESAR_LISTEN_ADDR", &cfg.ListenAddr)
	overrideString(l.Lookup, "CESAR_DATA_DIR", &cfg.DataDir)
	overrideString(l.Lookup, "CESAR_DB_PATH", &cfg.DBPath)
	overrideString(l.Lookup, "CESAR_LOG_LEVEL", &cfg.LogLevel)
	overrideString(l.Lookup, "CESAR_BACKEND", &cfg.Backend)
	overrideString(l.Lookup, "CESAR_MODEL", &cfg.ModelSize)
	overrideString(l.Lookup, "CESAR_DEVICE", &cfg.Device)
	overrideString(l.Lookup, "HF_TOKEN", &cfg.HFToken)
	overrideString(l.Lookup, "OPENAI_API_KEY", &cfg.OpenAIAPIKey)
	if err := overrideInt(l.Lookup, "CESAR_BATCH_SIZE", &cfg.BatchSize); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if lookup == nil || target == nil {
		return
	}
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = n
	return nil
}
