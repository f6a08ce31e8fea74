package worker

import (
	"os"
	"path/filepath"
	"strings"
)

// TokenResolver finds the HuggingFace credential used for diarization.
// Lookup order is Configured, the HF_TOKEN environment variable, then the
// huggingface-cli token cache under the home directory.
type TokenResolver struct {
	Configured string
	Getenv     func(string) string
	ReadFile   func(string) ([]byte, error)
	HomeDir    func() (string, error)
}

// NewTokenResolver returns a resolver reading the real environment.
func NewTokenResolver(configured string) TokenResolver {
	return TokenResolver{
		Configured: configured,
		Getenv:     os.Getenv,
		ReadFile:   os.ReadFile,
		HomeDir:    os.UserHomeDir,
	}
}

// Resolve returns the first non-empty token, or "".
func (r TokenResolver) Resolve() string {
	if token := strings.TrimSpace(r.Configured); token != "" {
		return token
	}
	if r.Getenv != nil {
		if token := strings.TrimSpace(r.Getenv("HF_TOKEN")); token != "" {
			return token
		}
	}
	if r.HomeDir == nil || r.ReadFile == nil {
		return ""
	}
	home, err := r.HomeDir()
	if err != nil {
		return ""
	}
	data, err := r.ReadFile(filepath.Join(home, ".cache", "huggingface", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
