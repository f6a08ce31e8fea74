package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
)

// ModelInfo describes one whisper model size and whether its weights are
// already in the HuggingFace cache.
type ModelInfo struct {
	Size      string `json:"size"`
	Repo      string `json:"repo"`
	SizeLabel string `json:"size_label"`
	Cached    bool   `json:"cached"`
	LocalPath string `json:"local_path,omitempty"`
}

var modelCatalog = []ModelInfo{
	{Size: "tiny", Repo: "Systran/faster-whisper-tiny", SizeLabel: "~75 MB"},
	{Size: "base", Repo: "Systran/faster-whisper-base", SizeLabel: "~145 MB"},
	{Size: "small", Repo: "Systran/faster-whisper-small", SizeLabel: "~484 MB"},
	{Size: "medium", Repo: "Systran/faster-whisper-medium", SizeLabel: "~1.5 GB"},
	{Size: "large", Repo: "Systran/faster-whisper-large-v3", SizeLabel: "~3.1 GB"},
}

// Models returns the catalog with cache state read from hubDir.
func Models(hubDir string) []ModelInfo {
	models := make([]ModelInfo, len(modelCatalog))
	copy(models, modelCatalog)
	markCachedModels(models, hubDir)
	return models
}

// HubCacheDir resolves the HuggingFace hub cache: HF_HUB_CACHE, then
// HF_HOME/hub, then ~/.cache/huggingface/hub.
func HubCacheDir(getenv func(string) string, homeDir func() (string, error)) string {
	if dir := strings.TrimSpace(getenv("HF_HUB_CACHE")); dir != "" {
		return dir
	}
	if dir := strings.TrimSpace(getenv("HF_HOME")); dir != "" {
		return filepath.Join(dir, "hub")
	}
	home, err := homeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

func markCachedModels(models []ModelInfo, hubDir string) {
	if hubDir == "" {
		return
	}
	for i := range models {
		snapshots := filepath.Join(hubDir, "models--"+strings.ReplaceAll(models[i].Repo, "/", "--"), "snapshots")
		entries, err := os.ReadDir(snapshots)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			models[i].Cached = true
			models[i].LocalPath = filepath.Join(snapshots, entry.Name())
			break
		}
	}
}
