package bootstrap

import (
	"log/slog"
	"os"
	"path/filepath"

	"cesar/internal/domain"
)

// ensureUserBinOnPATH appends ~/.local/bin, where pip --user installs
// yt-dlp and whisperx, when PATH lacks it.
func ensureUserBinOnPATH(homeDir string) error {
	binDir := userBinDir(homeDir)
	if info, err := os.Stat(binDir); err != nil || !info.IsDir() {
		return nil
	}

	current := os.Getenv("PATH")
	for _, entry := range filepath.SplitList(current) {
		if filepath.Clean(entry) == filepath.Clean(binDir) {
			return nil
		}
	}

	if current == "" {
		return os.Setenv("PATH", binDir)
	}
	return os.Setenv("PATH", current+string(os.PathListSeparator)+binDir)
}

func userBinDir(homeDir string) string {
	return filepath.Join(homeDir, ".local", "bin")
}

// logDiagnostics reports every check that did not pass.
func logDiagnostics(log *slog.Logger, report domain.DiagnosticReport) {
	for _, item := range report.Items {
		switch item.Status {
		case domain.DiagnosticStatusFail:
			log.Error("startup check failed", "check", item.ID, "message", item.Message, "hint", item.Hint)
		case domain.DiagnosticStatusWarn:
			log.Warn("startup check warning", "check", item.ID, "message", item.Message, "hint", item.Hint)
		default:
			log.Debug("startup check passed", "check", item.ID, "message", item.Message)
		}
	}
	if !report.HasFailures && !report.HasWarnings {
		log.Info("all startup checks passed")
	}
}
