package transcribe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cesar/internal/domain"
)

// helperSegment and helperTurn mirror the JSON emitted by the embedded
// Python helpers on stdout.
type helperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type helperTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

type helperOutput struct {
	Language   string          `json:"language"`
	Duration   float64         `json:"duration"`
	Segments   []helperSegment `json:"segments"`
	Turns      []helperTurn    `json:"turns"`
	Error      string          `json:"error"`
	ErrorStage string          `json:"error_stage"`
}

func (o helperOutput) segments() []domain.Segment {
	out := make([]domain.Segment, 0, len(o.Segments))
	for _, s := range o.Segments {
		out = append(out, domain.Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)})
	}
	return out
}

func (o helperOutput) turns() []domain.SpeakerTurn {
	out := make([]domain.SpeakerTurn, 0, len(o.Turns))
	for _, t := range o.Turns {
		out = append(out, domain.SpeakerTurn{Start: t.Start, End: t.End, Speaker: t.Speaker})
	}
	return out
}

// parseHelperOutput decodes the last JSON object printed by a helper.
// Libraries loaded by the helper may print banners before it.
func parseHelperOutput(stdout string) (helperOutput, error) {
	trimmed := strings.TrimSpace(stdout)
	if i := strings.LastIndex(trimmed, "\n{"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	var out helperOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return helperOutput{}, fmt.Errorf("parse helper output: %w", err)
	}
	return out, nil
}

// writeHelper drops an embedded script into dir and returns its path.
func writeHelper(writeFile func(string, []byte, os.FileMode) error, dir, name string, script []byte) (string, error) {
	path := filepath.Join(dir, name)
	if err := writeFile(path, script, 0o644); err != nil {
		return "", fmt.Errorf("write helper script: %w", err)
	}
	return path, nil
}
