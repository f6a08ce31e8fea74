// Package output renders aligned transcripts as Markdown documents.
package output

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"cesar/internal/align"
	"cesar/internal/domain"
)

// DefaultMinSegmentDuration drops alignment artifacts shorter than half a second.
const DefaultMinSegmentDuration = 0.5

// MarkdownFormatter renders speaker-labeled segments with a metadata header.
type MarkdownFormatter struct {
	SpeakerCount       int
	Duration           float64
	MinSegmentDuration float64
	// Now stamps the Created line; nil means time.Now.
	Now func() time.Time
}

// NewMarkdownFormatter returns a formatter with the default minimum segment duration.
func NewMarkdownFormatter(speakerCount int, duration float64) *MarkdownFormatter {
	return &MarkdownFormatter{
		SpeakerCount:       speakerCount,
		Duration:           duration,
		MinSegmentDuration: DefaultMinSegmentDuration,
	}
}

// Format renders segments. It fails on segments with invalid time ranges.
func (f *MarkdownFormatter) Format(segments []domain.AlignedSegment) (string, error) {
	for i, seg := range segments {
		if math.IsNaN(seg.Start) || math.IsNaN(seg.End) || seg.End < seg.Start {
			return "", domain.Errorf(domain.KindFormatting, "segment %d has invalid range [%v, %v]", i, seg.Start, seg.End)
		}
	}

	kept := lo.Filter(segments, func(seg domain.AlignedSegment, _ int) bool {
		return seg.End-seg.Start >= f.MinSegmentDuration
	})

	var b strings.Builder
	f.writeHeader(&b)
	b.WriteString("\n---\n\n")

	current := ""
	for i, seg := range kept {
		label := HumanizeSpeaker(seg.Speaker)
		if i == 0 || label != current {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "### %s\n", label)
			current = label
		}
		fmt.Fprintf(&b, "[%s - %s]\n", align.FormatTimestamp(seg.Start), align.FormatTimestamp(seg.End))
		b.WriteString(seg.Text)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (f *MarkdownFormatter) writeHeader(b *strings.Builder) {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	b.WriteString("# Transcript\n\n")
	fmt.Fprintf(b, "**Speakers:** %d detected\n", f.SpeakerCount)
	fmt.Fprintf(b, "**Duration:** %s\n", FormatDuration(f.Duration))
	fmt.Fprintf(b, "**Created:** %s\n", now().Format(time.DateOnly))
}

// FormatDuration renders seconds as M:SS.
func FormatDuration(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// HumanizeSpeaker turns diarization labels into reader-facing names.
func HumanizeSpeaker(label string) string {
	switch label {
	case domain.SpeakerMultiple:
		return domain.SpeakerMultiple
	case domain.SpeakerUnknown:
		return "Unknown speaker"
	}
	raw, ok := strings.CutPrefix(label, "SPEAKER_")
	if !ok {
		return label
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return label
	}
	return fmt.Sprintf("Speaker %d", n+1)
}

// RenderPlain renders a transcript without speaker labels, one line per segment.
func RenderPlain(lines []string) string {
	var b strings.Builder
	b.WriteString("# Transcript\n\n")
	b.WriteString("(Speaker detection unavailable)\n\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
