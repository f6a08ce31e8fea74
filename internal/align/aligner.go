// Package align fuses timed transcript segments with diarization speaker
// turns into speaker-labeled segments.
package align

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/samber/lo"

	"cesar/internal/domain"
)

const (
	// ConfidenceThreshold is the minimum fraction of a segment a lone speaker
	// turn must cover before the assignment stops being low-confidence.
	ConfidenceThreshold = 0.30
	// OverlapThreshold is how long (seconds) two turns must overlap inside a
	// segment to count as simultaneous speech.
	OverlapThreshold = 0.5
)

// Report is the aligner output plus observability counters.
type Report struct {
	Segments      []domain.AlignedSegment
	LowConfidence int
	Unassigned    int
	Splits        int
	Overlapping   int
}

// Aligner assigns speakers to transcript segments. The zero value logs to
// slog.Default.
type Aligner struct {
	log *slog.Logger
}

// New returns an Aligner that reports low-confidence assignments to logger.
func New(logger *slog.Logger) *Aligner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aligner{log: logger.With("component", "align.Aligner")}
}

// Align is a convenience wrapper returning only the aligned segments.
func Align(segments []domain.Segment, turns []domain.SpeakerTurn) []domain.AlignedSegment {
	return New(nil).Align(segments, turns).Segments
}

// turnSpan is the part of a speaker turn that falls inside one segment.
type turnSpan struct {
	speaker string
	start   float64
	end     float64
}

// Align merges segments and turns. Output is deterministic for equal input.
func (a *Aligner) Align(segments []domain.Segment, turns []domain.SpeakerTurn) Report {
	logger := a.logger()
	report := Report{Segments: make([]domain.AlignedSegment, 0, len(segments))}

	speakers := lo.Uniq(lo.Map(turns, func(t domain.SpeakerTurn, _ int) string { return t.Speaker }))
	if len(speakers) == 1 {
		for _, seg := range segments {
			report.Segments = append(report.Segments, domain.AlignedSegment{
				Start:   seg.Start,
				End:     seg.End,
				Speaker: speakers[0],
				Text:    seg.Text,
			})
		}
		return report
	}

	for _, seg := range segments {
		spans := spansWithin(seg, turns)

		switch {
		case len(spans) == 0:
			report.Unassigned++
			report.LowConfidence++
			logger.Warn("no speaker found for segment",
				"start", FormatTimestamp(seg.Start),
				"end", FormatTimestamp(seg.End),
				"text", preview(seg.Text),
			)
			report.Segments = append(report.Segments, domain.AlignedSegment{
				Start:   seg.Start,
				End:     seg.End,
				Speaker: domain.SpeakerUnknown,
				Text:    seg.Text,
			})

		case len(spans) == 1:
			duration := seg.End - seg.Start
			ratio := 0.0
			if duration > 0 {
				ratio = (spans[0].end - spans[0].start) / duration
			}
			if ratio < ConfidenceThreshold {
				report.LowConfidence++
				logger.Warn("low alignment confidence",
					"ratio", fmt.Sprintf("%.0f%%", ratio*100),
					"start", FormatTimestamp(seg.Start),
					"end", FormatTimestamp(seg.End),
				)
			}
			report.Segments = append(report.Segments, domain.AlignedSegment{
				Start:   seg.Start,
				End:     seg.End,
				Speaker: spans[0].speaker,
				Text:    seg.Text,
			})

		case hasOverlappingSpeech(spans):
			report.Overlapping++
			report.Segments = append(report.Segments, domain.AlignedSegment{
				Start:   seg.Start,
				End:     seg.End,
				Speaker: domain.SpeakerMultiple,
				Text:    seg.Text,
			})

		default:
			pieces := splitByTurns(seg, spans)
			if len(pieces) > 1 {
				report.Splits++
			}
			report.Segments = append(report.Segments, pieces...)
		}
	}

	return report
}

func (a *Aligner) logger() *slog.Logger {
	if a == nil || a.log == nil {
		return slog.Default()
	}
	return a.log
}

// Intersection returns the length of the overlap of [aStart,aEnd] and
// [bStart,bEnd], or 0 when they do not intersect.
func Intersection(aStart, aEnd, bStart, bEnd float64) float64 {
	return math.Max(0, math.Min(aEnd, bEnd)-math.Max(aStart, bStart))
}

// spansWithin clips every intersecting turn to the segment, ordered by start.
func spansWithin(seg domain.Segment, turns []domain.SpeakerTurn) []turnSpan {
	var spans []turnSpan
	for _, turn := range turns {
		if Intersection(seg.Start, seg.End, turn.Start, turn.End) <= 0 {
			continue
		}
		spans = append(spans, turnSpan{
			speaker: turn.Speaker,
			start:   math.Max(seg.Start, turn.Start),
			end:     math.Min(seg.End, turn.End),
		})
	}

	slices.SortStableFunc(spans, func(x, y turnSpan) int {
		if c := cmp.Compare(x.start, y.start); c != 0 {
			return c
		}
		if c := cmp.Compare(x.end, y.end); c != 0 {
			return c
		}
		return cmp.Compare(x.speaker, y.speaker)
	})
	return spans
}

// hasOverlappingSpeech reports whether any two spans overlap by more than
// OverlapThreshold.
func hasOverlappingSpeech(spans []turnSpan) bool {
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if Intersection(spans[i].start, spans[i].end, spans[j].start, spans[j].end) > OverlapThreshold {
				return true
			}
		}
	}
	return false
}

// splitByTurns distributes the segment's words over sequential spans in
// proportion to each span's share of the covered duration. The last span
// takes whatever words remain so nothing is dropped.
func splitByTurns(seg domain.Segment, spans []turnSpan) []domain.AlignedSegment {
	words := strings.Fields(seg.Text)
	if len(words) == 0 {
		longest := lo.MaxBy(spans, func(a, b turnSpan) bool { return a.end-a.start > b.end-b.start })
		return []domain.AlignedSegment{{Start: seg.Start, End: seg.End, Speaker: longest.speaker, Text: seg.Text}}
	}
	covered := lo.SumBy(spans, func(s turnSpan) float64 { return s.end - s.start })

	out := make([]domain.AlignedSegment, 0, len(spans))
	next := 0
	for i, span := range spans {
		remaining := len(words) - next
		var take int
		if i == len(spans)-1 {
			take = remaining
		} else {
			proportion := 0.0
			if covered > 0 {
				proportion = (span.end - span.start) / covered
			}
			take = max(1, int(math.Round(float64(len(words))*proportion)))
			// leave at least one word for each later span while words last
			take = min(take, remaining-(len(spans)-1-i))
			if take < 1 {
				take = min(1, remaining)
			}
		}
		if take <= 0 {
			continue
		}

		out = append(out, domain.AlignedSegment{
			Start:   span.start,
			End:     span.end,
			Speaker: span.speaker,
			Text:    strings.Join(words[next:next+take], " "),
		})
		next += take
	}
	return out
}

// ShouldIncludeSpeakerLabels reports whether more than one speaker spoke.
func ShouldIncludeSpeakerLabels(turns []domain.SpeakerTurn) bool {
	return len(lo.UniqBy(turns, func(t domain.SpeakerTurn) string { return t.Speaker })) > 1
}

// FormatTimestamp renders seconds as MM:SS.d.
func FormatTimestamp(seconds float64) string {
	minutes := int(seconds / 60)
	secs := seconds - float64(minutes*60)
	return fmt.Sprintf("%02d:%04.1f", minutes, secs)
}

func preview(text string) string {
	const limit = 50
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
