package output

import (
	"strings"
	"testing"
	"time"

	"cesar/internal/domain"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
}

// TestFormatGroupsConsecutiveSpeakers verifies one header per speaker run.
func TestFormatGroupsConsecutiveSpeakers(t *testing.T) {
	f := NewMarkdownFormatter(2, 125)
	f.Now = fixedNow

	got, err := f.Format([]domain.AlignedSegment{
		{Start: 0, End: 2, Speaker: "SPEAKER_00", Text: "Hello there."},
		{Start: 2, End: 4, Speaker: "SPEAKER_00", Text: "Still me."},
		{Start: 4, End: 6.5, Speaker: "SPEAKER_01", Text: "My turn."},
	})
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	want := "# Transcript\n\n" +
		"**Speakers:** 2 detected\n" +
		"**Duration:** 2:05\n" +
		"**Created:** 2026-03-14\n" +
		"\n---\n\n" +
		"### Speaker 1\n" +
		"[00:00.0 - 00:02.0]\nHello there.\n" +
		"[00:02.0 - 00:04.0]\nStill me.\n" +
		"\n### Speaker 2\n" +
		"[00:04.0 - 00:06.5]\nMy turn.\n"
	if got != want {
		t.Fatalf("Format() =\n%s\nwant\n%s", got, want)
	}
}

// TestFormatDropsShortSegments verifies the minimum duration filter.
func TestFormatDropsShortSegments(t *testing.T) {
	f := NewMarkdownFormatter(2, 10)
	f.Now = fixedNow

	got, err := f.Format([]domain.AlignedSegment{
		{Start: 0, End: 0.2, Speaker: "SPEAKER_00", Text: "blip"},
		{Start: 1, End: 3, Speaker: "SPEAKER_01", Text: "kept"},
	})
	if err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	if strings.Contains(got, "blip") {
		t.Fatalf("short segment rendered:\n%s", got)
	}
	if !strings.Contains(got, "### Speaker 2\n[00:01.0 - 00:03.0]\nkept\n") {
		t.Fatalf("kept segment missing:\n%s", got)
	}
}

// TestFormatRejectsInvalidRange verifies formatting errors are tagged.
func TestFormatRejectsInvalidRange(t *testing.T) {
	_, err := NewMarkdownFormatter(1, 1).Format([]domain.AlignedSegment{{Start: 3, End: 1}})
	if domain.KindOf(err) != domain.KindFormatting {
		t.Fatalf("err = %v, want formatting kind", err)
	}
}

// TestHumanizeSpeaker covers numbered labels and sentinels.
func TestHumanizeSpeaker(t *testing.T) {
	cases := map[string]string{
		"SPEAKER_00":           "Speaker 1",
		"SPEAKER_09":           "Speaker 10",
		domain.SpeakerMultiple: "Multiple speakers",
		domain.SpeakerUnknown:  "Unknown speaker",
		"SPEAKER_x":            "SPEAKER_x",
		"Alice":                "Alice",
	}
	for in, want := range cases {
		if got := HumanizeSpeaker(in); got != want {
			t.Fatalf("HumanizeSpeaker(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestRenderPlain verifies the unlabeled transcript layout.
func TestRenderPlain(t *testing.T) {
	got := RenderPlain([]string{"First segment", "Second segment"})
	want := "# Transcript\n\n(Speaker detection unavailable)\n\nFirst segment\nSecond segment\n"
	if got != want {
		t.Fatalf("RenderPlain() = %q, want %q", got, want)
	}
}

// TestFormatDuration checks M:SS rendering.
func TestFormatDuration(t *testing.T) {
	if got := FormatDuration(59.9); got != "0:59" {
		t.Fatalf("FormatDuration(59.9) = %q", got)
	}
	if got := FormatDuration(3601); got != "60:01" {
		t.Fatalf("FormatDuration(3601) = %q", got)
	}
}
