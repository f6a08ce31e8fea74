package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"cesar/internal/orchestrator"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

type console struct {
	out   io.Writer
	err   io.Writer
	color bool
}

func newConsole(stdout, stderr io.Writer) console {
	return console{out: stdout, err: stderr, color: isTerminal(stderr)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (c console) paint(color, text string) string {
	if !c.color {
		return text
	}
	return color + text + colorReset
}

func (c console) info(format string, args ...any) {
	fmt.Fprintln(c.err, c.paint(colorCyan, fmt.Sprintf(format, args...)))
}

func (c console) warn(format string, args ...any) {
	fmt.Fprintln(c.err, c.paint(colorYellow, fmt.Sprintf(format, args...)))
}

func (c console) fail(format string, args ...any) {
	fmt.Fprintln(c.err, c.paint(colorRed, fmt.Sprintf(format, args...)))
}

// summary prints the post-run report to stdout.
func (c console) summary(res orchestrator.Result, diarizeRequested bool) {
	fmt.Fprintln(c.out, c.paint(colorGreen+colorBold, "Transcription completed"))
	switch {
	case res.DiarizationSucceeded:
		fmt.Fprintf(c.out, "  Speakers detected: %d\n", res.SpeakersDetected)
	case diarizeRequested:
		fmt.Fprintln(c.out, "  (Speaker detection unavailable)")
		if res.DiarizationError != "" {
			c.warn("Speaker detection failed: %s", res.DiarizationError)
		}
	}
	fmt.Fprintf(c.out, "  Audio duration:    %s\n", formatTime(res.AudioDuration))
	fmt.Fprintf(c.out, "  Transcription:     %s\n", formatDuration(res.TranscriptionTime))
	if res.DiarizationTime != nil {
		fmt.Fprintf(c.out, "  Diarization:       %s\n", formatDuration(*res.DiarizationTime))
	}
	fmt.Fprintf(c.out, "  Total:             %s\n", formatDuration(res.TotalTime()))
	if ratio := res.SpeedRatio(); ratio > 0 {
		fmt.Fprintf(c.out, "  Speed ratio:       %.1fx faster than real-time\n", ratio)
	}
	fmt.Fprintf(c.out, "  Output:            %s\n", res.OutputPath)
}

// formatTime renders seconds as M:SS, or H:MM:SS past an hour.
func formatTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// progressLine redraws a single status line while a job runs.
type progressLine struct {
	w       io.Writer
	enabled bool
	drawn   bool
}

func newProgressLine(w io.Writer, enabled bool) *progressLine {
	return &progressLine{w: w, enabled: enabled}
}

func (p *progressLine) update(phase string, percent float64) {
	if !p.enabled {
		return
	}
	p.drawn = true
	fmt.Fprintf(p.w, "\r\033[K%-28s %5.1f%%", phase, percent)
}

func (p *progressLine) done() {
	if p.drawn {
		fmt.Fprint(p.w, "\r\033[K")
	}
}
