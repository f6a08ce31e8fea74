package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cesar/internal/bootstrap"
	"cesar/internal/config"
	"cesar/internal/domain"
)

const usage = `Usage: cesar <command> [options]

Commands:
  serve                    run the HTTP API and background worker
  transcribe <file|url>    transcribe one file or URL in the foreground
  models                   list model sizes and local cache state
  init-config [path]       write a commented config file (default cesar.yaml)

The config file is read from $CESAR_CONFIG or ./cesar.yaml.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "transcribe":
		return runTranscribe(ctx, args[1:], stdout, stderr)
	case "models":
		return runModels(stdout)
	case "init-config":
		return runInitConfig(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "cesar: unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen address (overrides listen_addr)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Loader{}.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	logger := newLogger(cfg.LogLevel, os.Stdout)
	logger.Info("starting cesar",
		"listen_addr", cfg.ListenAddr,
		"backend", cfg.Backend,
		"model", cfg.ModelSize,
		"data_dir", cfg.DataDir,
	)

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise service", "error", err)
		return 1
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}()

	if err := app.Run(ctx); err != nil {
		logger.Error("service terminated with error", "error", err)
		return 1
	}

	if snapshot := app.Telemetry.Snapshot(); snapshot.TotalJobs > 0 {
		logger.Info("telemetry totals",
			"total_jobs", snapshot.TotalJobs,
			"completed_jobs", snapshot.CompletedJobs,
			"partial_jobs", snapshot.PartialJobs,
			"failed_jobs", snapshot.FailedJobs,
			"audio_seconds", snapshot.AudioSeconds,
		)
	}
	return 0
}

type transcribeFlags struct {
	output           string
	model            string
	diarize          bool
	minSpeakers      int
	maxSpeakers      int
	keepIntermediate bool
	quiet            bool
}

// parseTranscribeArgs accepts the source before, after or between flags.
func parseTranscribeArgs(args []string, defaults config.Config, stderr io.Writer) (string, transcribeFlags, error) {
	f := transcribeFlags{
		model:       defaults.ModelSize,
		diarize:     defaults.Diarize,
		minSpeakers: domain.Deref(defaults.MinSpeakers),
		maxSpeakers: domain.Deref(defaults.MaxSpeakers),
	}
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.output, "o", "", "output path (.md when speakers are labeled, .txt otherwise)")
	fs.StringVar(&f.output, "output", "", "output path")
	fs.StringVar(&f.model, "model", f.model, "model size: "+strings.Join(domain.ModelSizes, "|"))
	fs.BoolVar(&f.diarize, "diarize", f.diarize, "label speakers (needs a HuggingFace token)")
	fs.IntVar(&f.minSpeakers, "min-speakers", f.minSpeakers, "minimum expected speakers (0 = auto)")
	fs.IntVar(&f.maxSpeakers, "max-speakers", f.maxSpeakers, "maximum expected speakers (0 = auto)")
	fs.BoolVar(&f.keepIntermediate, "keep-intermediate", false, "also write the raw diarization JSON")
	fs.BoolVar(&f.quiet, "quiet", false, "print only the output path")

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return "", f, err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}

	if len(positional) != 1 {
		return "", f, errors.New("expected exactly one input file or URL")
	}
	if f.output == "" {
		return "", f, errors.New("-o/--output is required")
	}
	return positional[0], f, nil
}

func speakerBound(n int) *int {
	if n <= 0 {
		return nil
	}
	return domain.Ptr(n)
}

func runTranscribe(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	con := newConsole(stdout, stderr)

	cfg, err := config.Loader{}.Load()
	if err != nil {
		con.fail("Configuration error: %v", err)
		return 1
	}
	source, f, err := parseTranscribeArgs(args, cfg, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			con.fail("%v", err)
		}
		return 2
	}

	level := "warn"
	if strings.EqualFold(cfg.LogLevel, "debug") {
		level = "debug"
	}
	logger := newLogger(level, stderr)

	if !f.quiet {
		con.info("Transcribing %s with model %s", source, f.model)
	}
	progress := newProgressLine(stderr, con.color && !f.quiet)
	res, err := bootstrap.NewOneShot(cfg, logger).Run(ctx, bootstrap.TranscribeRequest{
		Source:           source,
		Output:           f.output,
		ModelSize:        f.model,
		Diarize:          f.diarize,
		MinSpeakers:      speakerBound(f.minSpeakers),
		MaxSpeakers:      speakerBound(f.maxSpeakers),
		KeepIntermediate: f.keepIntermediate,
		OnProgress:       progress.update,
	})
	progress.done()
	if err != nil {
		con.fail("%s", describeError(err))
		return 1
	}

	if f.quiet {
		fmt.Fprintf(stdout, "Transcription completed: %s\n", res.OutputPath)
		return 0
	}
	con.summary(res, f.diarize)
	return 0
}

// describeError prefixes errors with the failing area for the terminal.
func describeError(err error) string {
	switch kind := domain.KindOf(err); {
	case kind == domain.KindAuth:
		return "Authentication error: " + err.Error()
	case kind == domain.KindDiarization:
		return "Speaker detection failed: " + err.Error()
	case domain.IsDownloadKind(kind):
		return "Download error: " + err.Error()
	default:
		return "Error: " + err.Error()
	}
}

func runModels(stdout io.Writer) int {
	hub := bootstrap.HubCacheDir(os.Getenv, os.UserHomeDir)
	for _, model := range bootstrap.Models(hub) {
		state := "not downloaded"
		if model.Cached {
			state = "cached at " + model.LocalPath
		}
		fmt.Fprintf(stdout, "%-7s %-9s %-32s %s\n", model.Size, model.SizeLabel, model.Repo, state)
	}
	return 0
}

func runInitConfig(args []string, stdout, stderr io.Writer) int {
	path := config.DefaultFileName
	if v, ok := os.LookupEnv("CESAR_CONFIG"); ok && strings.TrimSpace(v) != "" {
		path = strings.TrimSpace(v)
	}
	if len(args) > 0 {
		path = args[0]
	}

	wrote, err := config.NewFileStore(path).WriteDefault()
	if err != nil {
		fmt.Fprintf(stderr, "cesar: write config %s: %v\n", path, err)
		return 1
	}
	if !wrote {
		fmt.Fprintf(stdout, "Config already exists: %s\n", path)
		return 0
	}
	fmt.Fprintf(stdout, "Wrote %s\n", path)
	return 0
}

func newLogger(level string, w io.Writer) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(value string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
