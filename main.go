// go_reels: harvest Instagram reels for a project, then transcribe the viral ones.
//
// Usage:
//
//	go_reels [flags] harvest <project_id> <apify_token> [max_age] [limit] [min_views]
//	go_reels [flags] transcribe <project_id> [min_views] [max_age_days] [limit]
//	go_reels [flags] run <project_id> <apify_token> [max_age] [limit] [min_views]
//
// Configuration comes from the environment (optionally a .env file).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/anatolykoptev/go_reels/internal/engine"
	"github.com/anatolykoptev/go_reels/internal/pipeline"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}
	setupLogger(os.Getenv("LOG_LEVEL"))

	fs := flag.NewFlagSet("go_reels", flag.ExitOnError)
	profile := fs.String("profile", "", "threshold profile name from FILTER_PROFILES")
	language := fs.String("language", "", "transcription language hint (\"auto\" to detect)")
	sources := fs.String("sources", "all", "source types to harvest: competitors|hashtags|all")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg := loadConfig()
	inv, err := parseInvocation(fs.Args(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		fs.Usage()
		os.Exit(2)
	}
	inv.Language = *language
	if inv.SourceType, err = parseSourceType(*sources); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if inv.Thresholds, err = resolveThresholds(cfg, *profile, inv.Overrides); err != nil {
		slog.Error("threshold profile", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting go_reels",
		slog.String("version", version),
		slog.String("command", inv.Command),
		slog.Int64("project_id", inv.ProjectID),
	)

	code := 0
	if err := execute(ctx, cfg, inv); err != nil {
		if errors.Is(err, pipeline.ErrSetup) {
			slog.Error("setup failed", slog.Any("error", err))
		} else {
			slog.Error("run failed", slog.Any("error", err))
		}
		code = 1
	}
	slog.Debug("metrics", slog.String("counters", engine.FormatMetrics()))
	stop()
	os.Exit(code)
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

const usage = `usage: go_reels [flags] <command> <project_id> [args...]

commands:
  harvest    <project_id> <apify_token> [max_age] [limit] [min_views]
  transcribe <project_id> [min_views] [max_age_days] [limit]
  run        <project_id> <apify_token> [max_age] [limit] [min_views]

max_age accepts days ("14", "14d") or months ("2m").
apify_token "-" uses APIFY_TOKEN from the environment.

flags:`
