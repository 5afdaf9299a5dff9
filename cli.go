package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/fatih/color"

	"github.com/anatolykoptev/go_reels/internal/dedupe"
	"github.com/anatolykoptev/go_reels/internal/engine"
	"github.com/anatolykoptev/go_reels/internal/engine/apify"
	"github.com/anatolykoptev/go_reels/internal/engine/media"
	"github.com/anatolykoptev/go_reels/internal/engine/reels"
	"github.com/anatolykoptev/go_reels/internal/engine/speech"
	"github.com/anatolykoptev/go_reels/internal/notify"
	"github.com/anatolykoptev/go_reels/internal/pipeline"
	"github.com/anatolykoptev/go_reels/internal/store"
)

const (
	cmdHarvest    = "harvest"
	cmdTranscribe = "transcribe"
	cmdRun        = "run"
)

// invocation is one parsed command line.
type invocation struct {
	Command    string
	ProjectID  int64
	Token      string
	Language   string
	SourceType engine.SourceType
	Overrides  overrides
	Thresholds engine.Thresholds
}

// overrides holds the positional threshold arguments; nil means not given.
type overrides struct {
	MinViews             *int64
	MaxAgeDays           *int
	ResultsLimit         *int
	TranscribeMinViews   *int64
	TranscribeMaxAgeDays *int
	TranscribeLimit      *int
}

func (o overrides) apply(t engine.Thresholds) engine.Thresholds {
	if o.MinViews != nil {
		t.MinViews = *o.MinViews
	}
	if o.MaxAgeDays != nil {
		t.MaxAgeDays = *o.MaxAgeDays
	}
	if o.ResultsLimit != nil {
		t.ResultsLimit = *o.ResultsLimit
	}
	if o.TranscribeMinViews != nil {
		t.TranscribeMinViews = *o.TranscribeMinViews
	}
	if o.TranscribeMaxAgeDays != nil {
		t.TranscribeMaxAgeDays = *o.TranscribeMaxAgeDays
	}
	if o.TranscribeLimit != nil {
		t.TranscribeLimit = *o.TranscribeLimit
	}
	return t
}

// parseInvocation validates the positional arguments. cfg supplies the token
// fallback when the token argument is omitted or "-".
func parseInvocation(args []string, cfg engine.Config) (invocation, error) {
	var inv invocation
	if len(args) < 2 {
		return inv, errors.New("command and project_id are required")
	}
	inv.Command = args[0]
	pid, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || pid <= 0 {
		return inv, fmt.Errorf("invalid project_id %q", args[1])
	}
	inv.ProjectID = pid
	rest := args[2:]

	switch inv.Command {
	case cmdHarvest, cmdRun:
		inv.Token = cfg.ApifyToken
		if len(rest) > 0 {
			if rest[0] != "-" {
				inv.Token = rest[0]
			}
			rest = rest[1:]
		}
		if err := validateToken(inv.Token); err != nil {
			return inv, err
		}
		if len(rest) > 3 {
			return inv, fmt.Errorf("%s: too many arguments", inv.Command)
		}
		if len(rest) > 0 {
			days, err := parseLookback(rest[0])
			if err != nil {
				return inv, err
			}
			inv.Overrides.MaxAgeDays = &days
		}
		if len(rest) > 1 {
			n, err := parseCount("limit", rest[1])
			if err != nil {
				return inv, err
			}
			inv.Overrides.ResultsLimit = &n
		}
		if len(rest) > 2 {
			v, err := parseViews(rest[2])
			if err != nil {
				return inv, err
			}
			inv.Overrides.MinViews = &v
		}
	case cmdTranscribe:
		if len(rest) > 3 {
			return inv, errors.New("transcribe: too many arguments")
		}
		if len(rest) > 0 {
			v, err := parseViews(rest[0])
			if err != nil {
				return inv, err
			}
			inv.Overrides.TranscribeMinViews = &v
		}
		if len(rest) > 1 {
			days, err := parseLookback(rest[1])
			if err != nil {
				return inv, err
			}
			inv.Overrides.TranscribeMaxAgeDays = &days
		}
		if len(rest) > 2 {
			n, err := parseCount("limit", rest[2])
			if err != nil {
				return inv, err
			}
			inv.Overrides.TranscribeLimit = &n
		}
	default:
		return inv, fmt.Errorf("unknown command %q", inv.Command)
	}
	return inv, nil
}

func validateToken(tok string) error {
	if tok == "" {
		return errors.New("apify token is required (argument or APIFY_TOKEN)")
	}
	if strings.IndexFunc(tok, unicode.IsSpace) >= 0 {
		return errors.New("apify token is malformed")
	}
	return nil
}

// parseLookback accepts "14", "14d" or "2m" (30-day months) and returns days.
// Zero is rejected: a zero MaxAgeDays means no recency limit downstream.
func parseLookback(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := 1
	switch {
	case strings.HasSuffix(s, "m"):
		mult = 30
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "d"):
		s = strings.TrimSuffix(s, "d")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid max_age %q", s)
	}
	return n * mult, nil
}

func parseCount(name, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return n, nil
}

func parseViews(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid min_views %q", s)
	}
	return v, nil
}

func parseSourceType(s string) (engine.SourceType, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return "", nil
	case "competitors", "competitor":
		return engine.SourceCompetitor, nil
	case "hashtags", "hashtag":
		return engine.SourceHashtag, nil
	}
	return "", fmt.Errorf("invalid -sources %q (competitors|hashtags|all)", s)
}

// execute builds the dependencies for inv and runs the requested phases.
func execute(ctx context.Context, cfg engine.Config, inv invocation) error {
	bus := &engine.Bus{}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		n, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			slog.Warn("telegram notifier disabled", slog.Any("error", err))
		} else {
			bus.Subscribe(n)
			defer n.Close()
		}
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return setupError(ctx, bus, inv, inv.Command, fmt.Errorf("open store: %w", err))
	}
	defer st.Close()

	switch inv.Command {
	case cmdHarvest:
		return harvest(ctx, cfg, inv, st, bus)
	case cmdTranscribe:
		return transcribe(ctx, cfg, inv, st, bus)
	default:
		if err := harvest(ctx, cfg, inv, st, bus); err != nil {
			return err
		}
		return transcribe(ctx, cfg, inv, st, bus)
	}
}

func harvest(ctx context.Context, cfg engine.Config, inv invocation, st store.Store, bus *engine.Bus) error {
	client, err := apify.New(apify.Config{
		Token:        inv.Token,
		BaseURL:      cfg.ApifyBaseURL,
		Actor:        cfg.ApifyActor,
		PollInterval: cfg.ApifyPollInterval,
		PollAttempts: cfg.ApifyPollAttempts,
		ProxyGroups:  cfg.ApifyProxyGroups,
	})
	if err != nil {
		return setupError(ctx, bus, inv, cmdHarvest, err)
	}

	known := dedupe.New(ctx, knownURLsConfig(cfg), st)
	defer known.Close()

	h := &pipeline.Harvester{
		Store:    st,
		Scraper:  client,
		Known:    known,
		Throttle: engine.NewLimiter(cfg.SourceDelay, 1),
		Bus:      bus,
	}
	t := inv.Thresholds
	run, err := h.Run(ctx, pipeline.HarvestOptions{
		ProjectID:    inv.ProjectID,
		SourceType:   inv.SourceType,
		Filter:       reels.IngestFilter{MinViews: t.MinViews, MaxAgeDays: t.MaxAgeDays},
		ResultsLimit: t.ResultsLimit,
	})
	printSummary(cmdHarvest, run)
	return err
}

func transcribe(ctx context.Context, cfg engine.Config, inv invocation, st store.Store, bus *engine.Bus) error {
	phase := engine.RunPhaseTranscription
	tr, err := speech.New(speech.Config{
		APIKey:   cfg.OpenAIAPIKey,
		BaseURL:  cfg.OpenAIBaseURL,
		Model:    cfg.WhisperModel,
		Language: cfg.TranscribeLanguage,
		Timeout:  cfg.TranscribeTimeout,
	})
	if err != nil {
		return setupError(ctx, bus, inv, phase, err)
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return setupError(ctx, bus, inv, phase, fmt.Errorf("scratch dir: %w", err))
	}

	methods := []media.Downloader{media.YtDLP{Path: cfg.YtDLPPath, Timeout: cfg.DownloadTimeout}}
	if bc, err := engine.NewBrowserClient(int(cfg.DownloadTimeout.Seconds()), cfg.WebshareAPIKey); err != nil {
		slog.Warn("stealth downloader disabled", slog.Any("error", err))
	} else {
		methods = append(methods, media.BrowserDownloader{Client: bc})
	}
	methods = append(methods, media.NewHTTPDownloader(cfg.DownloadTimeout))

	fetcher, err := media.NewFetcher(media.FetcherConfig{
		Dir:      cfg.ScratchDir,
		Methods:  methods,
		Attempts: cfg.DownloadAttempts,
		Backoff:  cfg.DownloadBackoff,
		MinBytes: cfg.MinVideoBytes,
	})
	if err != nil {
		return setupError(ctx, bus, inv, phase, err)
	}

	r := &pipeline.TranscribeRunner{
		Store:   st,
		Fetcher: fetcher,
		Extractor: media.Extractor{
			Path:       cfg.FFmpegPath,
			SampleRate: cfg.AudioSampleRate,
			Timeout:    cfg.FFmpegTimeout,
		},
		Transcriber: tr,
		Throttle:    engine.NewLimiter(cfg.PostDelay, 1),
		Bus:         bus,
	}
	t := inv.Thresholds
	run, err := r.Run(ctx, pipeline.TranscribeOptions{
		ProjectID: inv.ProjectID,
		Filter: reels.TranscribeFilter{
			MinViews:   t.TranscribeMinViews,
			MaxAgeDays: t.TranscribeMaxAgeDays,
			Limit:      t.TranscribeLimit,
		},
		Language: inv.Language,
	})
	printSummary(cmdTranscribe, run)
	return err
}

func knownURLsConfig(cfg engine.Config) dedupe.Config {
	return dedupe.Config{
		RedisURL:   cfg.RedisURL,
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
	}
}

// setupError reports a failure found before a phase could start.
func setupError(ctx context.Context, bus *engine.Bus, inv invocation, phase string, err error) error {
	bus.Emit(ctx, engine.Event{
		Kind:      engine.EventSetupFailed,
		ProjectID: inv.ProjectID,
		Phase:     phase,
		Status:    engine.RunFailed,
		Err:       err,
	})
	return fmt.Errorf("%w: %v", pipeline.ErrSetup, err)
}

func printSummary(phase string, run engine.Run) {
	if run.RunID == "" {
		return
	}
	cyan := color.New(color.FgCyan).SprintFunc()
	statusColor := color.New(color.FgGreen).SprintFunc()
	switch run.Status {
	case engine.RunCompletedWithErrors:
		statusColor = color.New(color.FgYellow).SprintFunc()
	case engine.RunFailed:
		statusColor = color.New(color.FgRed).SprintFunc()
	}
	fmt.Printf("%s %s  found %d  added %d  errors %d  run %s\n",
		cyan(phase), statusColor(run.Status), run.Found, run.Added, run.Errors, run.RunID)
	if run.Errors > 0 && run.LogMessage != "" {
		fmt.Printf("  last error: %s\n", run.LogMessage)
	}
}
