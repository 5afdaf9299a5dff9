package main

import (
	"strconv"
	"time"

	"github.com/anatolykoptev/go-kit/env"

	"github.com/anatolykoptev/go_reels/internal/engine"
	"github.com/anatolykoptev/go_reels/internal/engine/apify"
	"github.com/anatolykoptev/go_reels/internal/engine/speech"
)

func loadConfig() engine.Config {
	d := engine.DefaultThresholds
	return engine.Config{
		DatabaseURL: env.Str("DATABASE_URL", "./reels.db"),
		RedisURL:    env.Str("REDIS_URL", ""),
		ScratchDir:  env.Str("SCRATCH_DIR", "./temp"),

		CacheTTL:        env.Duration("CACHE_TTL", 30*24*time.Hour),
		CacheMaxEntries: env.Int("CACHE_MAX_ENTRIES", 10000),

		ApifyToken:        env.Str("APIFY_TOKEN", ""),
		ApifyBaseURL:      env.Str("APIFY_BASE_URL", apify.DefaultBaseURL),
		ApifyActor:        env.Str("APIFY_ACTOR", apify.DefaultActor),
		ApifyPollInterval: env.Duration("APIFY_POLL_INTERVAL", 2*time.Second),
		ApifyPollAttempts: env.Int("APIFY_POLL_ATTEMPTS", 150),
		ApifyProxyGroups:  env.List("APIFY_PROXY_GROUPS", "RESIDENTIAL"),

		OpenAIAPIKey:       env.Str("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      env.Str("OPENAI_BASE_URL", speech.DefaultBaseURL),
		WhisperModel:       env.Str("WHISPER_MODEL", speech.DefaultModel),
		TranscribeLanguage: env.Str("TRANSCRIBE_LANGUAGE", "ru"),
		TranscribeTimeout:  env.Duration("TRANSCRIBE_TIMEOUT", 120*time.Second),

		FFmpegPath:      env.Str("FFMPEG_PATH", "ffmpeg"),
		FFmpegTimeout:   env.Duration("FFMPEG_TIMEOUT", 120*time.Second),
		AudioSampleRate: env.Int("AUDIO_SAMPLE_RATE", 16000),

		YtDLPPath:        env.Str("YTDLP_PATH", "yt-dlp"),
		DownloadTimeout:  env.Duration("DOWNLOAD_TIMEOUT", 120*time.Second),
		DownloadAttempts: env.Int("DOWNLOAD_ATTEMPTS", 3),
		DownloadBackoff:  env.Duration("DOWNLOAD_BACKOFF", 2*time.Second),
		MinVideoBytes:    int64(env.Int("MIN_VIDEO_BYTES", 1000)),
		WebshareAPIKey:   env.Str("WEBSHARE_API_KEY", ""),

		SourceDelay: env.Duration("SOURCE_DELAY", 5*time.Second),
		PostDelay:   env.Duration("POST_DELAY", 3*time.Second),

		Thresholds: engine.Thresholds{
			MinViews:             int64(env.Int("MIN_VIEWS", int(d.MinViews))),
			MaxAgeDays:           env.Int("MAX_AGE_DAYS", d.MaxAgeDays),
			ResultsLimit:         env.Int("RESULTS_LIMIT", d.ResultsLimit),
			TranscribeMinViews:   int64(env.Int("TRANSCRIBE_MIN_VIEWS", int(d.TranscribeMinViews))),
			TranscribeMaxAgeDays: env.Int("TRANSCRIBE_MAX_AGE_DAYS", d.TranscribeMaxAgeDays),
			TranscribeLimit:      env.Int("TRANSCRIBE_LIMIT", d.TranscribeLimit),
		},

		TelegramBotToken: env.Str("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   parseChatID(env.Str("TELEGRAM_CHAT_ID", "")),
	}
}

func parseChatID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// resolveThresholds layers env defaults, then the named profile, then CLI overrides.
func resolveThresholds(cfg engine.Config, profile string, o overrides) (engine.Thresholds, error) {
	t := cfg.Thresholds
	if profile != "" {
		path := env.Str("FILTER_PROFILES", "profiles.yaml")
		profiles, err := engine.LoadProfiles(path, t)
		if err != nil {
			return t, err
		}
		if t, err = profiles.Select(profile); err != nil {
			return t, err
		}
	}
	return o.apply(t), nil
}
