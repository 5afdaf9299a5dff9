package engine

import (
	"time"
)

// Config holds all pipeline configuration, injected from main.
type Config struct {
	DatabaseURL string
	RedisURL    string
	ScratchDir  string

	CacheTTL        time.Duration
	CacheMaxEntries int

	ApifyToken        string
	ApifyBaseURL      string
	ApifyActor        string
	ApifyPollInterval time.Duration
	ApifyPollAttempts int
	ApifyProxyGroups  []string

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	WhisperModel       string
	TranscribeLanguage string
	TranscribeTimeout  time.Duration

	FFmpegPath      string
	FFmpegTimeout   time.Duration
	AudioSampleRate int

	YtDLPPath        string
	DownloadTimeout  time.Duration
	DownloadAttempts int
	DownloadBackoff  time.Duration
	MinVideoBytes    int64
	WebshareAPIKey   string

	// Pauses between sources and between posts; both phases process items one at a time.
	SourceDelay time.Duration
	PostDelay   time.Duration

	Thresholds Thresholds

	TelegramBotToken string
	TelegramChatID   int64
}

// Thresholds are the tunable ingest and transcription filter values.
type Thresholds struct {
	MinViews             int64 `yaml:"min_views"`
	MaxAgeDays           int   `yaml:"max_age_days"`
	ResultsLimit         int   `yaml:"results_limit"`
	TranscribeMinViews   int64 `yaml:"transcribe_min_views"`
	TranscribeMaxAgeDays int   `yaml:"transcribe_max_age_days"`
	TranscribeLimit      int   `yaml:"transcribe_limit"`
}

// DefaultThresholds mirrors the "viral refresh" defaults.
var DefaultThresholds = Thresholds{
	MinViews:             50000,
	MaxAgeDays:           14,
	ResultsLimit:         100,
	TranscribeMinViews:   100000,
	TranscribeMaxAgeDays: 30,
	TranscribeLimit:      20,
}

// withDefaults fills zero fields of t from d.
func (t Thresholds) withDefaults(d Thresholds) Thresholds {
	if t.MinViews == 0 {
		t.MinViews = d.MinViews
	}
	if t.MaxAgeDays == 0 {
		t.MaxAgeDays = d.MaxAgeDays
	}
	if t.ResultsLimit == 0 {
		t.ResultsLimit = d.ResultsLimit
	}
	if t.TranscribeMinViews == 0 {
		t.TranscribeMinViews = d.TranscribeMinViews
	}
	if t.TranscribeMaxAgeDays == 0 {
		t.TranscribeMaxAgeDays = d.TranscribeMaxAgeDays
	}
	if t.TranscribeLimit == 0 {
		t.TranscribeLimit = d.TranscribeLimit
	}
	return t
}
