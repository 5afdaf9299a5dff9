package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Metrics tracks operational counters across the pipeline.
var metrics struct {
	ScrapeJobs          atomic.Int64
	ScrapeErrors        atomic.Int64
	PostsFound          atomic.Int64
	PostsAdded          atomic.Int64
	PostsDuplicate      atomic.Int64
	PostsFiltered       atomic.Int64
	Downloads           atomic.Int64
	DownloadErrors      atomic.Int64
	Extractions         atomic.Int64
	ExtractionErrors    atomic.Int64
	Transcriptions      atomic.Int64
	TranscriptionErrors atomic.Int64
}

var metricKeys = []string{
	"scrape_jobs", "scrape_errors",
	"posts_found", "posts_added", "posts_duplicate", "posts_filtered",
	"downloads", "download_errors",
	"extractions", "extraction_errors",
	"transcriptions", "transcription_errors",
}

// GetMetrics returns a snapshot of all counters.
func GetMetrics() map[string]int64 {
	return map[string]int64{
		"scrape_jobs":          metrics.ScrapeJobs.Load(),
		"scrape_errors":        metrics.ScrapeErrors.Load(),
		"posts_found":          metrics.PostsFound.Load(),
		"posts_added":          metrics.PostsAdded.Load(),
		"posts_duplicate":      metrics.PostsDuplicate.Load(),
		"posts_filtered":       metrics.PostsFiltered.Load(),
		"downloads":            metrics.Downloads.Load(),
		"download_errors":      metrics.DownloadErrors.Load(),
		"extractions":          metrics.Extractions.Load(),
		"extraction_errors":    metrics.ExtractionErrors.Load(),
		"transcriptions":       metrics.Transcriptions.Load(),
		"transcription_errors": metrics.TranscriptionErrors.Load(),
	}
}

// FormatMetrics returns metrics as "name value" lines.
func FormatMetrics() string {
	m := GetMetrics()
	var sb strings.Builder
	for _, k := range metricKeys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	return sb.String()
}

func IncrScrapeJobs()          { metrics.ScrapeJobs.Add(1) }
func IncrScrapeErrors()        { metrics.ScrapeErrors.Add(1) }
func AddPostsFound(n int)      { metrics.PostsFound.Add(int64(n)) }
func IncrPostsAdded()          { metrics.PostsAdded.Add(1) }
func IncrPostsDuplicate()      { metrics.PostsDuplicate.Add(1) }
func IncrPostsFiltered()       { metrics.PostsFiltered.Add(1) }
func IncrDownloads()           { metrics.Downloads.Add(1) }
func IncrDownloadErrors()      { metrics.DownloadErrors.Add(1) }
func IncrExtractions()         { metrics.Extractions.Add(1) }
func IncrExtractionErrors()    { metrics.ExtractionErrors.Add(1) }
func IncrTranscriptions()      { metrics.Transcriptions.Add(1) }
func IncrTranscriptionErrors() { metrics.TranscriptionErrors.Add(1) }

// TrackOperation logs a warning if an operation takes longer than threshold.
func TrackOperation(ctx context.Context, name string, threshold time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if elapsed > threshold {
		slog.Warn("slow operation", slog.String("op", name), slog.Duration("elapsed", elapsed))
	}
	return err
}
