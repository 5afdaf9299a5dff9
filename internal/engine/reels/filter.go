package reels

import (
	"sort"
	"time"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

// Reasons reported by ShouldIngest.
const (
	ReasonOK        = "ok"
	ReasonDuplicate = "already exists"
	ReasonTooOld    = "too old"
	ReasonLowViews  = "below view threshold"
)

// IngestFilter decides which normalized posts are persisted.
// MaxAgeDays <= 0 disables the recency check.
type IngestFilter struct {
	MinViews   int64
	MaxAgeDays int
}

// Allow reports whether p passes the recency and popularity thresholds at now.
// A post without a publication time passes the recency check.
func (f IngestFilter) Allow(p *engine.Post, now time.Time) (bool, string) {
	if f.MaxAgeDays > 0 && p.PublishedAt != nil {
		cutoff := now.AddDate(0, 0, -f.MaxAgeDays)
		if p.PublishedAt.Before(cutoff) {
			return false, ReasonTooOld
		}
	}
	if p.Views < f.MinViews {
		return false, ReasonLowViews
	}
	return true, ReasonOK
}

// KnownURLs answers whether a URL is already stored. It is a hint only;
// the store's unique index stays authoritative.
type KnownURLs interface {
	Has(url string) bool
}

// Decision is the outcome of ShouldIngest.
type Decision struct {
	Ingest bool
	Reason string
}

// ShouldIngest combines the dedup pre-check with the filter.
func ShouldIngest(p *engine.Post, known KnownURLs, f IngestFilter, now time.Time) Decision {
	if known != nil && known.Has(p.URL) {
		return Decision{Ingest: false, Reason: ReasonDuplicate}
	}
	ok, reason := f.Allow(p, now)
	return Decision{Ingest: ok, Reason: reason}
}

// TranscribeFilter selects stored posts for transcription.
// Limit <= 0 means no cap.
type TranscribeFilter struct {
	MinViews   int64
	MaxAgeDays int
	Limit      int
}

// Eligible reports whether p may be transcribed: it passes the thresholds, has a
// direct video URL and has no real transcript yet.
func (f TranscribeFilter) Eligible(p *engine.Post, now time.Time) bool {
	if p.VideoURL == "" {
		return false
	}
	if IsRealTranscript(p.Transcript) {
		return false
	}
	ok, _ := IngestFilter{MinViews: f.MinViews, MaxAgeDays: f.MaxAgeDays}.Allow(p, now)
	return ok
}

// SelectForTranscription returns the eligible posts ordered by views descending,
// ties kept in input order, truncated to f.Limit.
func SelectForTranscription(posts []engine.Post, f TranscribeFilter, now time.Time) []engine.Post {
	out := make([]engine.Post, 0, len(posts))
	for i := range posts {
		if f.Eligible(&posts[i], now) {
			out = append(out, posts[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Views > out[j].Views
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
