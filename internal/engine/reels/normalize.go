package reels

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

// Normalize maps a raw dataset item to a canonical post attributed to src.
// Returns nil when the item has no URL or is not a video; such items are dropped, not errors.
func Normalize(raw engine.RawPost, src engine.Source) *engine.Post {
	postURL := canonicalURL(lookupString(raw, FieldURL))
	if postURL == "" {
		return nil
	}
	if !isVideo(raw) {
		return nil
	}

	p := &engine.Post{
		URL:          postURL,
		ProjectID:    src.ProjectID,
		SourceType:   src.Type,
		SourceID:     src.Identifier(),
		ProfileURL:   lookupString(raw, FieldProfileURL),
		Author:       lookupString(raw, FieldAuthor),
		Description:  lookupString(raw, FieldDescription),
		Views:        lookupInt(raw, FieldViews),
		Likes:        lookupInt(raw, FieldLikes),
		Comments:     lookupInt(raw, FieldComments),
		PublishedAt:  lookupTime(raw, FieldPublishedAt),
		AudioTitle:   lookupString(raw, FieldAudioTitle),
		AudioArtist:  lookupString(raw, FieldAudioArtist),
		ThumbnailURL: lookupString(raw, FieldThumbnail),
		VideoURL:     lookupString(raw, FieldVideoURL),
	}
	if data, err := json.Marshal(raw); err == nil {
		p.RawData = data
	}
	return p
}

// canonicalURL trims whitespace and drops the fragment.
func canonicalURL(u string) string {
	u = strings.TrimSpace(u)
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	return u
}

func isVideo(raw engine.RawPost) bool {
	hinted := false
	for _, h := range VideoHints {
		v, ok := raw[h.key]
		if !ok || v == nil {
			continue
		}
		hinted = true
		if v == h.want {
			return true
		}
	}
	return !hinted
}

// lookup returns the first present, non-null value for f.
func lookup(raw engine.RawPost, f Field, accept func(any) bool) (any, bool) {
	for _, key := range Aliases[f] {
		v, ok := dig(raw, key)
		if !ok || v == nil {
			continue
		}
		if accept != nil && !accept(v) {
			continue
		}
		return v, true
	}
	return nil, false
}

func dig(raw map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var cur any = raw
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(raw engine.RawPost, f Field) string {
	v, ok := lookup(raw, f, func(v any) bool {
		s, isStr := v.(string)
		return isStr && strings.TrimSpace(s) != ""
	})
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.(string))
}

func lookupInt(raw engine.RawPost, f Field) int64 {
	v, ok := lookup(raw, f, func(v any) bool {
		_, ok := toInt(v)
		return ok
	})
	if !ok {
		return 0
	}
	n, _ := toInt(v)
	return n
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil && !math.IsNaN(f) {
			return int64(f), true
		}
	case float64:
		if !math.IsNaN(n) {
			return int64(n), true
		}
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// lookupTime parses the first present timestamp. Unparseable values yield nil.
func lookupTime(raw engine.RawPost, f Field) *time.Time {
	v, ok := lookup(raw, f, nil)
	if !ok {
		return nil
	}
	return parseTime(v)
}

func parseTime(v any) *time.Time {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	n, ok := toInt(v)
	if !ok || n <= 0 {
		return nil
	}
	// epoch millis vs seconds
	if n > 1e12 {
		n /= 1000
	}
	t := time.Unix(n, 0).UTC()
	return &t
}
