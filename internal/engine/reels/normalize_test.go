package reels

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

var testSource = engine.Source{ID: 7, ProjectID: 3, Type: engine.SourceCompetitor, Value: "someone"}

func decodeRaw(t *testing.T, s string) engine.RawPost {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var raw engine.RawPost
	require.NoError(t, dec.Decode(&raw))
	return raw
}

func TestNormalizeBasic(t *testing.T) {
	raw := decodeRaw(t, `{
		"url": "https://ig/reel/A",
		"videoPlayCount": 60000,
		"likesCount": 1200,
		"commentsCount": 33,
		"timestamp": "2025-01-01T00:00:00.000Z",
		"ownerUsername": "someone",
		"caption": "hello",
		"displayUrl": "https://cdn/thumb.jpg",
		"videoUrl": "https://cdn/video.mp4",
		"inputUrl": "https://www.instagram.com/someone",
		"musicInfo": {"song_name": "Song", "artist_name": "Artist"},
		"type": "Video"
	}`)

	p := Normalize(raw, testSource)
	require.NotNil(t, p)
	assert.Equal(t, "https://ig/reel/A", p.URL)
	assert.Equal(t, int64(60000), p.Views)
	assert.Equal(t, int64(1200), p.Likes)
	assert.Equal(t, int64(33), p.Comments)
	require.NotNil(t, p.PublishedAt)
	assert.True(t, p.PublishedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "someone", p.Author)
	assert.Equal(t, "hello", p.Description)
	assert.Equal(t, "https://cdn/thumb.jpg", p.ThumbnailURL)
	assert.Equal(t, "https://cdn/video.mp4", p.VideoURL)
	assert.Equal(t, "https://www.instagram.com/someone", p.ProfileURL)
	assert.Equal(t, "Song", p.AudioTitle)
	assert.Equal(t, "Artist", p.AudioArtist)
	assert.Equal(t, int64(3), p.ProjectID)
	assert.Equal(t, engine.SourceCompetitor, p.SourceType)
	assert.Equal(t, "7", p.SourceID)
	assert.NotEmpty(t, p.RawData)
}

func TestNormalizeViewAliases(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int64
	}{
		{"play count", `{"url":"u","videoPlayCount":5}`, 5},
		{"view count", `{"url":"u","videoViewCount":6}`, 6},
		{"generic", `{"url":"u","viewCount":7}`, 7},
		{"first present wins", `{"url":"u","videoPlayCount":1,"videoViewCount":9}`, 1},
		{"null skipped", `{"url":"u","videoPlayCount":null,"videoViewCount":9}`, 9},
		{"numeric string", `{"url":"u","viewCount":"42"}`, 42},
		{"float", `{"url":"u","viewCount":42.0}`, 42},
		{"missing", `{"url":"u"}`, 0},
		{"garbage skipped", `{"url":"u","videoPlayCount":"n/a","viewCount":3}`, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Normalize(decodeRaw(t, tt.raw), testSource)
			require.NotNil(t, p)
			assert.Equal(t, tt.want, p.Views)
		})
	}
}

func TestNormalizeDropsMissingURL(t *testing.T) {
	for _, raw := range []string{
		`{"videoPlayCount": 99999}`,
		`{"url": null, "videoPlayCount": 99999}`,
		`{"url": "   ", "videoPlayCount": 99999}`,
		`{"url": 12345}`,
	} {
		assert.Nil(t, Normalize(decodeRaw(t, raw), testSource), raw)
	}
}

func TestNormalizeTimestamps(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want *time.Time
	}{
		{"rfc3339", `{"url":"u","timestamp":"2025-03-04T05:06:07Z"}`, ptrTime(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC))},
		{"offset", `{"url":"u","timestamp":"2025-03-04T08:06:07+03:00"}`, ptrTime(time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC))},
		{"epoch seconds", `{"url":"u","takenAt":1735689600}`, ptrTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))},
		{"epoch millis", `{"url":"u","takenAt":1735689600000}`, ptrTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))},
		{"garbage", `{"url":"u","timestamp":"yesterday"}`, nil},
		{"missing", `{"url":"u"}`, nil},
		{"null", `{"url":"u","timestamp":null}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Normalize(decodeRaw(t, tt.raw), testSource)
			require.NotNil(t, p)
			if tt.want == nil {
				assert.Nil(t, p.PublishedAt)
				return
			}
			require.NotNil(t, p.PublishedAt)
			assert.True(t, tt.want.Equal(*p.PublishedAt), "got %v", p.PublishedAt)
		})
	}
}

func TestNormalizeVideoHints(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		keep bool
	}{
		{"no hints", `{"url":"u"}`, true},
		{"type video", `{"url":"u","type":"Video"}`, true},
		{"clips", `{"url":"u","type":"Sidecar","productType":"clips"}`, true},
		{"isVideo", `{"url":"u","isVideo":true}`, true},
		{"image", `{"url":"u","type":"Image"}`, false},
		{"sidecar", `{"url":"u","type":"Sidecar","isVideo":false}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Normalize(decodeRaw(t, tt.raw), testSource)
			assert.Equal(t, tt.keep, p != nil)
		})
	}
}

func TestNormalizeStripsFragment(t *testing.T) {
	p := Normalize(decodeRaw(t, `{"url":" https://ig/reel/B/#comments "}`), testSource)
	require.NotNil(t, p)
	assert.Equal(t, "https://ig/reel/B/", p.URL)
}

func ptrTime(t time.Time) *time.Time { return &t }
