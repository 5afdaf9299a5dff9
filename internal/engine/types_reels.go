package engine

import (
	"encoding/json"
	"time"
)

// SourceType identifies which Source variant produced a post.
type SourceType string

const (
	SourceCompetitor SourceType = "competitor"
	SourceHashtag    SourceType = "hashtag"
)

// Project is the tenant boundary owning sources and posts.
type Project struct {
	ID        int64
	UserID    string
	Name      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Source is a tracked account (competitor) or hashtag.
// Value holds the username or the bare tag name; (ProjectID, Type, Value) is unique.
type Source struct {
	ID            int64
	ProjectID     int64
	Type          SourceType
	Value         string
	ProfileURL    string // competitors only
	FullName      string // competitors only
	IsActive      bool
	LastScrapedAt *time.Time
}

// Identifier is the source_identifier stored on posts produced by s.
func (s Source) Identifier() string {
	return formatID(s.ID)
}

// RawPost is one provider-shaped dataset item, decoded with json.Number for numbers.
type RawPost map[string]any

// Post is the canonical harvested reel. URL is the global dedup key.
type Post struct {
	ID           int64
	URL          string
	ProjectID    int64
	SourceType   SourceType
	SourceID     string
	ProfileURL   string
	Author       string
	Description  string
	Views        int64
	Likes        int64
	Comments     int64
	PublishedAt  *time.Time
	AudioTitle   string
	AudioArtist  string
	ThumbnailURL string
	VideoURL     string
	Transcript   string // empty means no transcript yet
	RawData      json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
