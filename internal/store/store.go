// Package store persists projects, sources, reels and run audit records.
//
// Two backends share one contract: Postgres through pgxpool for production and
// SQLite (modernc, pure Go) for single-host use and tests. In both, the UNIQUE
// constraint on reels.reel_url is the only dedup gate; a losing racer gets ErrDuplicate.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

//go:embed schema
var schemaFS embed.FS

var (
	// ErrDuplicate is returned when a unique key (reel URL, source label) already exists.
	ErrDuplicate = errors.New("already exists")
	// ErrNotFound is returned when a lookup by id matches nothing.
	ErrNotFound = errors.New("not found")
)

// PostQuery filters ListPosts. Zero fields do not filter.
type PostQuery struct {
	ProjectID      int64
	MinViews       int64
	PublishedAfter *time.Time // posts without a publication time always match
	HasVideo       bool
	Limit          int
}

// Store is the persistence contract used by the pipeline.
type Store interface {
	GetProject(ctx context.Context, id int64) (engine.Project, error)
	CreateProject(ctx context.Context, p engine.Project) (int64, error)

	// ListSources returns sources of a project in id order. An empty t lists both variants.
	ListSources(ctx context.Context, projectID int64, t engine.SourceType, activeOnly bool) ([]engine.Source, error)
	AddSource(ctx context.Context, s engine.Source) (int64, error)
	MarkSourceScraped(ctx context.Context, s engine.Source, at time.Time) error

	PostExists(ctx context.Context, url string) (bool, error)
	// InsertPost stores p and returns its id, or ErrDuplicate if the URL is taken.
	InsertPost(ctx context.Context, p *engine.Post) (int64, error)
	// ListPosts returns matching posts ordered by views descending, then id.
	ListPosts(ctx context.Context, q PostQuery) ([]engine.Post, error)
	UpdateTranscript(ctx context.Context, postID int64, text string) error

	CreateRun(ctx context.Context, r *engine.Run) (int64, error)
	UpdateRun(ctx context.Context, r *engine.Run) error
	GetRun(ctx context.Context, runID string) (engine.Run, error)

	Close() error
}

// Open selects a backend from the URL scheme: postgres:// and postgresql:// use
// Postgres, anything else is a SQLite path (optionally prefixed with sqlite://).
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url)
	case url == "":
		return OpenSQLite(ctx, "./reels.db")
	default:
		return OpenSQLite(ctx, strings.TrimPrefix(url, "sqlite://"))
	}
}

// migrations returns the embedded .sql files of dialect in name order.
func migrations(dialect string) ([]string, map[string]string, error) {
	dir := "schema/" + dialect
	entries, err := fs.ReadDir(schemaFS, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read schema dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var names []string
	bodies := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(schemaFS, dir+"/"+e.Name())
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		names = append(names, e.Name())
		bodies[e.Name()] = string(data)
	}
	return names, bodies, nil
}

// sourceTable maps a source variant to its table and label column.
func sourceTable(t engine.SourceType) (table, column string, err error) {
	switch t {
	case engine.SourceCompetitor:
		return "competitors", "username", nil
	case engine.SourceHashtag:
		return "hashtags", "tag_name", nil
	}
	return "", "", fmt.Errorf("unknown source type %q", t)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
