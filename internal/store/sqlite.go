package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

// sqliteTime is fixed-width so that TEXT comparison orders like time.
const sqliteTime = "2006-01-02T15:04:05.000000Z"

// SQLite is the modernc.org/sqlite backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("sqlite: mkdir %s: %w", dir, err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: run migrations: %w", err)
	}
	slog.Debug("sqlite store opened", slog.String("path", path))
	return s, nil
}

func (s *SQLite) runMigrations(ctx context.Context) error {
	names, bodies, err := migrations("sqlite")
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, bodies[name]); err != nil {
			return fmt.Errorf("execute %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTime) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (s *SQLite) GetProject(ctx context.Context, id int64) (engine.Project, error) {
	var p engine.Project
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, is_active, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.UserID, &p.Name, &p.IsActive, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("get project: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return p, nil
}

func (s *SQLite) CreateProject(ctx context.Context, p engine.Project) (int64, error) {
	now := fmtTime(time.Now())
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO projects (user_id, name, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		p.UserID, p.Name, p.IsActive, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create project: %w", err)
	}
	return id, nil
}

func (s *SQLite) ListSources(ctx context.Context, projectID int64, t engine.SourceType, activeOnly bool) ([]engine.Source, error) {
	types := []engine.SourceType{engine.SourceCompetitor, engine.SourceHashtag}
	if t != "" {
		types = []engine.SourceType{t}
	}
	var out []engine.Source
	for _, st := range types {
		table, col, err := sourceTable(st)
		if err != nil {
			return nil, err
		}
		extra := `'', ''`
		if st == engine.SourceCompetitor {
			extra = `COALESCE(full_name, ''), COALESCE(profile_url, '')`
		}
		q := fmt.Sprintf(`SELECT id, project_id, %s, %s, is_active, last_scraped_at
			FROM %s WHERE project_id = ?`, col, extra, table)
		if activeOnly {
			q += ` AND is_active = 1`
		}
		q += ` ORDER BY id`

		rows, err := s.db.QueryContext(ctx, q, projectID)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", table, err)
		}
		for rows.Next() {
			src := engine.Source{Type: st}
			var scraped sql.NullString
			if err := rows.Scan(&src.ID, &src.ProjectID, &src.Value, &src.FullName, &src.ProfileURL,
				&src.IsActive, &scraped); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", table, err)
			}
			src.LastScrapedAt = parseNullTime(scraped)
			out = append(out, src)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", table, err)
		}
	}
	return out, nil
}

func (s *SQLite) AddSource(ctx context.Context, src engine.Source) (int64, error) {
	now := fmtTime(time.Now())
	var (
		id  int64
		err error
	)
	switch src.Type {
	case engine.SourceCompetitor:
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO competitors (project_id, username, full_name, profile_url, is_active, created_at)
			 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
			src.ProjectID, src.Value, nullIfEmpty(src.FullName), nullIfEmpty(src.ProfileURL), src.IsActive, now,
		).Scan(&id)
	case engine.SourceHashtag:
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO hashtags (project_id, tag_name, is_active, created_at)
			 VALUES (?, ?, ?, ?) RETURNING id`,
			src.ProjectID, src.Value, src.IsActive, now,
		).Scan(&id)
	default:
		return 0, fmt.Errorf("add source: unknown source type %q", src.Type)
	}
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("source %s %q: %w", src.Type, src.Value, ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("add source: %w", err)
	}
	return id, nil
}

func (s *SQLite) MarkSourceScraped(ctx context.Context, src engine.Source, at time.Time) error {
	table, _, err := sourceTable(src.Type)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET last_scraped_at = ? WHERE id = ?`, table),
		fmtTime(at), src.ID)
	if err != nil {
		return fmt.Errorf("mark %s scraped: %w", table, err)
	}
	return nil
}

func (s *SQLite) PostExists(ctx context.Context, url string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reels WHERE reel_url = ?`, url).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("post exists: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) InsertPost(ctx context.Context, p *engine.Post) (int64, error) {
	now := time.Now()
	var raw any
	if len(p.RawData) > 0 {
		raw = string(p.RawData)
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO reels (project_id, reel_url, source_type, source_identifier, profile_url,
			author_username, description, views_count, likes_count, comments_count, published_at,
			audio_title, audio_artist, thumbnail_url, video_url, transcript, raw_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (reel_url) DO NOTHING
		 RETURNING id`,
		p.ProjectID, p.URL, string(p.SourceType), p.SourceID, nullIfEmpty(p.ProfileURL),
		nullIfEmpty(p.Author), nullIfEmpty(p.Description), p.Views, p.Likes, p.Comments, fmtTimePtr(p.PublishedAt),
		nullIfEmpty(p.AudioTitle), nullIfEmpty(p.AudioArtist), nullIfEmpty(p.ThumbnailURL), nullIfEmpty(p.VideoURL),
		nullIfEmpty(p.Transcript), raw, fmtTime(now), fmtTime(now),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert post: %w", err)
	}
	p.ID = id
	p.CreatedAt, p.UpdatedAt = now, now
	return id, nil
}

func (s *SQLite) ListPosts(ctx context.Context, q PostQuery) ([]engine.Post, error) {
	var (
		where []string
		args  []any
	)
	if q.ProjectID != 0 {
		where = append(where, "project_id = ?")
		args = append(args, q.ProjectID)
	}
	if q.MinViews > 0 {
		where = append(where, "views_count >= ?")
		args = append(args, q.MinViews)
	}
	if q.PublishedAfter != nil {
		where = append(where, "(published_at IS NULL OR published_at >= ?)")
		args = append(args, fmtTime(*q.PublishedAfter))
	}
	if q.HasVideo {
		where = append(where, "COALESCE(video_url, '') <> ''")
	}

	query := `SELECT id, project_id, reel_url, source_type, source_identifier,
		COALESCE(profile_url, ''), COALESCE(author_username, ''), COALESCE(description, ''),
		views_count, likes_count, comments_count, published_at,
		COALESCE(audio_title, ''), COALESCE(audio_artist, ''), COALESCE(thumbnail_url, ''),
		COALESCE(video_url, ''), COALESCE(transcript, ''), created_at, updated_at
		FROM reels`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY views_count DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var out []engine.Post
	for rows.Next() {
		var (
			p                engine.Post
			srcType          string
			published        sql.NullString
			created, updated string
		)
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.URL, &srcType, &p.SourceID,
			&p.ProfileURL, &p.Author, &p.Description,
			&p.Views, &p.Likes, &p.Comments, &published,
			&p.AudioTitle, &p.AudioArtist, &p.ThumbnailURL,
			&p.VideoURL, &p.Transcript, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.SourceType = engine.SourceType(srcType)
		p.PublishedAt = parseNullTime(published)
		p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateTranscript(ctx context.Context, postID int64, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reels SET transcript = ?, updated_at = ? WHERE id = ?`,
		text, fmtTime(time.Now()), postID)
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post %d: %w", postID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) CreateRun(ctx context.Context, r *engine.Run) (int64, error) {
	details, err := marshalDetails(r.ErrorDetails)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO parsing_runs (run_id, project_id, source_type, source_id, status, started_at,
			found_count, added_count, errors_count, log_message, error_details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		r.RunID, r.ProjectID, nullIfEmpty(r.SourceType), r.SourceID, string(r.Status), fmtTime(r.StartedAt),
		r.Found, r.Added, r.Errors, nullIfEmpty(r.LogMessage), details,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	r.ID = id
	return id, nil
}

func (s *SQLite) UpdateRun(ctx context.Context, r *engine.Run) error {
	details, err := marshalDetails(r.ErrorDetails)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE parsing_runs SET status = ?, ended_at = ?, found_count = ?, added_count = ?,
			errors_count = ?, log_message = ?, error_details = ?
		 WHERE run_id = ?`,
		string(r.Status), fmtTimePtr(r.EndedAt), r.Found, r.Added, r.Errors,
		nullIfEmpty(r.LogMessage), details, r.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", r.RunID, ErrNotFound)
	}
	return nil
}

// GetRun loads a run by its opaque id.
func (s *SQLite) GetRun(ctx context.Context, runID string) (engine.Run, error) {
	var (
		r                 engine.Run
		srcType, log, det sql.NullString
		srcID             sql.NullInt64
		started           string
		ended             sql.NullString
		status            string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, project_id, source_type, source_id, status, started_at, ended_at,
			found_count, added_count, errors_count, log_message, error_details
		 FROM parsing_runs WHERE run_id = ?`, runID,
	).Scan(&r.ID, &r.RunID, &r.ProjectID, &srcType, &srcID, &status, &started, &ended,
		&r.Found, &r.Added, &r.Errors, &log, &det)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("get run: %w", err)
	}
	r.SourceType = srcType.String
	if srcID.Valid {
		r.SourceID = &srcID.Int64
	}
	r.Status = engine.RunStatus(status)
	r.StartedAt = parseTime(started)
	r.EndedAt = parseNullTime(ended)
	r.LogMessage = log.String
	if det.Valid && det.String != "" {
		if err := json.Unmarshal([]byte(det.String), &r.ErrorDetails); err != nil {
			return r, fmt.Errorf("decode error details: %w", err)
		}
	}
	return r, nil
}

// marshalDetails encodes run error details; nil stays NULL.
func marshalDetails(d []engine.ErrorDetail) (any, error) {
	if len(d) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode error details: %w", err)
	}
	return string(b), nil
}
