package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Postgres is the pgxpool backend.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pgx pool and runs schema migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &Postgres{pool: pool}
	if err := db.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("postgres connected", slog.String("addr", config.ConnConfig.Host))
	return db, nil
}

func (db *Postgres) Close() error {
	db.pool.Close()
	return nil
}

func (db *Postgres) runMigrations(ctx context.Context) error {
	names, bodies, err := migrations("postgres")
	if err != nil {
		return err
	}
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	for _, name := range names {
		if _, err := conn.Exec(ctx, bodies[name]); err != nil {
			return fmt.Errorf("execute %s: %w", name, err)
		}
		slog.Debug("migration applied", slog.String("file", name))
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (db *Postgres) GetProject(ctx context.Context, id int64) (engine.Project, error) {
	var p engine.Project
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, name, is_active, created_at, updated_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.UserID, &p.Name, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (db *Postgres) CreateProject(ctx context.Context, p engine.Project) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO projects (user_id, name, is_active) VALUES ($1, $2, $3) RETURNING id`,
		p.UserID, p.Name, p.IsActive,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create project: %w", err)
	}
	return id, nil
}

func (db *Postgres) ListSources(ctx context.Context, projectID int64, t engine.SourceType, activeOnly bool) ([]engine.Source, error) {
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
			FROM %s WHERE project_id = $1`, col, extra, table)
		if activeOnly {
			q += ` AND is_active`
		}
		q += ` ORDER BY id`

		rows, err := db.pool.Query(ctx, q, projectID)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", table, err)
		}
		sources, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Source, error) {
			src := engine.Source{Type: st}
			err := row.Scan(&src.ID, &src.ProjectID, &src.Value, &src.FullName, &src.ProfileURL,
				&src.IsActive, &src.LastScrapedAt)
			return src, err
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, sources...)
	}
	return out, nil
}

func (db *Postgres) AddSource(ctx context.Context, src engine.Source) (int64, error) {
	var (
		id  int64
		err error
	)
	switch src.Type {
	case engine.SourceCompetitor:
		err = db.pool.QueryRow(ctx,
			`INSERT INTO competitors (project_id, username, full_name, profile_url, is_active)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			src.ProjectID, src.Value, nullIfEmpty(src.FullName), nullIfEmpty(src.ProfileURL), src.IsActive,
		).Scan(&id)
	case engine.SourceHashtag:
		err = db.pool.QueryRow(ctx,
			`INSERT INTO hashtags (project_id, tag_name, is_active) VALUES ($1, $2, $3) RETURNING id`,
			src.ProjectID, src.Value, src.IsActive,
		).Scan(&id)
	default:
		return 0, fmt.Errorf("add source: unknown source type %q", src.Type)
	}
	if isPgUniqueViolation(err) {
		return 0, fmt.Errorf("source %s %q: %w", src.Type, src.Value, ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("add source: %w", err)
	}
	return id, nil
}

func (db *Postgres) MarkSourceScraped(ctx context.Context, src engine.Source, at time.Time) error {
	table, _, err := sourceTable(src.Type)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET last_scraped_at = $1 WHERE id = $2`, table), at, src.ID)
	if err != nil {
		return fmt.Errorf("mark %s scraped: %w", table, err)
	}
	return nil
}

func (db *Postgres) PostExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reels WHERE reel_url = $1)`, url).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("post exists: %w", err)
	}
	return exists, nil
}

func (db *Postgres) InsertPost(ctx context.Context, p *engine.Post) (int64, error) {
	var raw any
	if len(p.RawData) > 0 {
		raw = string(p.RawData)
	}
	var (
		id      int64
		created time.Time
	)
	err := db.pool.QueryRow(ctx,
		`INSERT INTO reels (project_id, reel_url, source_type, source_identifier, profile_url,
			author_username, description, views_count, likes_count, comments_count, published_at,
			audio_title, audio_artist, thumbnail_url, video_url, transcript, raw_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17::jsonb)
		 ON CONFLICT (reel_url) DO NOTHING
		 RETURNING id, created_at`,
		p.ProjectID, p.URL, string(p.SourceType), p.SourceID, nullIfEmpty(p.ProfileURL),
		nullIfEmpty(p.Author), nullIfEmpty(p.Description), p.Views, p.Likes, p.Comments, p.PublishedAt,
		nullIfEmpty(p.AudioTitle), nullIfEmpty(p.AudioArtist), nullIfEmpty(p.ThumbnailURL), nullIfEmpty(p.VideoURL),
		nullIfEmpty(p.Transcript), raw,
	).Scan(&id, &created)
	if errors.Is(err, pgx.ErrNoRows) || isPgUniqueViolation(err) {
		return 0, ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("insert post: %w", err)
	}
	p.ID = id
	p.CreatedAt, p.UpdatedAt = created, created
	return id, nil
}

func (db *Postgres) ListPosts(ctx context.Context, q PostQuery) ([]engine.Post, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.ProjectID != 0 {
		where = append(where, "project_id = "+arg(q.ProjectID))
	}
	if q.MinViews > 0 {
		where = append(where, "views_count >= "+arg(q.MinViews))
	}
	if q.PublishedAfter != nil {
		where = append(where, "(published_at IS NULL OR published_at >= "+arg(*q.PublishedAfter)+")")
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
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	posts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Post, error) {
		var p engine.Post
		var srcType string
		err := row.Scan(&p.ID, &p.ProjectID, &p.URL, &srcType, &p.SourceID,
			&p.ProfileURL, &p.Author, &p.Description,
			&p.Views, &p.Likes, &p.Comments, &p.PublishedAt,
			&p.AudioTitle, &p.AudioArtist, &p.ThumbnailURL,
			&p.VideoURL, &p.Transcript, &p.CreatedAt, &p.UpdatedAt)
		p.SourceType = engine.SourceType(srcType)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan posts: %w", err)
	}
	return posts, nil
}

func (db *Postgres) UpdateTranscript(ctx context.Context, postID int64, text string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE reels SET transcript = $1, updated_at = now() WHERE id = $2`, text, postID)
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("post %d: %w", postID, ErrNotFound)
	}
	return nil
}

func (db *Postgres) CreateRun(ctx context.Context, r *engine.Run) (int64, error) {
	details, err := marshalDetails(r.ErrorDetails)
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.pool.QueryRow(ctx,
		`INSERT INTO parsing_runs (run_id, project_id, source_type, source_id, status, started_at,
			found_count, added_count, errors_count, log_message, error_details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb) RETURNING id`,
		r.RunID, r.ProjectID, nullIfEmpty(r.SourceType), r.SourceID, string(r.Status), r.StartedAt,
		r.Found, r.Added, r.Errors, nullIfEmpty(r.LogMessage), details,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	r.ID = id
	return id, nil
}

func (db *Postgres) UpdateRun(ctx context.Context, r *engine.Run) error {
	details, err := marshalDetails(r.ErrorDetails)
	if err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE parsing_runs SET status = $1, ended_at = $2, found_count = $3, added_count = $4,
			errors_count = $5, log_message = $6, error_details = $7::jsonb
		 WHERE run_id = $8`,
		string(r.Status), r.EndedAt, r.Found, r.Added, r.Errors,
		nullIfEmpty(r.LogMessage), details, r.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", r.RunID, ErrNotFound)
	}
	return nil
}

func (db *Postgres) GetRun(ctx context.Context, runID string) (engine.Run, error) {
	var (
		r            engine.Run
		srcType, log *string
		status       string
		details      []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, project_id, source_type, source_id, status, started_at, ended_at,
			found_count, added_count, errors_count, log_message, error_details
		 FROM parsing_runs WHERE run_id = $1`, runID,
	).Scan(&r.ID, &r.RunID, &r.ProjectID, &srcType, &r.SourceID, &status, &r.StartedAt, &r.EndedAt,
		&r.Found, &r.Added, &r.Errors, &log, &details)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("get run: %w", err)
	}
	if srcType != nil {
		r.SourceType = *srcType
	}
	if log != nil {
		r.LogMessage = *log
	}
	r.Status = engine.RunStatus(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &r.ErrorDetails); err != nil {
			return r, fmt.Errorf("decode error details: %w", err)
		}
	}
	return r, nil
}
