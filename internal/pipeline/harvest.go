package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/anatolykoptev/go_reels/internal/engine"
	"github.com/anatolykoptev/go_reels/internal/engine/apify"
	"github.com/anatolykoptev/go_reels/internal/engine/reels"
	"github.com/anatolykoptev/go_reels/internal/store"
)

// Scraper returns the raw dataset for one source.
type Scraper interface {
	Scrape(ctx context.Context, src engine.Source, opts apify.ScrapeOptions) ([]engine.RawPost, error)
}

// KnownSet is the dedup pre-check. Add is called after every stored or duplicate URL.
type KnownSet interface {
	reels.KnownURLs
	Add(ctx context.Context, url string)
}

// HarvestOptions selects what one harvest run covers.
type HarvestOptions struct {
	ProjectID    int64
	SourceType   engine.SourceType // empty = competitors and hashtags
	Filter       reels.IngestFilter
	ResultsLimit int
}

// Harvester runs the ingestion phase: scrape → normalize → dedupe → filter → store.
type Harvester struct {
	Store    store.Store
	Scraper  Scraper
	Known    KnownSet        // optional; the insert stays authoritative
	Throttle engine.Throttle // spacing between sources
	Bus      *engine.Bus
	Now      func() time.Time
}

func (h *Harvester) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Run harvests every active source of the project, one at a time. Per-source and
// per-post failures are recorded on the run; only setup problems return an error.
func (h *Harvester) Run(ctx context.Context, opts HarvestOptions) (engine.Run, error) {
	phase := string(opts.SourceType)
	if phase == "" {
		phase = "all"
	}
	if h.Store == nil || h.Scraper == nil {
		return engine.Run{}, h.setupFailed(ctx, opts.ProjectID, phase, errors.New("store and scraper are required"))
	}
	if err := checkProject(ctx, h.Store, opts.ProjectID); err != nil {
		return engine.Run{}, h.setupFailed(ctx, opts.ProjectID, phase, err)
	}

	tracker, err := StartRun(ctx, h.Store, opts.ProjectID, phase, h.Now)
	if err != nil {
		return engine.Run{}, h.setupFailed(ctx, opts.ProjectID, phase, err)
	}

	sources, err := h.Store.ListSources(ctx, opts.ProjectID, opts.SourceType, true)
	if err == nil && len(sources) == 0 {
		err = fmt.Errorf("project %d has no active sources", opts.ProjectID)
	}
	if err != nil {
		run := tracker.Fail(ctx, err)
		h.emitSetup(ctx, run.RunID, opts.ProjectID, phase, err)
		return run, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	throttle := h.Throttle
	if throttle == nil {
		throttle = engine.Unthrottled{}
	}

	for _, src := range sources {
		if err := throttle.Acquire(ctx); err != nil {
			tracker.RecordError("run", "", fmt.Errorf("interrupted: %w", err))
			break
		}
		err := safely(func() error { return h.harvestSource(ctx, tracker, src, opts) })
		throttle.Release()
		if err != nil {
			slog.Warn("source failed",
				slog.String("source_type", string(src.Type)),
				slog.String("source", src.Value),
				slog.Any("error", err),
			)
			tracker.RecordError("source", src.Value, err)
			h.Bus.Emit(ctx, engine.Event{
				Kind:      engine.EventSourceFailed,
				RunID:     tracker.ID(),
				ProjectID: opts.ProjectID,
				Phase:     phase,
				Subject:   src.Value,
				Err:       err,
			})
		}
		tracker.Flush(ctx)
	}

	run := tracker.Finish(ctx)
	h.emitFinished(ctx, run, phase)
	return run, nil
}

// harvestSource scrapes one source and ingests its posts in provider order.
func (h *Harvester) harvestSource(ctx context.Context, tracker *Tracker, src engine.Source, opts HarvestOptions) error {
	var items []engine.RawPost
	err := engine.TrackOperation(ctx, "scrape", slowScrape, func(ctx context.Context) error {
		var err error
		items, err = h.Scraper.Scrape(ctx, src, apify.ScrapeOptions{
			Limit:        opts.ResultsLimit,
			LookbackDays: opts.Filter.MaxAgeDays,
		})
		return err
	})
	if err != nil {
		return err
	}
	tracker.AddFound(len(items))
	engine.AddPostsFound(len(items))

	now := h.now()
	added := 0
	for _, raw := range items {
		post := reels.Normalize(raw, src)
		if post == nil {
			engine.IncrPostsFiltered()
			slog.Debug("dropped item without url or not a video", slog.String("source", src.Value))
			continue
		}
		ok, err := h.ingest(ctx, post, opts.Filter, now)
		if err != nil {
			tracker.RecordError("post", post.URL, err)
			continue
		}
		if ok {
			added++
			tracker.AddAdded(1)
		}
	}

	if err := h.Store.MarkSourceScraped(ctx, src, h.now()); err != nil {
		slog.Warn("mark source scraped", slog.String("source", src.Value), slog.Any("error", err))
	}
	slog.Info("source harvested",
		slog.String("source_type", string(src.Type)),
		slog.String("source", src.Value),
		slog.Int("found", len(items)),
		slog.Int("added", added),
	)
	return nil
}

// ingest applies the pre-check and filter, then inserts. It reports whether a row was added.
func (h *Harvester) ingest(ctx context.Context, post *engine.Post, f reels.IngestFilter, now time.Time) (bool, error) {
	var known reels.KnownURLs
	if h.Known != nil {
		known = h.Known
	}
	d := reels.ShouldIngest(post, known, f, now)
	if !d.Ingest {
		if d.Reason == reels.ReasonDuplicate {
			engine.IncrPostsDuplicate()
			slog.Info("already exists", slog.String("url", post.URL))
		} else {
			engine.IncrPostsFiltered()
			slog.Debug("filtered", slog.String("url", post.URL), slog.String("reason", d.Reason),
				slog.Int64("views", post.Views))
		}
		return false, nil
	}

	_, err := h.Store.InsertPost(ctx, post)
	if errors.Is(err, store.ErrDuplicate) {
		engine.IncrPostsDuplicate()
		slog.Info("already exists", slog.String("url", post.URL))
		h.remember(ctx, post.URL)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	engine.IncrPostsAdded()
	h.remember(ctx, post.URL)
	slog.Debug("post added", slog.String("url", post.URL), slog.Int64("views", post.Views))
	return true, nil
}

func (h *Harvester) remember(ctx context.Context, url string) {
	if h.Known != nil {
		h.Known.Add(ctx, url)
	}
}

func (h *Harvester) setupFailed(ctx context.Context, projectID int64, phase string, err error) error {
	h.emitSetup(ctx, "", projectID, phase, err)
	return fmt.Errorf("%w: %v", ErrSetup, err)
}

func (h *Harvester) emitSetup(ctx context.Context, runID string, projectID int64, phase string, err error) {
	slog.Error("setup failed", slog.String("phase", phase), slog.Int64("project_id", projectID), slog.Any("error", err))
	h.Bus.Emit(ctx, engine.Event{
		Kind:      engine.EventSetupFailed,
		RunID:     runID,
		ProjectID: projectID,
		Phase:     phase,
		Err:       err,
		Status:    engine.RunFailed,
	})
}

func (h *Harvester) emitFinished(ctx context.Context, run engine.Run, phase string) {
	h.Bus.Emit(ctx, finishedEvent(run, phase))
}

func finishedEvent(run engine.Run, phase string) engine.Event {
	return engine.Event{
		Kind:      engine.EventRunFinished,
		RunID:     run.RunID,
		ProjectID: run.ProjectID,
		Phase:     phase,
		Status:    run.Status,
		Found:     run.Found,
		Added:     run.Added,
		Errors:    run.Errors,
	}
}

// checkProject rejects missing and inactive projects.
func checkProject(ctx context.Context, st store.Store, id int64) error {
	p, err := st.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if !p.IsActive {
		return fmt.Errorf("project %d is inactive", id)
	}
	return nil
}

// safely runs fn, turning a panic into an error so it cannot cross a unit boundary.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
