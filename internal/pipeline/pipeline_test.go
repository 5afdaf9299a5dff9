package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_reels/internal/dedupe"
	"github.com/anatolykoptev/go_reels/internal/engine"
	"github.com/anatolykoptev/go_reels/internal/engine/apify"
	"github.com/anatolykoptev/go_reels/internal/engine/media"
	"github.com/anatolykoptev/go_reels/internal/engine/reels"
	"github.com/anatolykoptev/go_reels/internal/engine/speech"
	"github.com/anatolykoptev/go_reels/internal/store"
)

var fixedNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func openStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "reels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s store.Store, sources ...engine.Source) int64 {
	t.Helper()
	ctx := context.Background()
	pid, err := s.CreateProject(ctx, engine.Project{Name: "demo", IsActive: true})
	require.NoError(t, err)
	for _, src := range sources {
		src.ProjectID = pid
		src.IsActive = true
		_, err := s.AddSource(ctx, src)
		require.NoError(t, err)
	}
	return pid
}

func rawPosts(t *testing.T, s string) []engine.RawPost {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var out []engine.RawPost
	require.NoError(t, dec.Decode(&out))
	return out
}

type fakeScraper struct {
	mu    sync.Mutex
	items map[string][]engine.RawPost
	fail  map[string]error
	panic map[string]bool
	calls []string
}

func (f *fakeScraper) Scrape(_ context.Context, src engine.Source, _ apify.ScrapeOptions) ([]engine.RawPost, error) {
	f.mu.Lock()
	f.calls = append(f.calls, src.Value)
	f.mu.Unlock()
	if f.panic[src.Value] {
		panic("provider returned garbage")
	}
	if err := f.fail[src.Value]; err != nil {
		return nil, err
	}
	return f.items[src.Value], nil
}

type recorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *recorder) Observe(_ context.Context, e engine.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []engine.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []engine.EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newBus(rec *recorder) *engine.Bus {
	bus := &engine.Bus{}
	bus.Subscribe(rec)
	return bus
}

const someoneDataset = `[
	{"url":"https://ig/reel/A","videoPlayCount":60000,"timestamp":"2025-01-01T00:00:00Z","videoUrl":"https://cdn/A.mp4"},
	{"url":"https://ig/reel/B","videoPlayCount":10000,"timestamp":"2025-01-01T00:00:00Z"},
	{"videoPlayCount":999999}
]`

var harvestFilter = reels.IngestFilter{MinViews: 50000, MaxAgeDays: 365}

func TestHarvestIsIdempotent(t *testing.T) {
	st := openStore(t)
	pid := seed(t, st, engine.Source{Type: engine.SourceCompetitor, Value: "someone"})
	scraper := &fakeScraper{items: map[string][]engine.RawPost{"someone": rawPosts(t, someoneDataset)}}
	h := &Harvester{Store: st, Scraper: scraper, Now: clock}
	ctx := context.Background()

	run, err := h.Run(ctx, HarvestOptions{ProjectID: pid, Filter: harvestFilter, ResultsLimit: 50})
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompleted, run.Status)
	assert.Equal(t, 3, run.Found)
	assert.Equal(t, 1, run.Added)
	assert.Zero(t, run.Errors)

	run, err = h.Run(ctx, HarvestOptions{ProjectID: pid, Filter: harvestFilter, ResultsLimit: 50})
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompleted, run.Status)
	assert.Equal(t, 0, run.Added)

	posts, err := st.ListPosts(ctx, store.PostQuery{ProjectID: pid})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "https://ig/reel/A", posts[0].URL)
	assert.Equal(t, int64(60000), posts[0].Views)

	sources, err := st.ListSources(ctx, pid, "", true)
	require.NoError(t, err)
	require.NotNil(t, sources[0].LastScrapedAt)
	assert.True(t, fixedNow.Equal(*sources[0].LastScrapedAt))
}

func TestHarvestWithKnownURLs(t *testing.T) {
	st := openStore(t)
	pid := seed(t, st, engine.Source{Type: engine.SourceCompetitor, Value: "someone"})
	scraper := &fakeScraper{items: map[string][]engine.RawPost{"someone": rawPosts(t, someoneDataset)}}
	known := dedupe.New(context.Background(), dedupe.Config{}, st)
	h := &Harvester{Store: st, Scraper: scraper, Known: known, Now: clock}

	for range 3 {
		_, err := h.Run(context.Background(), HarvestOptions{ProjectID: pid, Filter: harvestFilter})
		require.NoError(t, err)
	}
	posts, err := st.ListPosts(context.Background(), store.PostQuery{ProjectID: pid})
	require.NoError(t, err)
	assert.Len(t, posts, 1)
	assert.True(t, known.Has("https://ig/reel/A"))
}

func TestHarvestSourceFailureIsIsolated(t *testing.T) {
	st := openStore(t)
	pid := seed(t, st,
		engine.Source{Type: engine.SourceCompetitor, Value: "broken"},
		engine.Source{Type: engine.SourceCompetitor, Value: "exploding"},
		engine.Source{Type: engine.SourceHashtag, Value: "marketing"},
	)
	scraper := &fakeScraper{
		items: map[string][]engine.RawPost{"marketing": rawPosts(t, someoneDataset)},
		fail:  map[string]error{"broken": fmt.Errorf("%w: run ended FAILED", apify.ErrScrapeJobFailed)},
		panic: map[string]bool{"exploding": true},
	}
	rec := &recorder{}
	h := &Harvester{Store: st, Scraper: scraper, Bus: newBus(rec), Now: clock}

	run, err := h.Run(context.Background(), HarvestOptions{ProjectID: pid, Filter: harvestFilter})
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompletedWithErrors, run.Status)
	assert.Equal(t, 2, run.Errors)
	assert.Equal(t, 1, run.Added)
	assert.Equal(t, []string{"broken", "exploding", "marketing"}, scraper.calls)

	assert.Equal(t, []engine.EventKind{
		engine.EventSourceFailed, engine.EventSourceFailed, engine.EventRunFinished,
	}, rec.kinds())

	stored, err := st.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompletedWithErrors, stored.Status)
	assert.Contains(t, stored.LogMessage, "exploding")
	require.Len(t, stored.ErrorDetails, 2)
	assert.Equal(t, "broken", stored.ErrorDetails[0].Subject)
}

func TestHarvestSetupErrors(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	t.Run("missing project", func(t *testing.T) {
		rec := &recorder{}
		h := &Harvester{Store: st, Scraper: &fakeScraper{}, Bus: newBus(rec)}
		_, err := h.Run(ctx, HarvestOptions{ProjectID: 404})
		require.ErrorIs(t, err, ErrSetup)
		assert.Equal(t, []engine.EventKind{engine.EventSetupFailed}, rec.kinds())
	})

	t.Run("no sources", func(t *testing.T) {
		pid := seed(t, st)
		h := &Harvester{Store: st, Scraper: &fakeScraper{}}
		run, err := h.Run(ctx, HarvestOptions{ProjectID: pid})
		require.ErrorIs(t, err, ErrSetup)
		assert.Equal(t, engine.RunFailed, run.Status)

		stored, err := st.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, engine.RunFailed, stored.Status)
		assert.NotNil(t, stored.EndedAt)
	})

	t.Run("inactive project", func(t *testing.T) {
		pid, err := st.CreateProject(ctx, engine.Project{Name: "paused", IsActive: false})
		require.NoError(t, err)
		h := &Harvester{Store: st, Scraper: &fakeScraper{}}
		_, err = h.Run(ctx, HarvestOptions{ProjectID: pid})
		require.ErrorIs(t, err, ErrSetup)
		assert.Contains(t, err.Error(), "inactive")
	})

	t.Run("missing scraper", func(t *testing.T) {
		h := &Harvester{Store: st}
		_, err := h.Run(ctx, HarvestOptions{ProjectID: 1})
		require.ErrorIs(t, err, ErrSetup)
	})
}

// --- transcription ---

// fileFetcher writes a fake video per call into dir. fail is keyed by direct URL.
type fileFetcher struct {
	dir     string
	fail    map[string]bool
	n       int
	targets []media.Target
}

func (f *fileFetcher) Download(_ context.Context, t media.Target) (string, error) {
	f.targets = append(f.targets, t)
	if f.fail[t.DirectURL] {
		return "", fmt.Errorf("%w: 404", media.ErrDownloadFailed)
	}
	f.n++
	p := filepath.Join(f.dir, fmt.Sprintf("video_%d.mp4", f.n))
	return p, os.WriteFile(p, make([]byte, 2048), 0o644)
}

// ffmpegStub returns an extractor whose fake ffmpeg writes the output file,
// or fails after writing a partial one.
func ffmpegStub(fail bool) media.Extractor {
	return media.Extractor{Run: func(_ context.Context, _ string, args ...string) ([]byte, error) {
		out := args[len(args)-1]
		if err := os.WriteFile(out, []byte("mp3"), 0o644); err != nil {
			return nil, err
		}
		if fail {
			return nil, errors.New("exit status 1")
		}
		return nil, nil
	}}
}

type scriptedTranscriber struct {
	results map[string]string // audio base name → text; missing = fail
	panic   bool
	order   []string
}

func (s *scriptedTranscriber) Transcribe(_ context.Context, audioPath, _ string) (string, error) {
	s.order = append(s.order, filepath.Base(audioPath))
	if s.panic {
		panic("decoder crashed")
	}
	if text, ok := s.results[filepath.Base(audioPath)]; ok {
		return text, nil
	}
	return "", fmt.Errorf("%w: empty text", speech.ErrTranscriptionFailed)
}

func insertPosts(t *testing.T, st store.Store, pid int64, views ...int64) []int64 {
	t.Helper()
	published := fixedNow.AddDate(0, 0, -3)
	var ids []int64
	for i, v := range views {
		p := &engine.Post{
			URL:         fmt.Sprintf("https://ig/reel/%d", i),
			ProjectID:   pid,
			SourceType:  engine.SourceCompetitor,
			SourceID:    "1",
			Views:       v,
			PublishedAt: &published,
			VideoURL:    fmt.Sprintf("https://cdn/%d.mp4", i),
		}
		id, err := st.InsertPost(context.Background(), p)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Empty(t, names, "scratch files left behind")
}

func transcripts(t *testing.T, st store.Store, pid int64) map[string]string {
	t.Helper()
	posts, err := st.ListPosts(context.Background(), store.PostQuery{ProjectID: pid})
	require.NoError(t, err)
	out := make(map[string]string)
	for _, p := range posts {
		out[p.URL] = p.Transcript
	}
	return out
}

var transcribeFilter = reels.TranscribeFilter{MinViews: 100, MaxAgeDays: 30, Limit: 10}

func TestTranscribeSuccessCleansUp(t *testing.T) {
	st := openStore(t)
	pid := seed(t, st)
	insertPosts(t, st, pid, 5000)
	scratch := t.TempDir()

	fetcher := &fileFetcher{dir: scratch}
	r := &TranscribeRunner{
		Store:       st,
		Fetcher:     fetcher,
		Extractor:   ffmpegStub(false),
		Transcriber: &scriptedTranscriber{results: map[string]string{"video_1.mp3": "Сегодня разберём три ошибки в рилс."}},
		Now:         clock,
	}
	run, err := r.Run(context.Background(), TranscribeOptions{ProjectID: pid, Filter: transcribeFilter})
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompleted, run.Status)
	assert.Equal(t, []media.Target{{PageURL: "https://ig/reel/0", DirectURL: "https://cdn/0.mp4"}}, fetcher.targets,
		"fetcher gets the page url for yt-dlp and the cdn link for plain downloads")
	assert.Equal(t, 1, run.Found)
	assert.Equal(t, 1, run.Added)
	assert.Equal(t, engine.RunPhaseTranscription, run.SourceType)

	assert.Equal(t, "Сегодня разберём три ошибки в рилс.", transcripts(t, st, pid)["https://ig/reel/0"])
	assertEmptyDir(t, scratch)

	// already transcribed posts are not selected again
	run, err = r.Run(context.Background(), TranscribeOptions{ProjectID: pid, Filter: transcribeFilter})
	require.NoError(t, err)
	assert.Equal(t, 0, run.Found)
}

func TestTranscribeEmptyTextKeepsTranscriptNull(t *testing.T) {
	st := openStore(t)
	pid := seed(t, st)
	insertPosts(t, st, pid, 5000)
	scratch := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": ""}`))
	}))
	defer srv.Close()
	whisper, err := speech.New(speech.Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	rec := &recorder{}
	r := &TranscribeRunner{
		Store:       st,
		Fetcher:     &fileFetcher{dir: scratch},
		Extractor:   ffmpegStub(false),
		Transcriber: whisper,
		Bus:         newBus(rec),
		Now:         clock,
	}
	run, err := r.Run(context.Background(), TranscribeOptions{ProjectID: pid, Filter: transcribeFilter})
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompletedWithErrors, run.Status)
	assert.Equal(t, 1, run.Errors)
	assert.Equal(t, 0, run.Added)
	assert.Contains(t, run.LogMessage, "transcription failed")

	assert.Empty(t, transcripts(t, st, pid)["https://ig/reel/0"])
	assertEmptyDir(t, scratch)
	assert.Equal(t, []engine.EventKind{engine.EventPostFailed, engine.EventRunFinished}, rec.kinds())
}

func TestTranscribeFailuresAlwaysCleanUp(t *testing.T) {
	tests := []struct {
		name        string
		fetchFail   bool
		extractFail bool
		panic       bool
	}{
		{"download fails", true, false, false},
		{"extraction fails", false, true, false},
		{"transcriber panics", false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := openStore(t)
			pid := seed(t, st)
			insertPosts(t, st, pid, 5000, 4000)
			scratch := t.TempDir()

			fetcher := &fileFetcher{dir: scratch}
			if tt.fetchFail {
				fetcher.fail = map[string]bool{"https://cdn/0.mp4": true}
			}
			r := &TranscribeRunner{
				Store:       st,
				Fetcher:     fetcher,
				Extractor:   ffmpegStub(tt.extractFail),
				Transcriber: &scriptedTranscriber{panic: tt.panic},
				Now:         clock,
			}
			run, err := r.Run(context.Background(), TranscribeOptions{ProjectID: pid, Filter: transcribeFilter})
			require.NoError(t, err)
			assert.Equal(t, engine.RunCompletedWithErrors, run.Status)
			assert.Equal(t, 2, run.Found)
			assert.Equal(t, 2, run.Errors)
			assertEmptyDir(t, scratch)
		})
	}
}

func TestTranscribeOrderAndBudget(t *testing.T) {
	st := openStore(t)
	pid := seed(t, st)
	insertPosts(t, st, pid, 300, 900, 50, 500, 900)
	scratch := t.TempDir()

	tr := &scriptedTranscriber{results: map[string]string{}}
	r := &TranscribeRunner{
		Store:       st,
		Fetcher:     &fileFetcher{dir: scratch},
		Extractor:   ffmpegStub(false),
		Transcriber: tr,
		Now:         clock,
	}
	for i := 1; i <= 5; i++ {
		tr.results[fmt.Sprintf("video_%d.mp3", i)] = fmt.Sprintf("Полноценная расшифровка номер %d.", i)
	}

	run, err := r.Run(context.Background(), TranscribeOptions{
		ProjectID: pid,
		Filter:    reels.TranscribeFilter{MinViews: 100, MaxAgeDays: 30, Limit: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Found)
	assert.Equal(t, 3, run.Added)

	got := transcripts(t, st, pid)
	assert.NotEmpty(t, got["https://ig/reel/1"]) // 900
	assert.NotEmpty(t, got["https://ig/reel/4"]) // 900
	assert.NotEmpty(t, got["https://ig/reel/3"]) // 500
	assert.Empty(t, got["https://ig/reel/0"])    // 300, over budget
	assert.Empty(t, got["https://ig/reel/2"])    // below threshold
	assert.Equal(t, "Полноценная расшифровка номер 1.", got["https://ig/reel/1"], "ties keep stored order")
}

func TestTranscribeWithRealFetcherRetries(t *testing.T) {
	st := openStore(t)
	pid := seed(t, st)
	insertPosts(t, st, pid, 5000)
	scratch := t.TempDir()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	// point the stored post at the test CDN
	_, err := st.InsertPost(context.Background(), &engine.Post{
		URL: "https://ig/reel/cdn", ProjectID: pid, SourceType: engine.SourceHashtag, SourceID: "2",
		Views: 9000, VideoURL: srv.URL + "/v.mp4",
	})
	require.NoError(t, err)

	fetcher, err := media.NewFetcher(media.FetcherConfig{
		Dir:      scratch,
		Methods:  []media.Downloader{media.NewHTTPDownloader(5 * time.Second)},
		Attempts: 3,
		Backoff:  time.Millisecond,
	})
	require.NoError(t, err)

	r := &TranscribeRunner{
		Store:       st,
		Fetcher:     fetcher,
		Extractor:   ffmpegStub(false),
		Transcriber: &scriptedTranscriber{},
		Now:         clock,
	}
	run, err := r.Run(context.Background(), TranscribeOptions{
		ProjectID: pid,
		Filter:    reels.TranscribeFilter{MinViews: 6000, Limit: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load(), "download succeeded on the third attempt")
	assert.Equal(t, 1, run.Errors, "scripted transcriber has no text for this clip")
	assertEmptyDir(t, scratch)
}

func TestTrackerFinalizesOnce(t *testing.T) {
	st := openStore(t)
	pid := seed(t, st)
	ctx := context.Background()

	tr, err := StartRun(ctx, st, pid, "all", clock)
	require.NoError(t, err)
	tr.AddFound(5)
	tr.AddAdded(2)
	tr.RecordError("post", "https://ig/reel/x", errors.New("constraint failed"))

	run := tr.Finish(ctx)
	assert.Equal(t, engine.RunCompletedWithErrors, run.Status)

	again := tr.Fail(ctx, errors.New("late"))
	assert.Equal(t, engine.RunCompletedWithErrors, again.Status)
	assert.Equal(t, 1, again.Errors)

	stored, err := st.GetRun(ctx, tr.ID())
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompletedWithErrors, stored.Status)
	assert.Equal(t, 5, stored.Found)
	assert.Equal(t, 2, stored.Added)
	assert.Equal(t, "post https://ig/reel/x: constraint failed", stored.LogMessage)
}

func TestTrackerCleanRunSummary(t *testing.T) {
	st := openStore(t)
	pid := seed(t, st)
	tr, err := StartRun(context.Background(), st, pid, "competitor", clock)
	require.NoError(t, err)
	tr.AddFound(3)
	run := tr.Finish(context.Background())
	assert.Equal(t, engine.RunCompleted, run.Status)
	assert.Equal(t, "found 3, added 0", run.LogMessage)
	require.NotNil(t, run.EndedAt)
}
