package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anatolykoptev/go_reels/internal/engine"
	"github.com/anatolykoptev/go_reels/internal/engine/media"
	"github.com/anatolykoptev/go_reels/internal/engine/reels"
	"github.com/anatolykoptev/go_reels/internal/store"
)

// VideoFetcher downloads a video into a scratch file.
type VideoFetcher interface {
	Download(ctx context.Context, t media.Target) (string, error)
}

// AudioExtractor writes the audio track of a video into a scratch file.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, videoPath string) (string, error)
}

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language string) (string, error)
}

// TranscribeOptions selects the candidates of one transcription run.
type TranscribeOptions struct {
	ProjectID int64
	Filter    reels.TranscribeFilter
	Language  string // empty = transcriber default
}

// TranscribeRunner runs the transcription phase: select → download → extract → transcribe → store.
type TranscribeRunner struct {
	Store       store.Store
	Fetcher     VideoFetcher
	Extractor   AudioExtractor
	Transcriber Transcriber
	Throttle    engine.Throttle // spacing between posts
	Bus         *engine.Bus
	Now         func() time.Time
}

func (r *TranscribeRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run transcribes the eligible posts of a project, highest views first.
// A failed post keeps an empty transcript; its scratch files are removed either way.
func (r *TranscribeRunner) Run(ctx context.Context, opts TranscribeOptions) (engine.Run, error) {
	phase := engine.RunPhaseTranscription
	if r.Store == nil || r.Fetcher == nil || r.Extractor == nil || r.Transcriber == nil {
		err := errors.New("store, fetcher, extractor and transcriber are required")
		r.emitSetup(ctx, "", opts.ProjectID, err)
		return engine.Run{}, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	if err := checkProject(ctx, r.Store, opts.ProjectID); err != nil {
		r.emitSetup(ctx, "", opts.ProjectID, err)
		return engine.Run{}, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	tracker, err := StartRun(ctx, r.Store, opts.ProjectID, phase, r.Now)
	if err != nil {
		r.emitSetup(ctx, "", opts.ProjectID, err)
		return engine.Run{}, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	candidates, err := r.candidates(ctx, opts)
	if err != nil {
		run := tracker.Fail(ctx, err)
		r.emitSetup(ctx, run.RunID, opts.ProjectID, err)
		return run, fmt.Errorf("%w: %v", ErrSetup, err)
	}
	tracker.AddFound(len(candidates))
	slog.Info("transcription candidates", slog.Int("count", len(candidates)), slog.Int64("project_id", opts.ProjectID))

	throttle := r.Throttle
	if throttle == nil {
		throttle = engine.Unthrottled{}
	}

	for i := range candidates {
		post := &candidates[i]
		if err := throttle.Acquire(ctx); err != nil {
			tracker.RecordError("run", "", fmt.Errorf("interrupted: %w", err))
			break
		}
		err := safely(func() error { return r.processPost(ctx, post, opts.Language) })
		throttle.Release()
		if err != nil {
			slog.Warn("post transcription failed",
				slog.Int64("post_id", post.ID),
				slog.String("url", post.URL),
				slog.Any("error", err),
			)
			tracker.RecordError("post", post.URL, err)
			r.Bus.Emit(ctx, engine.Event{
				Kind:      engine.EventPostFailed,
				RunID:     tracker.ID(),
				ProjectID: opts.ProjectID,
				Phase:     phase,
				Subject:   post.URL,
				Err:       err,
			})
		} else {
			tracker.AddAdded(1)
		}
		tracker.Flush(ctx)
	}

	run := tracker.Finish(ctx)
	r.Bus.Emit(ctx, finishedEvent(run, phase))
	return run, nil
}

// candidates loads stored posts passing the coarse SQL filter and applies the
// exact eligibility rule and budget.
func (r *TranscribeRunner) candidates(ctx context.Context, opts TranscribeOptions) ([]engine.Post, error) {
	now := r.now()
	q := store.PostQuery{
		ProjectID: opts.ProjectID,
		MinViews:  opts.Filter.MinViews,
		HasVideo:  true,
	}
	if opts.Filter.MaxAgeDays > 0 {
		after := now.AddDate(0, 0, -opts.Filter.MaxAgeDays)
		q.PublishedAfter = &after
	}
	posts, err := r.Store.ListPosts(ctx, q)
	if err != nil {
		return nil, err
	}
	return reels.SelectForTranscription(posts, opts.Filter, now), nil
}

// processPost runs download → extract → transcribe → update for one post.
// Scratch files are released on every exit path, panics included.
func (r *TranscribeRunner) processPost(ctx context.Context, post *engine.Post, language string) error {
	var scratch media.Scratch
	defer scratch.Release()

	var video string
	err := engine.TrackOperation(ctx, "download", slowDownload, func(ctx context.Context) error {
		var err error
		video, err = r.Fetcher.Download(ctx, media.Target{PageURL: post.URL, DirectURL: post.VideoURL})
		return err
	})
	scratch.Track(video)
	if err != nil {
		return err
	}

	audio, err := r.Extractor.ExtractAudio(ctx, video)
	scratch.Track(audio)
	if err != nil {
		return err
	}

	var text string
	err = engine.TrackOperation(ctx, "transcribe", slowTranscribe, func(ctx context.Context) error {
		var err error
		text, err = r.Transcriber.Transcribe(ctx, audio, language)
		return err
	})
	if err != nil {
		return err
	}

	if err := r.Store.UpdateTranscript(ctx, post.ID, text); err != nil {
		return err
	}
	post.Transcript = text
	slog.Info("post transcribed",
		slog.Int64("post_id", post.ID),
		slog.Int64("views", post.Views),
		slog.Int("chars", len([]rune(text))),
	)
	return nil
}

func (r *TranscribeRunner) emitSetup(ctx context.Context, runID string, projectID int64, err error) {
	slog.Error("setup failed", slog.String("phase", engine.RunPhaseTranscription),
		slog.Int64("project_id", projectID), slog.Any("error", err))
	r.Bus.Emit(ctx, engine.Event{
		Kind:      engine.EventSetupFailed,
		RunID:     runID,
		ProjectID: projectID,
		Phase:     engine.RunPhaseTranscription,
		Err:       err,
		Status:    engine.RunFailed,
	})
}
