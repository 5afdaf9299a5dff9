// Package pipeline runs the harvest and transcription phases over a project.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

// ErrSetup marks unrecoverable configuration problems found before any work began.
var ErrSetup = errors.New("setup error")

// maxErrorDetails caps the structured error log kept on a run record.
const maxErrorDetails = 50

// Durations past which a provider call is logged as slow.
const (
	slowScrape     = 3 * time.Minute
	slowDownload   = time.Minute
	slowTranscribe = time.Minute
)

// RunStore is the subset of store.Store the tracker writes to.
type RunStore interface {
	CreateRun(ctx context.Context, r *engine.Run) (int64, error)
	UpdateRun(ctx context.Context, r *engine.Run) error
}

// Tracker owns one audit record. Counts only grow and the record is finalized once.
type Tracker struct {
	store RunStore
	now   func() time.Time

	mu        sync.Mutex
	run       engine.Run
	finalized bool
}

// StartRun creates the audit record in the started state.
func StartRun(ctx context.Context, st RunStore, projectID int64, sourceType string, now func() time.Time) (*Tracker, error) {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{
		store: st,
		now:   now,
		run: engine.Run{
			RunID:      uuid.NewString(),
			ProjectID:  projectID,
			SourceType: sourceType,
			Status:     engine.RunStarted,
			StartedAt:  now(),
		},
	}
	if _, err := st.CreateRun(ctx, &t.run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	slog.Info("run started",
		slog.String("run_id", t.run.RunID),
		slog.Int64("project_id", projectID),
		slog.String("phase", sourceType),
	)
	return t, nil
}

// ID returns the opaque run id.
func (t *Tracker) ID() string { return t.run.RunID }

func (t *Tracker) AddFound(n int) {
	t.mu.Lock()
	t.run.Found += n
	t.mu.Unlock()
}

func (t *Tracker) AddAdded(n int) {
	t.mu.Lock()
	t.run.Added += n
	t.mu.Unlock()
}

// RecordError counts err against the run and keeps it as the latest log message.
func (t *Tracker) RecordError(scope, subject string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Errors++
	msg := err.Error()
	if subject != "" {
		t.run.LogMessage = fmt.Sprintf("%s %s: %s", scope, subject, msg)
	} else {
		t.run.LogMessage = fmt.Sprintf("%s: %s", scope, msg)
	}
	if len(t.run.ErrorDetails) < maxErrorDetails {
		t.run.ErrorDetails = append(t.run.ErrorDetails, engine.ErrorDetail{
			Scope:   scope,
			Subject: subject,
			Message: msg,
			At:      t.now().UTC(),
		})
	}
}

// Snapshot returns a copy of the current record.
func (t *Tracker) Snapshot() engine.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.run
	r.ErrorDetails = append([]engine.ErrorDetail(nil), t.run.ErrorDetails...)
	return r
}

// Flush persists the current counts. Failures are logged, not returned:
// the audit record must never stop the run.
func (t *Tracker) Flush(ctx context.Context) {
	r := t.Snapshot()
	if err := t.store.UpdateRun(ctx, &r); err != nil {
		slog.Warn("run flush failed", slog.String("run_id", r.RunID), slog.Any("error", err))
	}
}

// Finish finalizes the run as completed, or completed_with_errors if any error was recorded.
func (t *Tracker) Finish(ctx context.Context) engine.Run {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return t.Snapshot()
	}
	status := engine.RunCompleted
	if t.run.Errors > 0 {
		status = engine.RunCompletedWithErrors
	} else {
		t.run.LogMessage = fmt.Sprintf("found %d, added %d", t.run.Found, t.run.Added)
	}
	t.finalizeLocked(status)
	t.mu.Unlock()
	return t.finalize(ctx)
}

// Fail finalizes the run as failed with err as its log message.
func (t *Tracker) Fail(ctx context.Context, err error) engine.Run {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return t.Snapshot()
	}
	t.run.Errors++
	t.run.LogMessage = err.Error()
	t.run.ErrorDetails = append(t.run.ErrorDetails, engine.ErrorDetail{
		Scope:   "setup",
		Message: err.Error(),
		At:      t.now().UTC(),
	})
	t.finalizeLocked(engine.RunFailed)
	t.mu.Unlock()
	return t.finalize(ctx)
}

func (t *Tracker) finalizeLocked(status engine.RunStatus) {
	end := t.now()
	t.run.Status = status
	t.run.EndedAt = &end
	t.finalized = true
}

func (t *Tracker) finalize(ctx context.Context) engine.Run {
	t.Flush(ctx)
	r := t.Snapshot()
	slog.Info("run finished",
		slog.String("run_id", r.RunID),
		slog.String("status", string(r.Status)),
		slog.Int("found", r.Found),
		slog.Int("added", r.Added),
		slog.Int("errors", r.Errors),
	)
	return r
}
