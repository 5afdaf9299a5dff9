package engine

import (
	"context"
	"sync"
	"time"
)

// EventKind classifies failure and lifecycle events emitted by the pipeline.
type EventKind string

const (
	EventSetupFailed  EventKind = "setup_failed"
	EventSourceFailed EventKind = "source_failed"
	EventPostFailed   EventKind = "post_failed"
	EventRunFinished  EventKind = "run_finished"
)

// Event is a structured notification about pipeline progress or failure.
type Event struct {
	Kind      EventKind
	RunID     string
	ProjectID int64
	Phase     string
	Subject   string // source value or post URL
	Err       error
	Status    RunStatus
	Found     int
	Added     int
	Errors    int
	At        time.Time
}

// Observer receives events. Implementations must not block for long;
// slow work (network calls) belongs on the observer's own goroutine.
type Observer interface {
	Observe(ctx context.Context, e Event)
}

// Bus fans events out to subscribed observers. The zero value is ready to use
// and a nil *Bus drops every event.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
}

// Subscribe registers o for all future events.
func (b *Bus) Subscribe(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Emit delivers e to every observer in subscription order.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	obs := b.observers
	b.mu.RUnlock()
	for _, o := range obs {
		o.Observe(ctx, e)
	}
}
