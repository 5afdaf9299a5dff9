// Package notify forwards pipeline failure events to a Telegram chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

// Sender is the subset of *tgbotapi.BotAPI used here.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// queueSize bounds pending messages; events beyond it are dropped with a warning.
const queueSize = 32

// Telegram is an engine.Observer that sends one message per terminal failure.
// Sends happen on a worker goroutine so the pipeline never waits on the network.
type Telegram struct {
	sender Sender
	chatID int64

	mu     sync.Mutex
	closed bool
	queue  chan string
	done   chan struct{}
}

// NewTelegram connects a bot with token and returns a started notifier.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram: bot token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	slog.Info("telegram notifier ready", slog.String("bot", bot.Self.UserName))
	return New(bot, chatID), nil
}

// New returns a started notifier sending through s.
func New(s Sender, chatID int64) *Telegram {
	t := &Telegram{
		sender: s,
		chatID: chatID,
		queue:  make(chan string, queueSize),
		done:   make(chan struct{}),
	}
	go t.loop()
	return t
}

// Observe implements engine.Observer.
func (t *Telegram) Observe(_ context.Context, e engine.Event) {
	text, ok := Format(e)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		slog.Debug("telegram: notifier closed, dropping notification", slog.String("kind", string(e.Kind)))
		return
	}
	select {
	case t.queue <- text:
	default:
		slog.Warn("telegram: queue full, dropping notification", slog.String("kind", string(e.Kind)))
	}
}

// Close flushes queued messages and stops the worker. Safe to call twice;
// later Observe calls are dropped.
func (t *Telegram) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	<-t.done
}

func (t *Telegram) loop() {
	defer close(t.done)
	for text := range t.queue {
		msg := tgbotapi.NewMessage(t.chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := t.sender.Send(msg); err != nil {
			slog.Warn("telegram: send failed", slog.Any("error", err))
		}
	}
}

// Format renders e as a chat message. Only setup failures, source failures and
// runs that did not complete cleanly are reported.
func Format(e engine.Event) (string, bool) {
	var sb strings.Builder
	switch e.Kind {
	case engine.EventSetupFailed:
		fmt.Fprintf(&sb, "❌ %s setup failed (project %d)\n%v", e.Phase, e.ProjectID, e.Err)
	case engine.EventSourceFailed:
		fmt.Fprintf(&sb, "⚠️ %s: source %s failed (project %d)\n%v", e.Phase, e.Subject, e.ProjectID, e.Err)
	case engine.EventRunFinished:
		if e.Status == engine.RunCompleted {
			return "", false
		}
		fmt.Fprintf(&sb, "⚠️ %s run %s: %s\nfound %d, added %d, errors %d",
			e.Phase, shortID(e.RunID), e.Status, e.Found, e.Added, e.Errors)
	default:
		return "", false
	}
	return sb.String(), true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
