package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/calnotify/calnotify/internal/model"
)

// mockSender fails a configurable number of times before succeeding.
type mockSender struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (m *mockSender) Send(chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return m.err
	}
	return nil
}

func testOccurrence() model.Occurrence {
	return model.Occurrence{
		EventID:  "evt-1",
		Title:    "Team standup",
		Start:    time.Date(2026, 9, 1, 9, 30, 0, 0, time.UTC),
		End:      time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		Timezone: "UTC",
		MeetLink: "https://meet.google.com/abc",
	}
}

func TestNotifyDeliversFirstTry(t *testing.T) {
	sender := &mockSender{}
	n := NewNotifier(sender, 3, zerolog.Nop())

	err := n.Notify(context.Background(), &model.User{ID: 1}, testOccurrence())
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.calls != 1 {
		t.Errorf("calls = %d, want 1", sender.calls)
	}
}

func TestNotifyRetriesTransientThenSucceeds(t *testing.T) {
	sender := &mockSender{failures: 2, err: errors.New("connection reset")}
	n := NewNotifier(sender, 3, zerolog.Nop())

	err := n.Notify(context.Background(), &model.User{ID: 1}, testOccurrence())
	if err != nil {
		t.Fatalf("notify after retries: %v", err)
	}
	if sender.calls != 3 {
		t.Errorf("calls = %d, want 3", sender.calls)
	}
}

func TestNotifyExhaustsRetries(t *testing.T) {
	sender := &mockSender{failures: 10, err: errors.New("connection reset")}
	n := NewNotifier(sender, 3, zerolog.Nop())

	err := n.Notify(context.Background(), &model.User{ID: 1}, testOccurrence())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !model.IsTransient(err) {
		t.Errorf("exhausted retries should stay transient, got %v", err)
	}
	if sender.calls != 3 {
		t.Errorf("calls = %d, want 3", sender.calls)
	}
}

func TestNotifyBlockedIsPermanentNoRetry(t *testing.T) {
	sender := &mockSender{
		failures: 10,
		err:      &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"},
	}
	n := NewNotifier(sender, 3, zerolog.Nop())

	err := n.Notify(context.Background(), &model.User{ID: 1}, testOccurrence())
	if !model.IsPermanentDelivery(err) {
		t.Fatalf("blocked bot should be permanent, got %v", err)
	}
	if sender.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent failure)", sender.calls)
	}
}

func TestNotifyRateLimitIsTransient(t *testing.T) {
	sender := &mockSender{
		failures: 1,
		err:      &tgbotapi.Error{Code: 429, Message: "Too Many Requests"},
	}
	n := NewNotifier(sender, 3, zerolog.Nop())

	err := n.Notify(context.Background(), &model.User{ID: 1}, testOccurrence())
	if err != nil {
		t.Fatalf("rate limit should be retried, got %v", err)
	}
	if sender.calls != 2 {
		t.Errorf("calls = %d, want 2", sender.calls)
	}
}

func TestFormatReminder(t *testing.T) {
	occ := testOccurrence()
	occ.Timezone = "Europe/Moscow" // 09:30 UTC is 12:30 MSK

	text := FormatReminder(occ)
	if !strings.Contains(text, "<b>Team standup</b>") {
		t.Errorf("missing title: %s", text)
	}
	if !strings.Contains(text, "12:30") {
		t.Errorf("start must render in the event's timezone: %s", text)
	}
	if !strings.Contains(text, "https://meet.google.com/abc") {
		t.Errorf("missing meet link: %s", text)
	}
}
