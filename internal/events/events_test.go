package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/p-n-ai/pai-learn/internal/events"
)

func TestMemoryLogger_LogEvent(t *testing.T) {
	logger := events.NewMemoryLogger()

	err := logger.LogEvent(context.Background(), events.Event{
		UserID: "user-1",
		Type:   events.AttemptStarted,
		Data: map[string]any{
			"attempt": 1,
		},
	})
	if err != nil {
		t.Fatalf("LogEvent() error = %v", err)
	}

	got := logger.Events()
	if len(got) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(got))
	}
	if got[0].Type != events.AttemptStarted {
		t.Errorf("Type = %q, want %s", got[0].Type, events.AttemptStarted)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestMemoryLogger_RequiresType(t *testing.T) {
	logger := events.NewMemoryLogger()

	if err := logger.LogEvent(context.Background(), events.Event{UserID: "u"}); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestPostgresLogger_LogEvent_NilPool(t *testing.T) {
	logger := events.NewPostgresLogger(nil)

	err := logger.LogEvent(context.Background(), events.Event{
		UserID: "user-1",
		Type:   events.QuizPassed,
	})
	if err == nil {
		t.Fatal("expected error for nil pool")
	}
}

type failingLogger struct{ calls int }

func (f *failingLogger) LogEvent(context.Context, events.Event) error {
	f.calls++
	return errors.New("boom")
}

func TestEmit_SwallowsFailures(t *testing.T) {
	l := &failingLogger{}

	events.Emit(context.Background(), l,
		events.Event{UserID: "u", Type: events.AttemptStarted},
		events.Event{UserID: "u", Type: events.AttemptSubmitted},
	)

	if l.calls != 2 {
		t.Errorf("calls = %d, want 2", l.calls)
	}
	events.Emit(context.Background(), nil, events.Event{Type: events.QuizPassed})
}
