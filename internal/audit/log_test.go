package audit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"aegis.org/internal/obs"
	"aegis.org/internal/stream"
)

func TestLogEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	obs.SetLogger(zap.New(core))
	defer obs.SetLogger(nil)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithActor(ctx, "user-42")

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0].ContextMap()
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}

func TestLogEventPublishesToStream(t *testing.T) {
	s := stream.New()
	SetStream(s)
	defer SetStream(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	ctx = WithActor(WithRequestID(ctx, "req-9"), "user-7")
	if err := LogEvent(ctx, "keys.rotated", map[string]any{"kid": "k2"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Type != "keys.rotated" || evt.RequestID != "req-9" || evt.UserID != "user-7" {
			t.Fatalf("unexpected event %+v", evt)
		}
		if evt.Fields["kid"] != "k2" {
			t.Fatalf("unexpected fields %v", evt.Fields)
		}
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}
}
