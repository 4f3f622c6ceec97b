package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	s.Publish(Event{Type: "auth.login", UserID: "u-1"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Type != "auth.login" || evt.Timestamp.IsZero() {
				t.Fatalf("unexpected event %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx)

	for i := 0; i < 20; i++ {
		s.Publish(Event{Type: "keys.rotated"})
	}
	if got := s.Dropped(); got != 4 {
		t.Fatalf("expected 4 dropped deliveries, got %d", got)
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if n := s.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
