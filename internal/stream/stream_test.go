package stream

import (
	"context"
	"testing"
	"time"

	"zamok.org/internal/auth"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	if s.Subscribers() != 2 {
		t.Fatalf("subscribers = %d", s.Subscribers())
	}

	s.Publish(Event{Type: "login_success", Success: true})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.Type != "login_success" {
				t.Fatalf("%s got %+v", name, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s received nothing", name)
		}
	}
}

func TestSubscribeClosesOnContextEnd(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel never closed")
	}
}

func TestPublishDropsWhenSubscriberIsSlow(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		// Nobody reads ch; publishing past the buffer must not block.
		for i := 0; i < 64; i++ {
			s.Publish(Event{Type: "login_failure"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on slow subscriber")
	}
	if len(ch) != 16 {
		t.Fatalf("buffered = %d, want full buffer of 16", len(ch))
	}
}

func TestFromSecurityEvent(t *testing.T) {
	uid := "u1"
	evt := FromSecurityEvent(auth.SecurityEvent{
		ID:      "e1",
		Type:    auth.EventLoginFailure,
		UserID:  &uid,
		Email:   "ops@example.com",
		Success: false,
		Details: "wrong password",
	})
	if evt.UserID != "u1" || evt.Type != auth.EventLoginFailure || evt.Email != "ops@example.com" {
		t.Fatalf("event = %+v", evt)
	}

	anon := FromSecurityEvent(auth.SecurityEvent{Type: auth.EventLoginFailure})
	if anon.UserID != "" {
		t.Fatalf("anon event = %+v", anon)
	}
}
