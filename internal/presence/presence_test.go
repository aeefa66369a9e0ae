package presence

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"huddle/internal/models"
)

type mockPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *mockPublisher) Publish(conversationID string, ev models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *mockPublisher) published() []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Event, len(p.events))
	copy(out, p.events)
	return out
}

func TestRegistry_TypingTTL(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	r.SetTyping("c1", "alice")
	r.SetTyping("c1", "bob")

	users := r.Typing("c1")
	sort.Strings(users)
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("expected alice and bob typing, got %v", users)
	}

	// Alice refreshes, bob goes quiet.
	current = current.Add(4 * time.Second)
	r.SetTyping("c1", "alice")

	current = current.Add(2 * time.Second)
	users = r.Typing("c1")
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("expected only alice after bob's TTL, got %v", users)
	}
}

func TestRegistry_SweepEmitsExpired(t *testing.T) {
	r := NewRegistry(5 * time.Second)
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	r.SetTyping("c1", "alice")
	r.SetTyping("c2", "bob")

	expired := r.Sweep(current.Add(3 * time.Second))
	if len(expired) != 0 {
		t.Fatalf("nothing should expire within TTL, got %v", expired)
	}

	expired = r.Sweep(current.Add(6 * time.Second))
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired entries, got %v", expired)
	}

	// Swept entries are gone.
	if users := r.Typing("c1"); len(users) != 0 {
		t.Errorf("c1 should have no typers after sweep, got %v", users)
	}
	if users := r.Typing("c2"); len(users) != 0 {
		t.Errorf("c2 should have no typers after sweep, got %v", users)
	}

	// Second sweep finds nothing.
	if again := r.Sweep(current.Add(10 * time.Second)); len(again) != 0 {
		t.Errorf("repeated sweep should be empty, got %v", again)
	}
}

func TestRegistry_ClearTyping(t *testing.T) {
	r := NewRegistry(5 * time.Second)

	if r.ClearTyping("c1", "alice") {
		t.Error("clearing an absent entry should report false")
	}

	r.SetTyping("c1", "alice")
	if !r.ClearTyping("c1", "alice") {
		t.Error("clearing an existing entry should report true")
	}
	if r.ClearTyping("c1", "alice") {
		t.Error("second clear should report false")
	}
}

func TestRegistry_RunPublishesSyntheticStops(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	pub := &mockPublisher{}

	r.SetTyping("c1", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 5*time.Millisecond, pub)

	deadline := time.After(time.Second)
	for {
		evs := pub.published()
		if len(evs) > 0 {
			ev := evs[0]
			if ev.Type != models.EventTypingStopped || ev.ConversationID != "c1" || ev.UserID != "alice" {
				t.Fatalf("unexpected synthetic event: %+v", ev)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no synthetic TypingStopped published")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRegistry_OnlineCounting(t *testing.T) {
	r := NewRegistry(5 * time.Second)

	if !r.Connect("alice") {
		t.Error("first session should report coming online")
	}
	if r.Connect("alice") {
		t.Error("second session should not report coming online")
	}
	if !r.Online("alice") {
		t.Error("alice should be online")
	}

	if r.Disconnect("alice") {
		t.Error("closing one of two sessions should not report offline")
	}
	if !r.Disconnect("alice") {
		t.Error("closing the last session should report offline")
	}
	if r.Online("alice") {
		t.Error("alice should be offline")
	}

	// Disconnect without connect is a no-op.
	if r.Disconnect("bob") {
		t.Error("disconnect of unknown user should report false")
	}
}
