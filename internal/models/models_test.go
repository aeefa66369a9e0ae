package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestConversation_HasParticipant(t *testing.T) {
	conv := Conversation{Participants: []string{"alice", "bob"}}

	if !conv.HasParticipant("alice") {
		t.Error("alice is a participant")
	}
	if conv.HasParticipant("carol") {
		t.Error("carol is not a participant")
	}
	if conv.HasParticipant("") {
		t.Error("empty user id never matches")
	}
}

func TestEvent_Droppable(t *testing.T) {
	droppable := []EventType{
		EventTypingStarted, EventTypingStopped, EventReadReceipt,
		EventUnreadCount, EventPresence, EventMode, EventError,
	}
	for _, typ := range droppable {
		if !(Event{Type: typ}).Droppable() {
			t.Errorf("%s should be droppable", typ)
		}
	}
	if (Event{Type: EventMessage}).Droppable() {
		t.Error("messages are never droppable")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("bad seq %d", 7)
	if !IsValidation(err) {
		t.Error("expected IsValidation to match")
	}
	if err.Error() != "validation: bad seq 7" {
		t.Errorf("unexpected message %q", err.Error())
	}

	wrapped := fmt.Errorf("handler: %w", err)
	if !IsValidation(wrapped) {
		t.Error("IsValidation should see through wrapping")
	}
	if IsValidation(errors.New("other")) {
		t.Error("unrelated errors are not validation errors")
	}
}

func TestTransientStoreError(t *testing.T) {
	cause := errors.New("timeout")
	err := &TransientStoreError{Op: "append", Err: cause}

	if !IsTransient(err) {
		t.Error("expected IsTransient to match")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should unwrap")
	}
	if IsTransient(ErrNotFound) {
		t.Error("ErrNotFound is not transient")
	}
}

func TestOrderingViolation(t *testing.T) {
	err := &OrderingViolation{ConversationID: "c1", LastSeq: 5, GotSeq: 3}

	var ov *OrderingViolation
	if !errors.As(fmt.Errorf("replay: %w", err), &ov) {
		t.Fatal("OrderingViolation should survive wrapping")
	}
	if ov.GotSeq != 3 || ov.LastSeq != 5 {
		t.Errorf("unexpected fields %+v", ov)
	}
}
