package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"huddle/internal/metrics"
	"huddle/internal/models"
	"huddle/internal/session"
)

var errClientGone = errors.New("client gone")

type mockWS struct {
	in   chan models.ClientMessage
	done chan struct{}

	mu      sync.Mutex
	written []models.Event
	closed  bool
}

func newMockWS() *mockWS {
	return &mockWS{
		in:   make(chan models.ClientMessage, 16),
		done: make(chan struct{}),
	}
}

func (m *mockWS) ReadJSON(v interface{}) error {
	select {
	case msg, ok := <-m.in:
		if !ok {
			return errClientGone
		}
		*v.(*models.ClientMessage) = msg
		return nil
	case <-m.done:
		return errClientGone
	}
}

func (m *mockWS) WriteJSON(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClientGone
	}
	m.written = append(m.written, v.(models.Event))
	return nil
}

func (m *mockWS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *mockWS) writes() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Event(nil), m.written...)
}

type mockManager struct {
	mu    sync.Mutex
	calls []string

	attachErr error
	subErr    error
}

func (m *mockManager) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockManager) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockManager) AttachLive(context.Context, *session.Session) error {
	m.record("attachLive")
	return m.attachErr
}

func (m *mockManager) Subscribe(_ context.Context, _ *session.Session, conversationID string) error {
	m.record("subscribe:" + conversationID)
	return m.subErr
}

func (m *mockManager) Unsubscribe(_ *session.Session, conversationID string) {
	m.record("unsubscribe:" + conversationID)
}

func (m *mockManager) SendMessage(_ context.Context, _, conversationID, body string, _ []string) (models.Message, error) {
	m.record("send:" + conversationID + ":" + body)
	return models.Message{Seq: 1}, nil
}

func (m *mockManager) Typing(_ *session.Session, conversationID string) {
	m.record("typing:" + conversationID)
}

func (m *mockManager) StopTyping(_ *session.Session, conversationID string) {
	m.record("stopTyping:" + conversationID)
}

func (m *mockManager) AckRead(_ context.Context, _, conversationID string, seq int64) (int64, error) {
	m.record("ackRead:" + conversationID)
	return 0, nil
}

func (m *mockManager) SetViewing(_ *session.Session, conversationID string, viewing bool) {
	if viewing {
		m.record("view:" + conversationID)
	} else {
		m.record("unview:" + conversationID)
	}
}

func (m *mockManager) ReportTransportFailure(*session.Session) {
	m.record("transportFailure")
}

func (m *mockManager) CloseSession(*session.Session) {
	m.record("closeSession")
}

// testSession builds a detached session; only its queue and heartbeat are
// exercised here.
func testSession(t *testing.T) *session.Session {
	t.Helper()
	mgr := session.NewManager(nil, nil, nil, nil, metrics.NewNop(),
		session.Config{OutboundBuffer: 16}, nil)
	return mgr.Connect("alice")
}

func isClean(err error) bool {
	return errors.Is(err, errClientGone)
}

func contains(calls []string, want string) bool {
	for _, c := range calls {
		if c == want {
			return true
		}
	}
	return false
}

func TestConnection_AttachFailureClosesTransport(t *testing.T) {
	ws := newMockWS()
	mgr := &mockManager{attachErr: errors.New("replay overflow")}
	conn := NewConnection(mgr, ws, testSession(t))

	if err := conn.Handle(context.Background(), isClean); err == nil {
		t.Fatal("expected the attach error to surface")
	}

	ws.mu.Lock()
	closed := ws.closed
	ws.mu.Unlock()
	if !closed {
		t.Error("transport should be closed after a failed handshake")
	}
}

func TestConnection_DispatchesClientMessages(t *testing.T) {
	ws := newMockWS()
	mgr := &mockManager{}
	conn := NewConnection(mgr, ws, testSession(t))

	ws.in <- models.ClientMessage{Type: models.ClientMessageTypeSubscribe, ConversationID: "c1"}
	ws.in <- models.ClientMessage{Type: models.ClientMessageTypeSend, ConversationID: "c1", Body: "hi"}
	ws.in <- models.ClientMessage{Type: models.ClientMessageTypeTyping, ConversationID: "c1"}
	ws.in <- models.ClientMessage{Type: models.ClientMessageTypeStopTyping, ConversationID: "c1"}
	ws.in <- models.ClientMessage{Type: models.ClientMessageTypeAckRead, ConversationID: "c1", Seq: 1}
	ws.in <- models.ClientMessage{Type: models.ClientMessageTypeView, ConversationID: "c1", Viewing: true}
	ws.in <- models.ClientMessage{Type: models.ClientMessageTypeUnsubscribe, ConversationID: "c1"}
	close(ws.in)

	if err := conn.Handle(context.Background(), isClean); err != nil {
		t.Fatalf("clean close should not surface an error: %v", err)
	}

	calls := mgr.recorded()
	for _, want := range []string{
		"attachLive",
		"subscribe:c1",
		"send:c1:hi",
		"typing:c1",
		"stopTyping:c1",
		"ackRead:c1",
		"view:c1",
		"unsubscribe:c1",
		"closeSession",
	} {
		if !contains(calls, want) {
			t.Errorf("missing call %q in %v", want, calls)
		}
	}
	if contains(calls, "transportFailure") {
		t.Error("clean close must not report a transport failure")
	}
}

func TestConnection_AbruptFailureKeepsSession(t *testing.T) {
	ws := newMockWS()
	mgr := &mockManager{}
	conn := NewConnection(mgr, ws, testSession(t))

	done := make(chan error, 1)
	go func() { done <- conn.Handle(context.Background(), func(error) bool { return false }) }()

	time.Sleep(10 * time.Millisecond)
	_ = ws.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after transport failure")
	}

	calls := mgr.recorded()
	if !contains(calls, "transportFailure") {
		t.Errorf("expected transportFailure, got %v", calls)
	}
	if contains(calls, "closeSession") {
		t.Error("abrupt failure must keep the session for the demotion path")
	}
}

func TestConnection_WritePumpDedupesReplays(t *testing.T) {
	ws := newMockWS()
	mgr := &mockManager{}
	sess := testSession(t)
	conn := NewConnection(mgr, ws, sess)

	done := make(chan error, 1)
	go func() { done <- conn.Handle(context.Background(), isClean) }()

	push := func(seq int64) {
		_, err := sess.Outbound().Push(models.Event{
			Type:           models.EventMessage,
			ConversationID: "c1",
			Message:        &models.Message{Seq: seq, ConversationID: "c1"},
		})
		if err != nil {
			t.Errorf("Push failed: %v", err)
		}
	}
	push(1)
	push(2)
	push(2) // replay duplicate
	push(3)

	deadline := time.After(time.Second)
	for {
		var seqs []int64
		for _, ev := range ws.writes() {
			if ev.Type == models.EventMessage {
				seqs = append(seqs, ev.Message.Seq)
			}
		}
		if len(seqs) >= 3 {
			if seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
				t.Fatalf("expected seqs 1,2,3, got %v", seqs)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("write pump did not deliver the events")
		case <-time.After(2 * time.Millisecond):
		}
	}

	// Nothing extra shows up.
	time.Sleep(20 * time.Millisecond)
	var count int
	for _, ev := range ws.writes() {
		if ev.Type == models.EventMessage {
			count++
		}
	}
	if count != 3 {
		t.Errorf("duplicate seq must be skipped, got %d messages", count)
	}

	close(ws.in)
	<-done
}

func TestConnection_SubscribeErrorReachesClient(t *testing.T) {
	ws := newMockWS()
	mgr := &mockManager{subErr: models.NewValidationError("not a participant")}
	conn := NewConnection(mgr, ws, testSession(t))

	done := make(chan error, 1)
	go func() { done <- conn.Handle(context.Background(), isClean) }()

	ws.in <- models.ClientMessage{Type: models.ClientMessageTypeSubscribe, ConversationID: "c1"}

	deadline := time.After(time.Second)
	for {
		found := false
		for _, ev := range ws.writes() {
			if ev.Type == models.EventError && ev.ConversationID == "c1" {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("error event never reached the client")
		case <-time.After(2 * time.Millisecond):
		}
	}

	close(ws.in)
	<-done
}
