package ws

import (
	"context"
	"errors"
	"sync"

	"huddle/internal/models"
	"huddle/internal/session"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type sessionManager interface {
	AttachLive(ctx context.Context, s *session.Session) error
	Subscribe(ctx context.Context, s *session.Session, conversationID string) error
	Unsubscribe(s *session.Session, conversationID string)
	SendMessage(ctx context.Context, userID, conversationID, body string, attachmentRefs []string) (models.Message, error)
	Typing(s *session.Session, conversationID string)
	StopTyping(s *session.Session, conversationID string)
	AckRead(ctx context.Context, userID, conversationID string, seq int64) (int64, error)
	SetViewing(s *session.Session, conversationID string, viewing bool)
	ReportTransportFailure(s *session.Session)
	CloseSession(s *session.Session)
}

// Connection bridges one websocket to a session: a read pump feeding client
// messages to the manager and a write pump draining the session's outbound
// queue. Both are cancellable; whichever fails first tears the pair down.
type Connection struct {
	ws      wsConnection
	mgr     sessionManager
	sess    *session.Session
	errorCh chan error
}

func NewConnection(mgr sessionManager, ws wsConnection, sess *session.Session) *Connection {
	return &Connection{
		ws:      ws,
		mgr:     mgr,
		sess:    sess,
		errorCh: make(chan error, 2),
	}
}

// Handle runs the pumps until the transport dies or ctx is done. A clean
// client close tears the session down; an abrupt transport failure leaves
// the session alive for the demotion path.
func (c *Connection) Handle(ctx context.Context, clean func(error) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer close(c.errorCh)

	if err := c.mgr.AttachLive(ctx, c.sess); err != nil {
		cancel()
		_ = c.ws.Close()
		return err
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.readPump(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.writePump(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	cancel()
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && clean != nil && clean(err) {
		c.mgr.CloseSession(c.sess)
		return nil
	}
	c.mgr.ReportTransportFailure(c.sess)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Connection) readPump(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.processClientMessage(ctx, msg)
	}
}

func (c *Connection) writePump(ctx context.Context) error {
	for {
		ev, err := c.sess.Outbound().Pop(ctx)
		if err != nil {
			return err
		}
		if ev.Type == models.EventMessage && ev.Message != nil {
			if !c.sess.ShouldDeliver(ev.ConversationID, ev.Message.Seq) {
				continue // replay duplicate
			}
		}
		if err := c.ws.WriteJSON(ev); err != nil {
			return err
		}
	}
}

func (c *Connection) processClientMessage(ctx context.Context, msg models.ClientMessage) {
	switch msg.Type {
	case models.ClientMessageTypeHeartbeat:
		c.sess.Heartbeat(nowFunc())

	case models.ClientMessageTypeSubscribe:
		if err := c.mgr.Subscribe(ctx, c.sess, msg.ConversationID); err != nil {
			c.pushError(msg.ConversationID, err)
		}

	case models.ClientMessageTypeUnsubscribe:
		c.mgr.Unsubscribe(c.sess, msg.ConversationID)

	case models.ClientMessageTypeSend:
		if _, err := c.mgr.SendMessage(ctx, c.sess.UserID, msg.ConversationID, msg.Body, msg.Attachments); err != nil {
			c.pushError(msg.ConversationID, err)
		}

	case models.ClientMessageTypeTyping:
		c.mgr.Typing(c.sess, msg.ConversationID)

	case models.ClientMessageTypeStopTyping:
		c.mgr.StopTyping(c.sess, msg.ConversationID)

	case models.ClientMessageTypeAckRead:
		if _, err := c.mgr.AckRead(ctx, c.sess.UserID, msg.ConversationID, msg.Seq); err != nil {
			c.pushError(msg.ConversationID, err)
		}

	case models.ClientMessageTypeView:
		c.mgr.SetViewing(c.sess, msg.ConversationID, msg.Viewing)
	}

	// Any client activity counts as liveness.
	c.sess.Heartbeat(nowFunc())
}

func (c *Connection) pushError(conversationID string, err error) {
	_, _ = c.sess.Outbound().Push(models.Event{
		Type:           models.EventError,
		ConversationID: conversationID,
		Error:          err.Error(),
	})
}
