package store

import (
	"context"
	"log/slog"
	"time"

	"huddle/internal/models"

	"github.com/cenkalti/backoff/v4"
)

const defaultRetryBase = 100 * time.Millisecond

// RetryingStore decorates a Store with bounded-backoff retries of transient
// failures. Validation errors and missing conversations pass through
// untouched. When retries exhaust, the last error surfaces to the caller so
// the client can re-submit; nothing is dropped silently.
type RetryingStore struct {
	inner      Store
	maxRetries uint64
	base       time.Duration
	log        *slog.Logger
}

func NewRetryingStore(inner Store, maxRetries uint64, log *slog.Logger) *RetryingStore {
	if log == nil {
		log = slog.Default()
	}
	return &RetryingStore{
		inner:      inner,
		maxRetries: maxRetries,
		base:       defaultRetryBase,
		log:        log,
	}
}

func (s *RetryingStore) retry(ctx context.Context, op string, conversationID string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.base
	b.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !models.IsTransient(err) {
			return backoff.Permanent(err)
		}
		s.log.Warn("transient store error, retrying",
			"op", op,
			"conversation_id", conversationID,
			"attempt", attempt,
			"error", err)
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx))
}

func (s *RetryingStore) CreateConversation(ctx context.Context, kind models.ConversationKind, participants []string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.retry(ctx, "createConversation", "", func() error {
		var err error
		conv, err = s.inner.CreateConversation(ctx, kind, participants)
		return err
	})
	return conv, err
}

func (s *RetryingStore) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.retry(ctx, "conversation", id, func() error {
		var err error
		conv, err = s.inner.Conversation(ctx, id)
		return err
	})
	return conv, err
}

func (s *RetryingStore) Conversations(ctx context.Context, userID string) ([]Summary, error) {
	var summaries []Summary
	err := s.retry(ctx, "conversations", "", func() error {
		var err error
		summaries, err = s.inner.Conversations(ctx, userID)
		return err
	})
	return summaries, err
}

func (s *RetryingStore) Append(ctx context.Context, conversationID, senderID, body string, attachmentRefs []string) (models.Message, error) {
	var msg models.Message
	err := s.retry(ctx, "append", conversationID, func() error {
		var err error
		msg, err = s.inner.Append(ctx, conversationID, senderID, body, attachmentRefs)
		return err
	})
	return msg, err
}

func (s *RetryingStore) FetchSince(ctx context.Context, conversationID string, seq int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.retry(ctx, "fetchSince", conversationID, func() error {
		var err error
		messages, err = s.inner.FetchSince(ctx, conversationID, seq)
		return err
	})
	return messages, err
}

func (s *RetryingStore) MarkRead(ctx context.Context, conversationID, userID string, seq int64) error {
	return s.retry(ctx, "markRead", conversationID, func() error {
		return s.inner.MarkRead(ctx, conversationID, userID, seq)
	})
}

func (s *RetryingStore) LastAck(ctx context.Context, conversationID, userID string) (int64, error) {
	var ack int64
	err := s.retry(ctx, "lastAck", conversationID, func() error {
		var err error
		ack, err = s.inner.LastAck(ctx, conversationID, userID)
		return err
	})
	return ack, err
}
