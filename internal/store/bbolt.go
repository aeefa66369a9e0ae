package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"huddle/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketAcks          = []byte("acks")
)

type BboltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, &models.TransientStoreError{Op: "open", Err: err}
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketAcks); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db, now: time.Now}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// CreateConversation stores a new conversation. DM IDs are deterministic per
// user pair, so creating the same DM twice returns the existing one.
func (s *BboltStore) CreateConversation(_ context.Context, kind models.ConversationKind, participants []string) (models.Conversation, error) {
	participants = dedupe(participants)
	if len(participants) < 2 {
		return models.Conversation{}, models.NewValidationError("conversation needs at least 2 participants")
	}
	if kind == models.ConversationKindDM && len(participants) != 2 {
		return models.Conversation{}, models.NewValidationError("dm conversation needs exactly 2 participants")
	}

	var id string
	switch kind {
	case models.ConversationKindDM:
		id = DMConversationID(participants[0], participants[1])
	case models.ConversationKindTeam:
		id = uuid.NewString()
	default:
		return models.Conversation{}, models.NewValidationError("unknown conversation kind %q", kind)
	}

	var conv models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		if data := b.Get([]byte(id)); data != nil {
			var existing DBConversation
			if err := existing.UnmarshalBinary(data); err != nil {
				return err
			}
			conv = existing.toModel()
			return nil
		}

		now := s.now().Unix()
		dbConv := DBConversation{
			ID:           id,
			Kind:         string(kind),
			Participants: participants,
			CreatedAt:    now,
			LastActivity: now,
		}
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbConv.Key(), data); err != nil {
			return err
		}
		conv = dbConv.toModel()
		return nil
	})
	return conv, err
}

func (s *BboltStore) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(data); err != nil {
			return err
		}
		conv = dbConv.toModel()
		return nil
	})
	return conv, err
}

// Conversations returns all conversations the user participates in, each
// with its most recent message for list previews.
func (s *BboltStore) Conversations(_ context.Context, userID string) ([]Summary, error) {
	var summaries []Summary
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketConversations)
		msgRoot := tx.Bucket(bucketMessages)

		return convBucket.ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			conv := dbConv.toModel()
			if !conv.HasParticipant(userID) {
				return nil
			}

			summary := Summary{Conversation: conv}
			if msgBucket := msgRoot.Bucket(k); msgBucket != nil {
				if _, v := msgBucket.Cursor().Last(); v != nil {
					var dbMsg DBMessage
					if err := dbMsg.UnmarshalBinary(v); err != nil {
						return err
					}
					last := dbMsg.toModel()
					summary.LastMessage = &last
				}
			}
			summaries = append(summaries, summary)
			return nil
		})
	})
	return summaries, err
}

// Append writes a message and assigns its sequence number inside the same
// transaction that bumps the conversation's LastSeq, making the store the
// single ordering authority for concurrent appends.
func (s *BboltStore) Append(_ context.Context, conversationID, senderID, body string, attachmentRefs []string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketConversations)
		convData := convBucket.Get([]byte(conversationID))
		if convData == nil {
			return models.ErrNotFound
		}

		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(convData); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}

		msgBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		now := s.now().Unix()
		dbMsg := DBMessage{
			Seq:            dbConv.LastSeq + 1,
			ConversationID: conversationID,
			SenderID:       senderID,
			Body:           body,
			Attachments:    attachmentRefs,
			Timestamp:      now,
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := msgBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		dbConv.LastSeq = dbMsg.Seq
		dbConv.LastActivity = now
		convData, err = dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convBucket.Put(dbConv.Key(), convData); err != nil {
			return err
		}

		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

// FetchSince returns all messages with seq strictly greater than seq, in
// ascending seq order.
func (s *BboltStore) FetchSince(_ context.Context, conversationID string, seq int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if msgBucket == nil {
			return nil
		}

		minKey := make([]byte, 8)
		binary.BigEndian.PutUint64(minKey, uint64(seq+1))

		c := msgBucket.Cursor()
		for k, v := c.Seek(minKey); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	return messages, err
}

// MarkRead records the user's last-acknowledged sequence number. Acks are
// monotonic: a stale ack never moves the marker backwards, which keeps
// repeated poll calls idempotent.
func (s *BboltStore) MarkRead(_ context.Context, conversationID, userID string, seq int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ackBucket, err := tx.Bucket(bucketAcks).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}
		if existing := ackBucket.Get([]byte(userID)); existing != nil {
			if int64(binary.BigEndian.Uint64(existing)) >= seq {
				return nil
			}
		}
		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, uint64(seq))
		return ackBucket.Put([]byte(userID), val)
	})
}

func (s *BboltStore) LastAck(_ context.Context, conversationID, userID string) (int64, error) {
	var ack int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		ackBucket := tx.Bucket(bucketAcks).Bucket([]byte(conversationID))
		if ackBucket == nil {
			return nil
		}
		if data := ackBucket.Get([]byte(userID)); data != nil {
			ack = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return ack, err
}

func (c *DBConversation) toModel() models.Conversation {
	return models.Conversation{
		ID:           c.ID,
		Kind:         models.ConversationKind(c.Kind),
		Participants: c.Participants,
		CreatedAt:    c.CreatedAt,
		LastActivity: c.LastActivity,
	}
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		Seq:            m.Seq,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Attachments:    m.Attachments,
		Timestamp:      m.Timestamp,
	}
}
