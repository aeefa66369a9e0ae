package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
)

type ConversationKind string

const (
	ConversationKindDM   ConversationKind = "dm"
	ConversationKindTeam ConversationKind = "team"
)

// Conversation is the core's projection of a stored conversation.
// The store owns it; the core only reads membership and touches LastActivity.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Participants []string         `json:"participants"`
	CreatedAt    int64            `json:"createdAt"`    // Unix timestamp (seconds)
	LastActivity int64            `json:"lastActivity"` // Unix timestamp (seconds)
}

func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a single chat message. Seq is assigned by the store at append
// time and is strictly increasing within a conversation.
type Message struct {
	Seq            int64    `json:"seq"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	Body           string   `json:"body,omitempty"`
	Attachments    []string `json:"attachments,omitempty"` // opaque object-store keys
	Timestamp      int64    `json:"timestamp"`             // Unix timestamp (seconds)
}

type DeliveryMode string

const (
	ModeLive     DeliveryMode = "live"
	ModeDegraded DeliveryMode = "degraded"
	ModePolling  DeliveryMode = "polling"
)
