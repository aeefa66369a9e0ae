package store

import (
	"context"
	"fmt"
	"sort"

	"huddle/internal/models"
)

// Store is the narrow interface to the conversation persistence collaborator.
// All operations are potentially slow; callers must not hold internal locks
// across them. Append is the sole sequence-number authority: it assigns seq
// atomically with the write, so concurrent appends to one conversation can
// never produce duplicate or out-of-order numbers.
type Store interface {
	CreateConversation(ctx context.Context, kind models.ConversationKind, participants []string) (models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	Conversations(ctx context.Context, userID string) ([]Summary, error)
	Append(ctx context.Context, conversationID, senderID, body string, attachmentRefs []string) (models.Message, error)
	FetchSince(ctx context.Context, conversationID string, seq int64) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string, seq int64) error
	LastAck(ctx context.Context, conversationID, userID string) (int64, error)
}

// Summary is a conversation list entry: the conversation plus its most
// recent message for preview purposes.
type Summary struct {
	models.Conversation
	LastMessage *models.Message `json:"lastMessage,omitempty"`
}

// AttachmentResolver maps opaque attachment keys to fetchable URLs. The
// engine never touches attachment bytes; resolution is the object-store
// collaborator's job.
type AttachmentResolver interface {
	ResolveURL(ctx context.Context, key string) (string, error)
}

// URLResolver is a trivial resolver that prefixes keys with a base URL.
type URLResolver struct {
	BaseURL string
}

func (r URLResolver) ResolveURL(_ context.Context, key string) (string, error) {
	return r.BaseURL + "/" + key, nil
}

// DMConversationID builds a deterministic ID for a direct conversation, so
// two users always share exactly one DM.
func DMConversationID(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return fmt.Sprintf("dm_%s_%s", ids[0], ids[1])
}

// dedupe returns a sorted copy of ids with duplicates removed.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
