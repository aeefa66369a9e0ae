package models

type EventType string

const (
	EventMessage       EventType = "message"
	EventTypingStarted EventType = "typingStarted"
	EventTypingStopped EventType = "typingStopped"
	EventReadReceipt   EventType = "readReceipt"
	EventUnreadCount   EventType = "unreadCount"
	EventPresence      EventType = "presence"
	EventMode          EventType = "mode"
	EventError         EventType = "error"
)

// Event is a server-to-client event. The same shape is used on the wire and
// inside the delivery router.
type Event struct {
	Type           EventType    `json:"type"`
	ConversationID string       `json:"conversationId,omitempty"`
	UserID         string       `json:"userId,omitempty"` // acting user: sender, typist, reader
	Message        *Message     `json:"message,omitempty"`
	Seq            int64        `json:"seq,omitempty"`    // acked seq for read receipts
	Unread         int64        `json:"unread,omitempty"` // new count for unreadCount events
	Online         bool         `json:"online,omitempty"`
	Mode           DeliveryMode `json:"mode,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// Droppable reports whether the router may shed this event under buffer
// pressure. Messages are never droppable.
func (e Event) Droppable() bool {
	return e.Type != EventMessage
}

type ClientMessageType string

const (
	ClientMessageTypeSubscribe   ClientMessageType = "subscribe"
	ClientMessageTypeUnsubscribe ClientMessageType = "unsubscribe"
	ClientMessageTypeSend        ClientMessageType = "send"
	ClientMessageTypeTyping      ClientMessageType = "typing"
	ClientMessageTypeStopTyping  ClientMessageType = "stopTyping"
	ClientMessageTypeAckRead     ClientMessageType = "ackRead"
	ClientMessageTypeView        ClientMessageType = "view"
	ClientMessageTypeHeartbeat   ClientMessageType = "heartbeat"
)

// ClientMessage is a message sent from the client to the server.
type ClientMessage struct {
	Type           ClientMessageType `json:"type"`
	ConversationID string            `json:"conversationId,omitempty"`
	Body           string            `json:"body,omitempty"`
	Attachments    []string          `json:"attachments,omitempty"`
	Seq            int64             `json:"seq,omitempty"`     // for ackRead
	Viewing        bool              `json:"viewing,omitempty"` // for view marker
}
