package model

import (
	"encoding/json"
	"time"
)

// EventName is the name an event is bound under on a push channel.
type EventName string

const (
	EventMessageNew          EventName = "message:new"
	EventConversationRead    EventName = "conversation:read"
	EventTyping              EventName = "typing"
	EventConversationUpdated EventName = "conversation:updated"
	EventConversationStarted EventName = "conversation:started"
	EventConversationHidden  EventName = "conversation:hidden"
	EventConversationRestore EventName = "conversation:restored"
)

// Envelope is the wire frame carried by the push transport.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   EventName       `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Event is a decoded, validated push event.
type Event interface {
	Name() EventName
	Conversation() string
}

// MessageNewEvent carries a newly created message.
type MessageNewEvent struct {
	Message Message `json:"message"`
}

func (e *MessageNewEvent) Name() EventName      { return EventMessageNew }
func (e *MessageNewEvent) Conversation() string { return e.Message.ConversationID }

// ConversationReadEvent reports that a participant read up to ReadAt.
type ConversationReadEvent struct {
	ConversationID string    `json:"conversation_id" validate:"required"`
	ReaderID       string    `json:"reader_id" validate:"required"`
	ReadAt         time.Time `json:"read_at" validate:"required"`
}

func (e *ConversationReadEvent) Name() EventName      { return EventConversationRead }
func (e *ConversationReadEvent) Conversation() string { return e.ConversationID }

// TypingEvent reports a participant's typing state.
type TypingEvent struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	UserID         string `json:"user_id" validate:"required"`
	Typing         bool   `json:"typing"`
}

func (e *TypingEvent) Name() EventName      { return EventTyping }
func (e *TypingEvent) Conversation() string { return e.ConversationID }

// ConversationUpdatedEvent is the lighter account-wide notification. Any
// field besides ConversationID may be absent.
type ConversationUpdatedEvent struct {
	ConversationID string    `json:"conversation_id" validate:"required"`
	SenderID       string    `json:"sender_id,omitempty"`
	SenderName     string    `json:"sender_name,omitempty"`
	MessageID      string    `json:"last_message_id,omitempty"`
	Preview        string    `json:"preview,omitempty" validate:"max=1000"`
	UnreadCount    *int      `json:"unread_count,omitempty" validate:"omitempty,min=0"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (e *ConversationUpdatedEvent) Name() EventName      { return EventConversationUpdated }
func (e *ConversationUpdatedEvent) Conversation() string { return e.ConversationID }

// ConversationStateEvent covers started, hidden and restored.
type ConversationStateEvent struct {
	Kind           EventName `json:"-"`
	ConversationID string    `json:"conversation_id" validate:"required"`
	UserID         string    `json:"user_id,omitempty"`
	At             time.Time `json:"at"`
}

func (e *ConversationStateEvent) Name() EventName      { return e.Kind }
func (e *ConversationStateEvent) Conversation() string { return e.ConversationID }

// UI event types sent over the local stream.
const (
	UITimeline     = "timeline"
	UIUnread       = "unread"
	UIToast        = "toast"
	UISound        = "sound"
	UINotification = "notification"
	UIConnection   = "connection"
	UITyping       = "typing"
	UIHeartbeat    = "heartbeat"
	UIConversation = "conversation"
)

// UIEvent is a frame pushed to local UI consumers over SSE.
type UIEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Toast is a transient user-facing notice.
type Toast struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Level          string `json:"level"`
	Retry          string `json:"retry,omitempty"`
}

// UnreadUpdate carries the displayed unread counts.
type UnreadUpdate struct {
	Total         int            `json:"total"`
	Conversations map[string]int `json:"conversations"`
}

// Notification is an OS-level notification request.
type Notification struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
}
