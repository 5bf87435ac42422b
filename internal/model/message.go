package model

import (
	"strings"
	"time"
)

const (
	// TempKeyPrefix marks a timeline item created optimistically.
	TempKeyPrefix = "temp-"
	// DurableKeyPrefix marks a timeline item backed by a server message.
	DurableKeyPrefix = "msg-"
)

// Message is a server-side conversation message. Immutable once created.
type Message struct {
	ID             string     `json:"id" validate:"required"`
	ConversationID string     `json:"conversation_id" validate:"required"`
	SenderID       string     `json:"sender_id" validate:"required"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"created_at" validate:"required"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`

	// ClientID echoes the temporary key supplied at send time.
	ClientID string `json:"client_id,omitempty"`
}

// DurableKey returns the timeline key of a confirmed message.
func DurableKey(messageID string) string {
	return DurableKeyPrefix + messageID
}

// IsTempKey reports whether key was assigned at optimistic-send time.
func IsTempKey(key string) bool {
	return strings.HasPrefix(key, TempKeyPrefix)
}

// TimelineItem is the client view of a message.
type TimelineItem struct {
	Key     string  `json:"key"`
	Message Message `json:"message"`

	// Pending is set while the send is in flight or queued.
	Pending bool `json:"pending,omitempty"`
	// Failed is set when the send failed and was not restored.
	Failed bool `json:"failed,omitempty"`
}

// SortID is the tie-break identifier used for ordering.
func (i *TimelineItem) SortID() string {
	if i.Message.ID != "" {
		return i.Message.ID
	}
	return i.Key
}

// Resolved reports whether the item carries a durable key.
func (i *TimelineItem) Resolved() bool {
	return !IsTempKey(i.Key)
}

// DeliveryStatus is derived from timestamps and local flags.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// MessagePage selects a page of messages. Before and After are mutually
// exclusive cursors on created_at.
type MessagePage struct {
	Limit  int
	Before *time.Time
	After  *time.Time
}

// SendMessageRequest is the body of POST conversations/{id}/messages.
type SendMessageRequest struct {
	Body     string `json:"body" validate:"required,max=5000"`
	ClientID string `json:"client_id,omitempty"`
}

// ListMessagesResponse is the body of GET conversations/{id}/messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// TypingRequest is the body of POST conversations/{id}/typing.
type TypingRequest struct {
	Typing bool `json:"typing"`
}
