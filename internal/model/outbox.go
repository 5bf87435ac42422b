package model

import "time"

// OutboxItem is a message waiting to be sent.
type OutboxItem struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Body           string    `json:"body"`
	ClientID       string    `json:"client_id,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
}

// Preferences are the user's notification toggles.
type Preferences struct {
	Sound               bool `json:"sound"`
	BrowserNotification bool `json:"browser_notification"`
}

// DefaultPreferences enables sound and leaves OS notifications off.
func DefaultPreferences() Preferences {
	return Preferences{Sound: true}
}
