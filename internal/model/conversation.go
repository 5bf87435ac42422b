// Package model defines data structures for the conversation sync core.
package model

import (
	"time"
)

// Conversation is a two-party thread between a buyer and a seller.
type Conversation struct {
	ID             string                `json:"id"`
	Participants   []string              `json:"participants"`
	HiddenAt       map[string]*time.Time `json:"hidden_at,omitempty"`
	LastReadAt     map[string]*time.Time `json:"last_read_at,omitempty"`
	LastActivityAt time.Time             `json:"last_activity_at"`
	UnreadCount    int                   `json:"unread_count,omitempty"`
	Preview        string                `json:"preview,omitempty"`
}

// Counterparty returns the participant that is not self, or "" when the
// participant list does not contain self.
func (c *Conversation) Counterparty(self string) string {
	found := false
	other := ""
	for _, p := range c.Participants {
		if p == self {
			found = true
			continue
		}
		other = p
	}
	if !found {
		return ""
	}
	return other
}

// IsHiddenFor reports whether user has soft-hidden the conversation.
func (c *Conversation) IsHiddenFor(user string) bool {
	if c.HiddenAt == nil {
		return false
	}
	return c.HiddenAt[user] != nil
}

// LastReadBy returns the last read timestamp of user, if any.
func (c *Conversation) LastReadBy(user string) *time.Time {
	if c.LastReadAt == nil {
		return nil
	}
	return c.LastReadAt[user]
}

// ListConversationsResponse is the body of GET conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// ThreadSummary is one entry of an inbox snapshot.
type ThreadSummary struct {
	ConversationID string    `json:"conversation_id"`
	UnreadCount    int       `json:"unread_count"`
	LastMessageAt  time.Time `json:"last_message_at"`
	Preview        string    `json:"preview,omitempty"`
	Hidden         bool      `json:"hidden,omitempty"`
}

// InboxSnapshot is the authoritative periodic unread state.
type InboxSnapshot struct {
	UnreadCount   int             `json:"unread_count"`
	RecentThreads []ThreadSummary `json:"recent_threads"`
}

// SellerProfile is the minimal profile used for display names.
type SellerProfile struct {
	Company  string `json:"company"`
	FullName string `json:"full_name"`
}

// DisplayName prefers the company name over the person's name.
func (p *SellerProfile) DisplayName() string {
	if p == nil {
		return ""
	}
	if p.Company != "" {
		return p.Company
	}
	return p.FullName
}
