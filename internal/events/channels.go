package events

import "strings"

const (
	userChannelPrefix         = "user-"
	conversationChannelPrefix = "conversation-"
)

// UserChannel returns the private account-wide channel of a user.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// ConversationChannel returns the private channel of one conversation.
func ConversationChannel(conversationID string) string {
	return conversationChannelPrefix + conversationID
}

// ConversationFromChannel extracts the conversation id from a
// conversation channel name.
func ConversationFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, conversationChannelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, conversationChannelPrefix)
	return id, id != ""
}

// UserFromChannel extracts the user id from a user channel name.
func UserFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, userChannelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, userChannelPrefix)
	return id, id != ""
}
