package messaging

// TopicBuilder helps construct the topic names the backend expects
type TopicBuilder struct{}

// UserMessages returns the topic for messages addressed to a user
func (TopicBuilder) UserMessages(userID string) string {
	return "users/" + userID + "/messages"
}

// UserResponses returns the topic for replies to a user's requests
func (TopicBuilder) UserResponses(userID string) string {
	return "users/" + userID + "/responses"
}

// UserNotifications returns the topic for a user's notifications
func (TopicBuilder) UserNotifications(userID string) string {
	return "users/" + userID + "/notifications"
}

// UserStatus returns the topic for a user's status updates
func (TopicBuilder) UserStatus(userID string) string {
	return "users/" + userID + "/status"
}

// User returns every personal topic of a user
func (t TopicBuilder) User(userID string) []string {
	return []string{
		t.UserMessages(userID),
		t.UserResponses(userID),
		t.UserNotifications(userID),
		t.UserStatus(userID),
	}
}

// Conversation returns the topic for a conversation's messages
func (TopicBuilder) Conversation(conversationID string) string {
	return "conversations/" + conversationID
}

// ConversationStatus returns the topic for a conversation's status updates
func (TopicBuilder) ConversationStatus(conversationID string) string {
	return "conversations/" + conversationID + "/status"
}

// ConversationAll returns every topic of a conversation
func (t TopicBuilder) ConversationAll(conversationID string) []string {
	return []string{
		t.Conversation(conversationID),
		t.ConversationStatus(conversationID),
	}
}

// Send returns the shared topic all outgoing envelopes are published to
func (TopicBuilder) Send() string {
	return "messages/send"
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}
