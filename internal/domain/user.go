package domain

// Participant is the public view of a user taking part in a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	IsOnline    bool   `json:"isOnline,omitempty"` // only set if the user allows showing online status
}
