package domain

import "time"

// User is one registry record, created on first contact. MessageCount and
// UpdatedAt mutate on every processed message; everything else is write-once.
type User struct {
	ID              string
	DisplayName     string
	AvatarRef       string
	MessageCount    int
	ConversationRef string
	CreatedAt       string
	UpdatedAt       string
}

// Turn is one persisted conversation exchange. Immutable once written.
type Turn struct {
	ConversationID string
	UserText       string
	AssistantText  string
	Timestamp      time.Time
}

// Profile is the subset of the platform profile API response we keep.
type Profile struct {
	DisplayName string `json:"displayName"`
	PictureURL  string `json:"pictureUrl"`
}

// ReferenceNote is one record of the operator-maintained reference feed
// that gets rendered into the system prompt.
type ReferenceNote struct {
	Date string
	Text string
}
