package domain

// ChatMessage is the provider-agnostic chat message shape sent to the
// completion API. Roles are "system", "user" and "assistant".
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
