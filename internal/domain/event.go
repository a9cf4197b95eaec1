package domain

// Webhook event types delivered by the messaging platform.
const (
	EventTypeMessage = "message"
	EventTypeFollow  = "follow"

	MessageTypeText = "text"
)

// WebhookEnvelope is the body of one inbound webhook POST. An envelope with
// no events is a connectivity probe.
type WebhookEnvelope struct {
	Destination string         `json:"destination"`
	Events      []WebhookEvent `json:"events"`
}

// WebhookEvent is one platform event. ReplyToken is single-use and
// short-lived; Source.UserID is the durable identifier used for the push
// fallback.
type WebhookEvent struct {
	Type           string       `json:"type"`
	WebhookEventID string       `json:"webhookEventId,omitempty"`
	ReplyToken     string       `json:"replyToken,omitempty"`
	Timestamp      int64        `json:"timestamp,omitempty"`
	Source         EventSource  `json:"source"`
	Message        EventMessage `json:"message"`
}

type EventSource struct {
	Type   string `json:"type,omitempty"`
	UserID string `json:"userId"`
}

type EventMessage struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// IsTextMessage reports whether the event is a plain text message.
func (e WebhookEvent) IsTextMessage() bool {
	return e.Type == EventTypeMessage && e.Message.Type == MessageTypeText
}
