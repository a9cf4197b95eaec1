package domain

import "time"

// PendingRequest is the cached record of one inbound event awaiting (or
// re-awaiting) processing. It lives only in the idempotent cache; eviction
// costs at most a dropped or duplicate relay, never a corrupt transcript.
type PendingRequest struct {
	RequestID  string       `json:"requestId"`
	ReceivedAt time.Time    `json:"receivedAt"`
	Event      WebhookEvent `json:"event"`
}

// CachedResponse memoizes one generated reply for a short window so that
// duplicate webhook deliveries of the same message reuse it instead of
// issuing a second completion call.
type CachedResponse struct {
	ResponseText string    `json:"responseText"`
	Timestamp    time.Time `json:"timestamp"`
}
