package usecase

import (
	"context"
	"time"

	"line-relay/internal/domain"
)

// ParamGetter fetches one configuration parameter by name.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// CompletionClient issues a single chat completion call. Retry policy lives
// in the orchestrator, not the client.
type CompletionClient interface {
	Complete(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// MessagingClient covers the three platform calls the relay makes: the
// single-use reply channel, the durable push channel and profile lookup.
type MessagingClient interface {
	Reply(ctx context.Context, replyToken, text string) error
	Push(ctx context.Context, userID, text string) error
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
}

// ConversationStore is the durable registry + transcript collaborator.
type ConversationStore interface {
	GetUser(ctx context.Context, userID string) (domain.User, bool, error)
	CreateUser(ctx context.Context, u domain.User) error
	RecordUserMessage(ctx context.Context, userID, updatedAt string) error
	GetRecentTurns(ctx context.Context, convID string, limit int) ([]domain.Turn, error)
	AppendTurn(ctx context.Context, turn domain.Turn) error
	GetReferenceNotes(ctx context.Context, limit int) ([]domain.ReferenceNote, error)
}

// IdempotentCache is the ephemeral key/TTL collaborator coordinating the
// immediate and sweep processing paths.
type IdempotentCache interface {
	PutPending(ctx context.Context, req domain.PendingRequest, ttl time.Duration) error
	GetPending(ctx context.Context, requestID string) (domain.PendingRequest, bool, error)
	MarkProcessed(ctx context.Context, requestID string, ttl time.Duration) (bool, error)
	IsProcessed(ctx context.Context, requestID string) (bool, error)
	PutResponse(ctx context.Context, userID, text string, resp domain.CachedResponse, ttl time.Duration) error
	GetResponse(ctx context.Context, userID, text string) (domain.CachedResponse, bool, error)
	Enqueue(ctx context.Context, requestID string) error
	Drain(ctx context.Context, n int) ([]string, error)
	QueueLen(ctx context.Context) (int64, error)
	GetProfile(ctx context.Context, userID string) (domain.Profile, bool, error)
	PutProfile(ctx context.Context, userID string, p domain.Profile, ttl time.Duration) error
	AcquireLock(ctx context.Context, name string, wait, ttl time.Duration) (func(), bool)
}

// httpStatusCoder surfaces the upstream status code for logging without
// caring which client produced the error.
type httpStatusCoder interface {
	HTTPStatusCode() int
}
