// Package cache is the idempotent cache backing pending requests, processed
// flags, memoized responses, the sweep queue, profile lookups and the
// registry lock. Everything here is ephemeral: an eviction costs at most a
// dropped or duplicate relay.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"line-relay/internal/domain"
)

const (
	keyPrefixPending   = "relay:pending:"
	keyPrefixProcessed = "relay:processed:"
	keyPrefixResponse  = "relay:resp:"
	keyPrefixProfile   = "relay:profile:"
	keyPrefixLock      = "relay:lock:"
	keyQueue           = "relay:queue"

	lockPollInterval = 100 * time.Millisecond
)

// releaseLockScript deletes the lock key only while it still holds the
// caller's token, in one atomic step on the server.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Client wraps a Redis connection with the relay's cache operations.
type Client struct {
	rdb *redis.Client
}

// New creates a Client. The connection is assumed to be pinged by the caller
// at startup.
func New(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("cache: redis client must not be nil")
	}
	return &Client{rdb: rdb}, nil
}

// PutPending stores the raw event payload for possible re-processing by a
// later sweep.
func (c *Client) PutPending(ctx context.Context, req domain.PendingRequest, ttl time.Duration) error {
	if req.RequestID == "" {
		return errors.New("cache: pending request id must not be empty")
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("cache: marshal pending request: %w", err)
	}
	if err := c.rdb.Set(ctx, keyPrefixPending+req.RequestID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: put pending %q: %w", req.RequestID, err)
	}
	return nil
}

// GetPending returns the cached payload for a request id, reporting false
// when the entry has expired or never existed.
func (c *Client) GetPending(ctx context.Context, requestID string) (domain.PendingRequest, bool, error) {
	raw, err := c.rdb.Get(ctx, keyPrefixPending+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PendingRequest{}, false, nil
	}
	if err != nil {
		return domain.PendingRequest{}, false, fmt.Errorf("cache: get pending %q: %w", requestID, err)
	}
	var req domain.PendingRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return domain.PendingRequest{}, false, fmt.Errorf("cache: unmarshal pending %q: %w", requestID, err)
	}
	return req, true, nil
}

// MarkProcessed atomically claims the processed flag for a request. It
// returns true only for the single caller that performed the unset→set
// transition; every other caller (the losing path) gets false.
func (c *Client) MarkProcessed(ctx context.Context, requestID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, keyPrefixProcessed+requestID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: mark processed %q: %w", requestID, err)
	}
	return ok, nil
}

// IsProcessed reports whether a request has already been fully processed.
func (c *Client) IsProcessed(ctx context.Context, requestID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, keyPrefixProcessed+requestID).Result()
	if err != nil {
		return false, fmt.Errorf("cache: check processed %q: %w", requestID, err)
	}
	return n > 0, nil
}

// responseKey keys memoized replies by user id plus whitespace-normalized
// message text. The user id stays in the key so identical text from two
// users can never cross over.
func responseKey(userID, text string) string {
	norm := strings.Join(strings.Fields(strings.TrimSpace(text)), " ")
	return keyPrefixResponse + userID + ":" + norm
}

// PutResponse memoizes a generated reply for the dedupe window.
func (c *Client) PutResponse(ctx context.Context, userID, text string, resp domain.CachedResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache: marshal response: %w", err)
	}
	if err := c.rdb.Set(ctx, responseKey(userID, text), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: put response: %w", err)
	}
	return nil
}

// GetResponse returns a memoized reply for (userID, text) if one is still
// inside the dedupe window.
func (c *Client) GetResponse(ctx context.Context, userID, text string) (domain.CachedResponse, bool, error) {
	raw, err := c.rdb.Get(ctx, responseKey(userID, text)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CachedResponse{}, false, nil
	}
	if err != nil {
		return domain.CachedResponse{}, false, fmt.Errorf("cache: get response: %w", err)
	}
	var resp domain.CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.CachedResponse{}, false, fmt.Errorf("cache: unmarshal response: %w", err)
	}
	return resp, true, nil
}

// Enqueue appends a request id to the sweep queue (FIFO).
func (c *Client) Enqueue(ctx context.Context, requestID string) error {
	if err := c.rdb.RPush(ctx, keyQueue, requestID).Err(); err != nil {
		return fmt.Errorf("cache: enqueue %q: %w", requestID, err)
	}
	return nil
}

// Drain pops up to n request ids from the head of the queue. The un-drained
// remainder stays queued; Redis removes the key once the list is empty.
func (c *Client) Drain(ctx context.Context, n int) ([]string, error) {
	ids, err := c.rdb.LPopCount(ctx, keyQueue, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: drain queue: %w", err)
	}
	return ids, nil
}

// QueueLen returns the number of ids currently queued.
func (c *Client) QueueLen(ctx context.Context) (int64, error) {
	n, err := c.rdb.LLen(ctx, keyQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: queue length: %w", err)
	}
	return n, nil
}

// GetProfile returns a cached platform profile, if any.
func (c *Client) GetProfile(ctx context.Context, userID string) (domain.Profile, bool, error) {
	raw, err := c.rdb.Get(ctx, keyPrefixProfile+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Profile{}, false, nil
	}
	if err != nil {
		return domain.Profile{}, false, fmt.Errorf("cache: get profile %q: %w", userID, err)
	}
	var p domain.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Profile{}, false, fmt.Errorf("cache: unmarshal profile %q: %w", userID, err)
	}
	return p, true, nil
}

// PutProfile caches a platform profile to bound repeated external lookups.
func (c *Client) PutProfile(ctx context.Context, userID string, p domain.Profile, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("cache: marshal profile: %w", err)
	}
	if err := c.rdb.Set(ctx, keyPrefixProfile+userID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: put profile %q: %w", userID, err)
	}
	return nil
}

// AcquireLock takes a named mutex shared across invocations, polling until
// wait elapses. It returns a release func and whether the lock was won; the
// caller decides what to do on a timeout. The TTL bounds how long a crashed
// holder can wedge the lock.
func (c *Client) AcquireLock(ctx context.Context, name string, wait, ttl time.Duration) (func(), bool) {
	key := keyPrefixLock + name
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
		if err == nil && ok {
			return func() {
				// Compare-and-delete so a lock that expired and was
				// reacquired is never deleted from under the new holder.
				_ = releaseLockScript.Run(context.Background(), c.rdb, []string{key}, token).Err()
			}, true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return func() {}, false
		}
		time.Sleep(lockPollInterval)
	}
}
