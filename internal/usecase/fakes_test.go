package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"line-relay/internal/domain"
	"line-relay/internal/repository"
)

// ---------------------------------------------------------------------------
// in-memory idempotent cache
// ---------------------------------------------------------------------------

type fakeCache struct {
	mu        sync.Mutex
	pending   map[string]domain.PendingRequest
	processed map[string]bool
	responses map[string]domain.CachedResponse
	profiles  map[string]domain.Profile
	queue     []string
	locks     map[string]chan struct{}

	lockTimeout  bool // force every acquisition to time out
	pendingErr   error
	enqueueCount int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		pending:   map[string]domain.PendingRequest{},
		processed: map[string]bool{},
		responses: map[string]domain.CachedResponse{},
		profiles:  map[string]domain.Profile{},
		locks:     map[string]chan struct{}{},
	}
}

func (c *fakeCache) PutPending(_ context.Context, req domain.PendingRequest, _ time.Duration) error {
	if c.pendingErr != nil {
		return c.pendingErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[req.RequestID] = req
	return nil
}

func (c *fakeCache) GetPending(_ context.Context, requestID string) (domain.PendingRequest, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[requestID]
	return req, ok, nil
}

func (c *fakeCache) MarkProcessed(_ context.Context, requestID string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.processed[requestID] {
		return false, nil
	}
	c.processed[requestID] = true
	return true, nil
}

func (c *fakeCache) IsProcessed(_ context.Context, requestID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed[requestID], nil
}

func (c *fakeCache) PutResponse(_ context.Context, userID, text string, resp domain.CachedResponse, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[userID+":"+text] = resp
	return nil
}

func (c *fakeCache) GetResponse(_ context.Context, userID, text string) (domain.CachedResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.responses[userID+":"+text]
	return resp, ok, nil
}

func (c *fakeCache) Enqueue(_ context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, requestID)
	c.enqueueCount++
	return nil
}

func (c *fakeCache) Drain(_ context.Context, n int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.queue) {
		n = len(c.queue)
	}
	ids := c.queue[:n]
	c.queue = c.queue[n:]
	return ids, nil
}

func (c *fakeCache) QueueLen(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.queue)), nil
}

func (c *fakeCache) GetProfile(_ context.Context, userID string) (domain.Profile, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[userID]
	return p, ok, nil
}

func (c *fakeCache) PutProfile(_ context.Context, userID string, p domain.Profile, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[userID] = p
	return nil
}

func (c *fakeCache) AcquireLock(_ context.Context, name string, wait, _ time.Duration) (func(), bool) {
	if c.lockTimeout {
		return func() {}, false
	}
	c.mu.Lock()
	ch, ok := c.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		c.locks[name] = ch
	}
	c.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	case <-time.After(wait):
		return func() {}, false
	}
}

// ---------------------------------------------------------------------------
// in-memory conversation store
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu    sync.Mutex
	users map[string]*domain.User
	turns map[string][]domain.Turn
	notes []domain.ReferenceNote

	getUserErr error
	turnsErr   error
	appendErr  error

	createCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]*domain.User{},
		turns: map[string][]domain.Turn{},
	}
}

func (s *fakeStore) GetUser(_ context.Context, userID string) (domain.User, bool, error) {
	if s.getUserErr != nil {
		return domain.User{}, false, s.getUserErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.User{}, false, nil
	}
	return *u, true, nil
}

func (s *fakeStore) CreateUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if _, exists := s.users[u.ID]; exists {
		return repository.ErrUserExists
	}
	copied := u
	s.users[u.ID] = &copied
	return nil
}

func (s *fakeStore) RecordUserMessage(_ context.Context, userID, updatedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("fake store: user %s not found", userID)
	}
	u.MessageCount++
	u.UpdatedAt = updatedAt
	return nil
}

func (s *fakeStore) GetRecentTurns(_ context.Context, convID string, limit int) ([]domain.Turn, error) {
	if s.turnsErr != nil {
		return nil, s.turnsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.turns[convID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]domain.Turn, len(all))
	copy(out, all)
	return out, nil
}

func (s *fakeStore) AppendTurn(_ context.Context, turn domain.Turn) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.ConversationID] = append(s.turns[turn.ConversationID], turn)
	return nil
}

func (s *fakeStore) GetReferenceNotes(_ context.Context, _ int) ([]domain.ReferenceNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ReferenceNote, len(s.notes))
	copy(out, s.notes)
	return out, nil
}

// ---------------------------------------------------------------------------
// messaging platform fake
// ---------------------------------------------------------------------------

type sentMessage struct {
	target string // reply token or user id
	text   string
}

type fakeMessenger struct {
	mu      sync.Mutex
	replies []sentMessage
	pushes  []sentMessage

	replyErrs  []error // consumed one per Reply call; nil entry = success
	pushErr    error
	profile    domain.Profile
	profileErr error

	profileCalls int
}

func (m *fakeMessenger) Reply(_ context.Context, replyToken, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if len(m.replyErrs) > 0 {
		err = m.replyErrs[0]
		m.replyErrs = m.replyErrs[1:]
	}
	if err != nil {
		return err
	}
	m.replies = append(m.replies, sentMessage{target: replyToken, text: text})
	return nil
}

func (m *fakeMessenger) Push(_ context.Context, userID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return m.pushErr
	}
	m.pushes = append(m.pushes, sentMessage{target: userID, text: text})
	return nil
}

func (m *fakeMessenger) GetProfile(_ context.Context, _ string) (domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profileCalls++
	return m.profile, m.profileErr
}

func (m *fakeMessenger) replyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replies)
}

func (m *fakeMessenger) pushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pushes)
}

// replyAttempts counts Reply invocations including failed ones.
type countingMessenger struct {
	fakeMessenger
	replyCalls int
}

func (m *countingMessenger) Reply(ctx context.Context, replyToken, text string) error {
	m.mu.Lock()
	m.replyCalls++
	m.mu.Unlock()
	return m.fakeMessenger.Reply(ctx, replyToken, text)
}

// ---------------------------------------------------------------------------
// completion API fake
// ---------------------------------------------------------------------------

type llmResult struct {
	text string
	err  error
}

type fakeLLM struct {
	mu      sync.Mutex
	results []llmResult // consumed sequentially, last one repeats
	calls   int
	lastMsg []domain.ChatMessage
	model   string
}

func (f *fakeLLM) Complete(_ context.Context, model string, messages []domain.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.model = model
	f.lastMsg = messages
	if len(f.results) == 0 {
		return "", fmt.Errorf("fake llm: no result configured")
	}
	idx := f.calls - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx].text, f.results[idx].err
}

// ---------------------------------------------------------------------------
// paramstore fake
// ---------------------------------------------------------------------------

type fakeParams struct {
	vals map[string]string
	err  error
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

func defaultParams() *fakeParams {
	return &fakeParams{vals: map[string]string{
		"/line-relay/system-prompt": "You are a friendly diary companion.",
		"/line-relay/config/model":  "o3-mini",
	}}
}
