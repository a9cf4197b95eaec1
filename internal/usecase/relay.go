package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"line-relay/internal/domain"
)

// RelayService is the single idempotent processing function behind both
// entry points: the synchronous fast path invoked from the webhook and the
// periodic sweep. The two paths coordinate only through the processed flag
// in the cache; they are never assumed to be mutually exclusive in time.
type RelayService struct {
	cache        IdempotentCache
	store        ConversationStore
	history      *HistoryAssembler
	orchestrator *CompletionOrchestrator
	deliverer    *Deliverer
	registry     *Registry
	cfg          Config
	log          *slog.Logger
	now          func() time.Time
}

func NewRelayService(cache IdempotentCache, store ConversationStore, history *HistoryAssembler, orchestrator *CompletionOrchestrator, deliverer *Deliverer, registry *Registry, cfg Config, log *slog.Logger) (*RelayService, error) {
	if cache == nil {
		return nil, errors.New("usecase: cache must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if history == nil {
		return nil, errors.New("usecase: history assembler must not be nil")
	}
	if orchestrator == nil {
		return nil, errors.New("usecase: completion orchestrator must not be nil")
	}
	if deliverer == nil {
		return nil, errors.New("usecase: deliverer must not be nil")
	}
	if registry == nil {
		return nil, errors.New("usecase: registry must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &RelayService{
		cache:        cache,
		store:        store,
		history:      history,
		orchestrator: orchestrator,
		deliverer:    deliverer,
		registry:     registry,
		cfg:          cfg.WithDefaults(),
		log:          log,
		now:          time.Now,
	}, nil
}

// Intake records one inbound event and runs the fast path synchronously.
// The payload is mirrored into the cache and the id queued first, so a later
// sweep can pick the request up if this invocation dies mid-flight.
func (s *RelayService) Intake(ctx context.Context, event domain.WebhookEvent) error {
	requestID := event.WebhookEventID
	if requestID == "" {
		requestID = newRequestID()
	}
	req := domain.PendingRequest{
		RequestID:  requestID,
		ReceivedAt: s.now(),
		Event:      event,
	}

	if err := s.cache.PutPending(ctx, req, s.cfg.PendingTTL); err != nil {
		// Without the mirrored payload the sweep cannot retry; the fast
		// path below is the only shot.
		s.log.Warn("pending mirror failed", "requestId", requestID, "err", err)
	}
	if err := s.cache.Enqueue(ctx, requestID); err != nil {
		s.log.Warn("enqueue failed", "requestId", requestID, "err", err)
	}

	return s.Process(ctx, req)
}

// Process handles one pending request. Safe to call from both paths and
// repeatedly for the same request; at most one reply is delivered.
func (s *RelayService) Process(ctx context.Context, req domain.PendingRequest) error {
	processed, err := s.cache.IsProcessed(ctx, req.RequestID)
	if err != nil {
		s.log.Warn("processed check failed", "requestId", req.RequestID, "err", err)
	}
	if processed {
		s.log.Info("request already processed, skipping", "requestId", req.RequestID)
		return nil
	}

	event := req.Event
	switch {
	case event.Type == domain.EventTypeFollow:
		return s.processFollow(ctx, req)
	case event.IsTextMessage():
		return s.processText(ctx, req)
	case event.Type == domain.EventTypeMessage:
		return s.processUnsupported(ctx, req)
	default:
		// Unknown event types (unfollow, join, ...) are dropped silently.
		if _, err := s.cache.MarkProcessed(ctx, req.RequestID, s.cfg.PendingTTL); err != nil {
			s.log.Warn("mark processed failed", "requestId", req.RequestID, "err", err)
		}
		return nil
	}
}

// processFollow registers the user on first contact and greets them.
func (s *RelayService) processFollow(ctx context.Context, req domain.PendingRequest) error {
	userID := req.Event.Source.UserID
	if _, err := s.registry.EnsureUser(ctx, userID); err != nil {
		return fmt.Errorf("usecase: follow registration: %w", err)
	}
	if !s.claim(ctx, req.RequestID) {
		return nil
	}
	if err := s.deliverer.Deliver(ctx, req.Event.ReplyToken, userID, greetingText); err != nil {
		s.log.Error("greeting delivery failed", "requestId", req.RequestID, "err", err)
	}
	return nil
}

// processUnsupported tells the user that only text is handled.
func (s *RelayService) processUnsupported(ctx context.Context, req domain.PendingRequest) error {
	if !s.claim(ctx, req.RequestID) {
		return nil
	}
	if err := s.deliverer.Deliver(ctx, req.Event.ReplyToken, req.Event.Source.UserID, nonTextNotice); err != nil {
		s.log.Error("notice delivery failed", "requestId", req.RequestID, "err", err)
	}
	return nil
}

// processText is the full pipeline for one text message.
func (s *RelayService) processText(ctx context.Context, req domain.PendingRequest) error {
	user, history, genErr := s.prepare(ctx, req)
	if genErr != nil {
		// Could not even assemble the request; apologize and leave the
		// request unclaimed so a sweep may retry within the pending TTL.
		s.deliverApology(ctx, req)
		return genErr
	}

	text := req.Event.Message.Text
	reply, ok := s.orchestrator.Generate(ctx, user, history, text)
	return s.Finish(ctx, req, user, text, reply, ok)
}

// prepare resolves the user record and assembles the conversation window.
func (s *RelayService) prepare(ctx context.Context, req domain.PendingRequest) (domain.User, []domain.ChatMessage, error) {
	userID := req.Event.Source.UserID
	user, err := s.registry.EnsureUser(ctx, userID)
	if err != nil {
		return domain.User{}, nil, fmt.Errorf("usecase: resolve user: %w", err)
	}
	convID := user.ConversationRef
	if convID == "" {
		convID = userID
	}
	history, err := s.history.Assemble(ctx, convID, req.Event.Message.Text)
	if err != nil {
		return domain.User{}, nil, err
	}
	return user, history, nil
}

// Finish reconciles one generated result back to its request: claim the
// processed flag, deliver, then record the durable side effects. Durable
// writes happen only once a reply exists, never before. A failed generation
// sends the apology and leaves the flag unset so a future sweep can retry.
func (s *RelayService) Finish(ctx context.Context, req domain.PendingRequest, user domain.User, text, reply string, ok bool) error {
	if !ok {
		s.deliverApology(ctx, req)
		return fmt.Errorf("usecase: completion failed for request %s", req.RequestID)
	}

	if !s.claim(ctx, req.RequestID) {
		s.log.Info("reply already delivered by other path", "requestId", req.RequestID)
		return nil
	}

	if err := s.deliverer.Deliver(ctx, req.Event.ReplyToken, user.ID, reply); err != nil {
		// The turn is still recorded below: the reply was obtained, and a
		// delivered-but-unrecorded turn is the worse inconsistency.
		s.log.Error("reply delivery failed", "requestId", req.RequestID, "err", err)
	}

	convID := user.ConversationRef
	if convID == "" {
		convID = user.ID
	}
	if err := s.store.AppendTurn(ctx, domain.Turn{
		ConversationID: convID,
		UserText:       text,
		AssistantText:  reply,
		Timestamp:      s.now(),
	}); err != nil {
		s.log.Error("turn append failed", "requestId", req.RequestID, "err", err)
	}
	if err := s.registry.RecordInteraction(ctx, user.ID); err != nil {
		s.log.Error("registry update failed", "requestId", req.RequestID, "err", err)
	}
	return nil
}

// claim performs the single false→true transition of the processed flag.
// Cache errors resolve in favor of delivering: a missed reply is worse than
// a rare duplicate.
func (s *RelayService) claim(ctx context.Context, requestID string) bool {
	claimed, err := s.cache.MarkProcessed(ctx, requestID, s.cfg.PendingTTL)
	if err != nil {
		s.log.Warn("processed claim failed, delivering anyway", "requestId", requestID, "err", err)
		return true
	}
	return claimed
}

func (s *RelayService) deliverApology(ctx context.Context, req domain.PendingRequest) {
	if err := s.deliverer.Deliver(ctx, req.Event.ReplyToken, req.Event.Source.UserID, apologyText); err != nil {
		s.log.Error("apology delivery failed", "requestId", req.RequestID, "err", err)
	}
}

var newRequestID = func() string {
	return uuid.NewString()
}
