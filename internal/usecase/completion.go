package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"line-relay/internal/domain"
	"line-relay/internal/retry"
)

// CompletionOrchestrator builds the full prompt, calls the completion API
// with bounded retries and memoizes replies for the dedupe window. It never
// fails its caller: an exhausted retry budget degrades to the fixed apology.
type CompletionOrchestrator struct {
	llm    CompletionClient
	params ParamGetter
	store  ConversationStore
	cache  IdempotentCache
	cfg    Config
	log    *slog.Logger

	retrier retry.Retrier
	now     func() time.Time

	// Operator instructions and model name are loaded from SSM once per
	// process, on first use.
	cfgMu        sync.RWMutex
	cfgLoaded    bool
	instructions string
	model        string
}

func NewCompletionOrchestrator(llm CompletionClient, params ParamGetter, store ConversationStore, cache IdempotentCache, cfg Config, log *slog.Logger) (*CompletionOrchestrator, error) {
	if llm == nil {
		return nil, errors.New("usecase: completion client must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if cache == nil {
		return nil, errors.New("usecase: cache must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.WithDefaults()
	return &CompletionOrchestrator{
		llm:     llm,
		params:  params,
		store:   store,
		cache:   cache,
		cfg:     cfg,
		log:     log,
		retrier: retry.New(cfg.MaxAttempts, retry.Exponential(cfg.BackoffBase), log),
		now:     time.Now,
	}, nil
}

// Generate produces the reply text for one user message. history must end
// with the new user message (see HistoryAssembler). The boolean reports
// whether a real completion was obtained; false means the fixed apology is
// being returned after the retry budget was spent.
func (o *CompletionOrchestrator) Generate(ctx context.Context, user domain.User, history []domain.ChatMessage, newText string) (string, bool) {
	// Duplicate webhook deliveries inside the memo window reuse the reply
	// instead of issuing a second completion call.
	if cached, found, err := o.cache.GetResponse(ctx, user.ID, newText); err != nil {
		o.log.Warn("response memo lookup failed", "userId", user.ID, "err", err)
	} else if found {
		o.log.Info("memoized response reused", "userId", user.ID)
		return cached.ResponseText, true
	}

	if err := o.ensureConfig(ctx); err != nil {
		o.log.Error("completion config load failed", "err", err)
		return apologyText, false
	}

	messages := o.withSystemMessage(ctx, user, history)

	var text string
	err := o.retrier.Do(ctx, "completion", func(ctx context.Context) error {
		out, err := o.llm.Complete(ctx, o.model, messages)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		o.log.Error("completion attempts exhausted", "userId", user.ID, "status", upstreamStatus(err), "err", err)
		return apologyText, false
	}

	if err := o.cache.PutResponse(ctx, user.ID, newText, domain.CachedResponse{
		ResponseText: text,
		Timestamp:    o.now(),
	}, o.cfg.ResponseTTL); err != nil {
		o.log.Warn("response memoization failed", "userId", user.ID, "err", err)
	}
	return text, true
}

func (o *CompletionOrchestrator) withSystemMessage(ctx context.Context, user domain.User, history []domain.ChatMessage) []domain.ChatMessage {
	notes, err := o.store.GetReferenceNotes(ctx, 0)
	if err != nil {
		// The prompt is still usable without the feed.
		o.log.Warn("reference notes unavailable", "err", err)
	}
	displayName := user.DisplayName
	if displayName == "" {
		displayName = user.ID
	}
	system := buildSystemMessage(o.instructions, displayName, o.now(), notes)
	return append([]domain.ChatMessage{system}, history...)
}

func (o *CompletionOrchestrator) ensureConfig(ctx context.Context) error {
	o.cfgMu.RLock()
	if o.cfgLoaded {
		o.cfgMu.RUnlock()
		return nil
	}
	o.cfgMu.RUnlock()

	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	if o.cfgLoaded {
		return nil
	}

	prefix := strings.TrimRight(o.cfg.ParamPrefix, "/")
	instructions, err := o.params.GetParameter(ctx, prefix+"/system-prompt")
	if err != nil {
		return fmt.Errorf("usecase: load system prompt: %w", err)
	}
	model, err := o.params.GetParameter(ctx, prefix+"/config/model")
	if err != nil {
		return fmt.Errorf("usecase: load model: %w", err)
	}

	o.instructions = instructions
	o.model = model
	o.cfgLoaded = true
	return nil
}

func upstreamStatus(err error) int {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0
	}
	return statusErr.HTTPStatusCode()
}
