package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"line-relay/internal/domain"
	"line-relay/internal/repository"
)

const registryTimeFormat = "2006-01-02 15:04:05"

// Registry applies counter and timestamp mutations to the user registry.
// Writes run under a shared cache lock with a bounded acquisition wait; on a
// timeout the updater logs and proceeds without the lock rather than failing
// the interaction. The conditional create keeps first contact single-shot
// even in that unlocked window.
type Registry struct {
	store     ConversationStore
	cache     IdempotentCache
	messenger MessagingClient
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

func NewRegistry(store ConversationStore, cache IdempotentCache, messenger MessagingClient, cfg Config, log *slog.Logger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if cache == nil {
		return nil, errors.New("usecase: cache must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("usecase: messaging client must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:     store,
		cache:     cache,
		messenger: messenger,
		cfg:       cfg.WithDefaults(),
		log:       log,
		now:       time.Now,
	}, nil
}

// EnsureUser returns the registry record for userID, creating it (and its
// empty conversation) on first contact.
func (r *Registry) EnsureUser(ctx context.Context, userID string) (domain.User, error) {
	if userID == "" {
		return domain.User{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}

	u, found, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, newError(ErrorInternal, "registry_read_error", err)
	}
	if found {
		return u, nil
	}

	release, locked := r.cache.AcquireLock(ctx, "user-create:"+userID, r.cfg.CreateLockWait, r.cfg.LockTTL)
	if !locked {
		r.log.Warn("registry create lock timeout, proceeding unlocked", "userId", userID)
	}
	defer release()

	// Another invocation may have created the user while we waited.
	u, found, err = r.store.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, newError(ErrorInternal, "registry_read_error", err)
	}
	if found {
		return u, nil
	}

	profile := r.lookupProfile(ctx, userID)
	now := r.now().Format(registryTimeFormat)
	u = domain.User{
		ID:              userID,
		DisplayName:     profile.DisplayName,
		AvatarRef:       profile.PictureURL,
		MessageCount:    0,
		ConversationRef: userID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			existing, _, gerr := r.store.GetUser(ctx, userID)
			if gerr != nil {
				return domain.User{}, newError(ErrorInternal, "registry_read_error", gerr)
			}
			return existing, nil
		}
		return domain.User{}, newError(ErrorInternal, "registry_create_error", err)
	}
	r.log.Info("user registered", "userId", userID, "displayName", u.DisplayName)
	return u, nil
}

// RecordInteraction counts one processed message against the user,
// creating the record on first contact. Counter updates take the shorter
// lock wait; they touch an existing record only.
func (r *Registry) RecordInteraction(ctx context.Context, userID string) error {
	if _, err := r.EnsureUser(ctx, userID); err != nil {
		return err
	}

	release, locked := r.cache.AcquireLock(ctx, "user:"+userID, r.cfg.LockWait, r.cfg.LockTTL)
	if !locked {
		r.log.Warn("registry lock timeout, proceeding unlocked", "userId", userID)
	}
	defer release()

	if err := r.store.RecordUserMessage(ctx, userID, r.now().Format(registryTimeFormat)); err != nil {
		return newError(ErrorInternal, "registry_update_error", fmt.Errorf("record interaction: %w", err))
	}
	return nil
}

// lookupProfile resolves display name and avatar from the platform profile
// API through the TTL cache. A failed lookup degrades to an empty profile;
// registration must not depend on the profile endpoint being up.
func (r *Registry) lookupProfile(ctx context.Context, userID string) domain.Profile {
	if p, found, err := r.cache.GetProfile(ctx, userID); err != nil {
		r.log.Warn("profile cache lookup failed", "userId", userID, "err", err)
	} else if found {
		return p
	}

	p, err := r.messenger.GetProfile(ctx, userID)
	if err != nil {
		r.log.Warn("profile lookup failed", "userId", userID, "err", err)
		return domain.Profile{}
	}
	if err := r.cache.PutProfile(ctx, userID, p, r.cfg.ProfileTTL); err != nil {
		r.log.Warn("profile cache write failed", "userId", userID, "err", err)
	}
	return p
}
