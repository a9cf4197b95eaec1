package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"line-relay/internal/integrations/line"
	"line-relay/internal/retry"
)

// Deliverer sends the final reply to the user. The reply handle is single
// use and short lived, so transient failures are retried with backoff while
// an expired or reused handle switches straight to the push channel keyed by
// the durable user id.
type Deliverer struct {
	messenger MessagingClient
	cfg       Config
	log       *slog.Logger

	retrier retry.Retrier
	sleep   func(time.Duration)
}

func NewDeliverer(messenger MessagingClient, cfg Config, log *slog.Logger) (*Deliverer, error) {
	if messenger == nil {
		return nil, errors.New("usecase: messaging client must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.WithDefaults()
	return &Deliverer{
		messenger: messenger,
		cfg:       cfg,
		log:       log,
		retrier:   retry.New(cfg.MaxAttempts, retry.Exponential(cfg.BackoffBase), log),
		sleep:     time.Sleep,
	}, nil
}

// Deliver sends text to the user, preferring the reply handle and falling
// back to push. Oversized text is split: the reply handle carries the first
// chunk (it can only be used once) and the remainder goes out over push
// after a short delay.
func (d *Deliverer) Deliver(ctx context.Context, replyToken, userID, text string) error {
	runes := []rune(text)
	if len(runes) <= d.cfg.ReplyMaxRunes {
		return d.deliverOne(ctx, replyToken, userID, text)
	}

	first := string(runes[:d.cfg.ReplyMaxRunes])
	rest := string(runes[d.cfg.ReplyMaxRunes:])

	if err := d.deliverOne(ctx, replyToken, userID, first); err != nil {
		return err
	}
	if userID == "" {
		d.log.Error("oversized reply remainder dropped, no durable user id")
		return ErrUndeliverable
	}
	d.sleep(d.cfg.SplitDelay)
	if err := d.messenger.Push(ctx, userID, rest); err != nil {
		return fmt.Errorf("usecase: push remainder: %w", err)
	}
	return nil
}

func (d *Deliverer) deliverOne(ctx context.Context, replyToken, userID, text string) error {
	if replyToken == "" {
		return d.pushFallback(ctx, userID, text, errors.New("no reply token"))
	}

	err := d.retrier.Do(ctx, "reply", func(ctx context.Context) error {
		err := d.messenger.Reply(ctx, replyToken, text)
		if err != nil && line.IsInvalidReplyToken(err) {
			// The handle is gone for good; retrying cannot help.
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	return d.pushFallback(ctx, userID, text, err)
}

func (d *Deliverer) pushFallback(ctx context.Context, userID, text string, cause error) error {
	if userID == "" {
		d.log.Error("reply undeliverable, no durable user id for push fallback", "cause", cause)
		return ErrUndeliverable
	}
	d.log.Warn("reply handle failed, using push fallback", "userId", userID, "cause", cause)
	if err := d.messenger.Push(ctx, userID, text); err != nil {
		return fmt.Errorf("usecase: push fallback: %w", err)
	}
	return nil
}
