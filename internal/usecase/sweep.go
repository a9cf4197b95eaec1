package usecase

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"line-relay/internal/domain"
)

// SweepService drains the pending queue on an externally scheduled interval
// and reprocesses whatever the fast path did not finish. Text messages are
// dispatched to the completion API in parallel and reconciled back to their
// originating requests by request id; everything else goes through the
// single-request path one at a time.
type SweepService struct {
	cache IdempotentCache
	relay *RelayService
	cfg   Config
	log   *slog.Logger
}

// SweepResult summarizes one sweep for logging and the scheduler response.
type SweepResult struct {
	Drained   int   `json:"drained"`
	Delivered int   `json:"delivered"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	Dropped   int   `json:"dropped"`
	Remaining int64 `json:"remaining"`
}

func NewSweepService(cache IdempotentCache, relay *RelayService, cfg Config, log *slog.Logger) (*SweepService, error) {
	if cache == nil {
		return nil, errors.New("usecase: cache must not be nil")
	}
	if relay == nil {
		return nil, errors.New("usecase: relay service must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &SweepService{cache: cache, relay: relay, cfg: cfg.WithDefaults(), log: log}, nil
}

// batchItem carries one eligible text request through fan-out and
// reconciliation.
type batchItem struct {
	req     domain.PendingRequest
	user    domain.User
	history []domain.ChatMessage
	reply   string
	ok      bool
}

// Sweep drains up to BatchSize queued request ids and processes them. The
// un-drained remainder stays queued for the next sweep.
func (s *SweepService) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	ids, err := s.cache.Drain(ctx, s.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Drained = len(ids)

	var batch []*batchItem
	for _, id := range ids {
		req, found, err := s.cache.GetPending(ctx, id)
		if err != nil {
			s.log.Warn("pending lookup failed", "requestId", id, "err", err)
			res.Dropped++
			continue
		}
		if !found {
			// Payload evicted before any path claimed it; the triggering
			// user gets no reply for this entry.
			s.log.Warn("pending payload expired, dropping", "requestId", id)
			res.Dropped++
			continue
		}
		processed, err := s.cache.IsProcessed(ctx, id)
		if err != nil {
			s.log.Warn("processed check failed", "requestId", id, "err", err)
		}
		if processed {
			res.Skipped++
			continue
		}

		if req.Event.IsTextMessage() {
			batch = append(batch, &batchItem{req: req})
			continue
		}
		if err := s.relay.Process(ctx, req); err != nil {
			s.log.Error("single-request processing failed", "requestId", id, "err", err)
			res.Failed++
			s.requeue(ctx, id)
			continue
		}
		res.Delivered++
	}

	s.dispatch(ctx, batch)

	for _, item := range batch {
		err := s.relay.Finish(ctx, item.req, item.user, item.req.Event.Message.Text, item.reply, item.ok)
		if err != nil {
			s.log.Error("batch entry failed", "requestId", item.req.RequestID, "err", err)
			res.Failed++
			s.requeue(ctx, item.req.RequestID)
			continue
		}
		res.Delivered++
	}

	if res.Remaining, err = s.cache.QueueLen(ctx); err != nil {
		s.log.Warn("queue length check failed", "err", err)
	}
	s.log.Info("sweep complete",
		"drained", res.Drained,
		"delivered", res.Delivered,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"dropped", res.Dropped,
		"remaining", res.Remaining,
	)
	return res, nil
}

// dispatch issues the collected completion calls concurrently and joins on
// all of them. One entry failing only marks that entry; the group error is
// never used to abort the others.
func (s *SweepService) dispatch(ctx context.Context, batch []*batchItem) {
	if len(batch) == 0 {
		return
	}
	g := new(errgroup.Group)
	for _, item := range batch {
		item := item
		g.Go(func() error {
			user, history, err := s.relay.prepare(ctx, item.req)
			if err != nil {
				s.log.Error("batch prepare failed", "requestId", item.req.RequestID, "err", err)
				item.user = domain.User{ID: item.req.Event.Source.UserID}
				item.ok = false
				return nil
			}
			item.user = user
			item.history = history
			item.reply, item.ok = s.relay.orchestrator.Generate(ctx, user, history, item.req.Event.Message.Text)
			return nil
		})
	}
	_ = g.Wait()
}

// requeue puts a failed id back so a later sweep can retry it; the pending
// TTL bounds how long that can go on.
func (s *SweepService) requeue(ctx context.Context, requestID string) {
	if err := s.cache.Enqueue(ctx, requestID); err != nil {
		s.log.Warn("requeue failed", "requestId", requestID, "err", err)
	}
}
