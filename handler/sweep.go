package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"line-relay/internal/usecase"
)

// Sweeper runs one pass over the pending-request queue.
type Sweeper interface {
	Sweep(ctx context.Context) (usecase.SweepResult, error)
}

// SweepHandler adapts the scheduled EventBridge trigger to a sweep. A
// returned error lets the scheduler retry; sweeps are idempotent, so a
// duplicate run is harmless.
type SweepHandler struct {
	sweeper Sweeper
	log     *slog.Logger
}

func NewSweepHandler(sweeper Sweeper, log *slog.Logger) (*SweepHandler, error) {
	if sweeper == nil {
		return nil, errors.New("handler: sweeper must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &SweepHandler{sweeper: sweeper, log: log}, nil
}

func (h *SweepHandler) Handle(ctx context.Context, event events.CloudWatchEvent) (usecase.SweepResult, error) {
	h.log.Info("sweep triggered", "source", event.Source, "time", event.Time)
	res, err := h.sweeper.Sweep(ctx)
	if err != nil {
		h.log.Error("sweep failed", "err", err)
		return res, err
	}
	return res, nil
}
