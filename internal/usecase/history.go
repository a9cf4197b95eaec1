package usecase

import (
	"context"
	"errors"
	"fmt"

	"line-relay/internal/domain"
)

// HistoryAssembler reconstructs the bounded recent-turn window for a
// conversation and formats it for the completion request.
type HistoryAssembler struct {
	store  ConversationStore
	window int
}

func NewHistoryAssembler(store ConversationStore, window int) (*HistoryAssembler, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if window <= 0 {
		window = 10
	}
	return &HistoryAssembler{store: store, window: window}, nil
}

// Assemble returns the most recent window of turns, oldest first, followed
// by the new user message. A conversation with no transcript yields just the
// new message.
func (a *HistoryAssembler) Assemble(ctx context.Context, convID, newText string) ([]domain.ChatMessage, error) {
	turns, err := a.store.GetRecentTurns(ctx, convID, a.window)
	if err != nil {
		return nil, fmt.Errorf("usecase: assemble history: %w", err)
	}
	return turnsToMessages(turns, newText), nil
}
