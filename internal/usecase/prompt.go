package usecase

import (
	"fmt"
	"strings"
	"time"

	"line-relay/internal/domain"
)

const promptTimeFormat = "2006-01-02 15:04:05"

// buildSystemMessage assembles the single system message that leads every
// completion request: the operator instructions, then who the user is, the
// current time and the reference-note snapshot.
func buildSystemMessage(instructions, displayName string, now time.Time, notes []domain.ReferenceNote) domain.ChatMessage {
	content := fmt.Sprintf(
		"%s\n\n# User name: %s\n# Current time: %s\n# Reference notes:\n%s",
		strings.TrimSpace(instructions),
		displayName,
		now.Format(promptTimeFormat),
		renderReferenceNotes(notes),
	)
	return domain.ChatMessage{Role: "system", Content: content}
}

// renderReferenceNotes flattens the feed into one line per record.
func renderReferenceNotes(notes []domain.ReferenceNote) string {
	if len(notes) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(notes))
	for _, n := range notes {
		if n.Date != "" {
			lines = append(lines, n.Date+"  "+n.Text)
			continue
		}
		lines = append(lines, n.Text)
	}
	return strings.Join(lines, "\n")
}

// turnsToMessages expands persisted turns into alternating user/assistant
// messages, oldest first, and appends the new user message last.
func turnsToMessages(turns []domain.Turn, newText string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(turns)*2+1)
	for _, t := range turns {
		messages = append(messages,
			domain.ChatMessage{Role: "user", Content: t.UserText},
			domain.ChatMessage{Role: "assistant", Content: t.AssistantText},
		)
	}
	return append(messages, domain.ChatMessage{Role: "user", Content: newText})
}
