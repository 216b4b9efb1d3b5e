package chat

import (
	"strings"

	"github.com/tjfontaine/legisdraft/internal/storage"
	"github.com/tjfontaine/legisdraft/internal/tokens"
)

// buildPrompt renders earlier turns and the new question as one prompt for
// the generation endpoint. The oldest turns are dropped until the history
// fits budget tokens; the question itself is always kept.
func buildPrompt(history []storage.Message, question, model string, counter *tokens.Registry, budget int) string {
	if len(history) == 0 {
		return question
	}

	used := counter.CountText(model, question).Tokens
	start := len(history)
	for start > 0 {
		m := history[start-1]
		n := counter.CountText(model, m.Content).Tokens + 4
		if used+n > budget {
			break
		}
		used += n
		start--
	}
	if start == len(history) {
		return question
	}

	var b strings.Builder
	b.WriteString("Conversation so far:\n\n")
	for _, m := range history[start:] {
		b.WriteString(speaker(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("User: ")
	b.WriteString(question)
	return b.String()
}

func speaker(role string) string {
	if role == string(RoleAssistant) {
		return "Assistant"
	}
	return "User"
}
