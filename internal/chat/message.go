// Package chat holds conversations about bills. A user message is answered
// by an assistant message that is filled in as the generation streams and
// stored only once it is final.
package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/legisdraft/internal/generation"
	"github.com/tjfontaine/legisdraft/internal/storage"
)

// Role is who wrote a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a chat message as the client sees it. Content changes only
// while IsStreaming is true.
type Message struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	IsStreaming  bool      `json:"isStreaming"`
	State        string    `json:"state,omitempty"`
	UsedFallback bool      `json:"usedFallback,omitempty"`
	Tokens       int       `json:"tokens,omitempty"`
}

func newMessage(role Role, content string) *Message {
	return &Message{
		ID:        "msg_" + uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewUserMessage creates a final user message.
func NewUserMessage(content string) *Message {
	return newMessage(RoleUser, content)
}

// NewAssistantMessage creates an empty assistant message in the streaming state.
func NewAssistantMessage() *Message {
	m := newMessage(RoleAssistant, "")
	m.IsStreaming = true
	m.State = generation.StateIdle.String()
	return m
}

// Apply copies a Consumer update into the message. It reports whether the
// message changed; a finalized message ignores updates.
func (m *Message) Apply(u generation.Update) bool {
	if !m.IsStreaming {
		return false
	}
	changed := m.Content != u.Text || m.State != u.State.String()
	m.Content = u.Text
	m.State = u.State.String()
	return changed
}

// Finalize ends streaming with the terminal result.
func (m *Message) Finalize(res *generation.Result) {
	m.IsStreaming = false
	m.Content = res.Text
	m.State = res.State.String()
	m.UsedFallback = res.UsedFallback
}

// FromStored converts a persisted message.
func FromStored(sm storage.Message) Message {
	return Message{
		ID:           sm.ID,
		Role:         Role(sm.Role),
		Content:      sm.Content,
		Timestamp:    sm.CreatedAt,
		State:        generation.StateComplete.String(),
		UsedFallback: sm.UsedFallback,
		Tokens:       sm.Tokens,
	}
}
