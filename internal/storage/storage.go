// Package storage defines the persistence ports for conversations, chat
// messages and generation records.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or record does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore persists chat conversations and their finalized messages.
type ConversationStore interface {
	// CreateConversation creates a new conversation
	CreateConversation(ctx context.Context, conv *Conversation) error

	// GetConversation retrieves a conversation by ID with its messages
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AddMessage appends a finalized message to a conversation
	AddMessage(ctx context.Context, convID string, msg *Message) error

	// ListConversations lists a caller's conversations, newest first, without messages
	ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error)

	// DeleteConversation deletes a conversation and its messages
	DeleteConversation(ctx context.Context, id string) error

	// Close closes the storage connection
	Close() error
}

// GenerationStore records the outcome of every generation request.
type GenerationStore interface {
	SaveGeneration(ctx context.Context, rec *GenerationRecord) error
	ListGenerations(ctx context.Context, opts ListOptions) ([]*GenerationRecord, error)
}

// Store is what the server needs from a backend.
type Store interface {
	ConversationStore
	GenerationStore
}

// Conversation is a chat thread owned by one caller.
type Conversation struct {
	ID        string            `json:"id"`
	Caller    string            `json:"caller"`
	Title     string            `json:"title"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []Message         `json:"messages,omitempty"`
}

// Message is a finalized chat message. Streaming messages are never stored.
type Message struct {
	ID              string    `json:"id"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	Mode            string    `json:"mode,omitempty"`
	Model           string    `json:"model,omitempty"`
	Tokens          int       `json:"tokens"`
	TokensEstimated bool      `json:"tokens_estimated,omitempty"`
	UsedFallback    bool      `json:"used_fallback,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// GenerationRecord is the terminal outcome of one Consumer run.
type GenerationRecord struct {
	ID           string        `json:"id"`
	Caller       string        `json:"caller"`
	Source       string        `json:"source"` // chat, media_kit, draft
	Mode         string        `json:"mode"`
	Model        string        `json:"model,omitempty"`
	Prompt       string        `json:"prompt"`
	Text         string        `json:"text,omitempty"`
	State        string        `json:"state"`
	UsedFallback bool          `json:"used_fallback"`
	StreamError  string        `json:"stream_error,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ListOptions defines options for listing conversations and records.
type ListOptions struct {
	Caller string
	Limit  int
	Offset int
}

// DefaultLimit applies when ListOptions.Limit is zero.
const DefaultLimit = 100

// EffectiveLimit returns Limit or DefaultLimit.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultLimit
	}
	return o.Limit
}
