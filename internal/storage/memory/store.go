package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/legisdraft/internal/storage"
)

// Store is an in-memory implementation of storage.Store. Values are copied
// on the way in and out so callers never share state with the store.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*storage.Conversation
	generations   []*storage.GenerationRecord
	generationIDs map[string]struct{}
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		conversations: make(map[string]*storage.Conversation),
		generationIDs: make(map[string]struct{}),
	}
}

func (s *Store) CreateConversation(ctx context.Context, conv *storage.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}

	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	stored := copyConversation(conv, false)
	stored.Messages = nil
	s.conversations[conv.ID] = stored
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	return copyConversation(conv, true), nil
}

func (s *Store) AddMessage(ctx context.Context, convID string, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	conv.Messages = append(conv.Messages, *msg)
	conv.UpdatedAt = msg.CreatedAt

	return nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.Conversation
	for _, conv := range s.conversations {
		if conv.Caller != opts.Caller {
			continue
		}
		result = append(result, copyConversation(conv, false))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	return page(result, opts), nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; !exists {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	delete(s.conversations, id)
	return nil
}

func (s *Store) SaveGeneration(ctx context.Context, rec *storage.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.generationIDs[rec.ID]; exists {
		return fmt.Errorf("generation %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	stored := *rec
	s.generations = append(s.generations, &stored)
	s.generationIDs[rec.ID] = struct{}{}
	return nil
}

func (s *Store) ListGenerations(ctx context.Context, opts storage.ListOptions) ([]*storage.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.GenerationRecord
	for i := len(s.generations) - 1; i >= 0; i-- {
		if rec := s.generations[i]; rec.Caller == opts.Caller {
			cp := *rec
			result = append(result, &cp)
		}
	}

	return page(result, opts), nil
}

func (s *Store) Close() error {
	return nil
}

func page[T any](items []T, opts storage.ListOptions) []T {
	start := opts.Offset
	if start >= len(items) {
		return []T{}
	}
	end := start + opts.EffectiveLimit()
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func copyConversation(conv *storage.Conversation, withMessages bool) *storage.Conversation {
	cp := *conv
	if conv.Metadata != nil {
		cp.Metadata = make(map[string]string, len(conv.Metadata))
		for k, v := range conv.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Messages = nil
	if withMessages {
		cp.Messages = append([]storage.Message(nil), conv.Messages...)
	}
	return &cp
}
