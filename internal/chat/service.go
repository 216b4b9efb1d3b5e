package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/legisdraft/internal/domain"
	"github.com/tjfontaine/legisdraft/internal/generation"
	"github.com/tjfontaine/legisdraft/internal/storage"
	"github.com/tjfontaine/legisdraft/internal/tokens"
)

// Source names chat in notifications and generation records.
const Source = "chat"

const defaultTitle = "New conversation"

// Conversation is a conversation with its messages in client form.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

func fromStoredConversation(c *storage.Conversation) *Conversation {
	out := &Conversation{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Messages:  make([]Message, 0, len(c.Messages)),
	}
	for _, m := range c.Messages {
		out.Messages = append(out.Messages, FromStored(m))
	}
	return out
}

// SendRequest is a new user turn.
type SendRequest struct {
	Content string          `json:"content"`
	Mode    generation.Mode `json:"mode,omitempty"`
	Model   string          `json:"model,omitempty"`
}

// Reply is the outcome of a turn.
type Reply struct {
	User      Message `json:"user"`
	Assistant Message `json:"assistant"`
	// Superseded is set when a newer message in the same conversation
	// started before this one finished. The assistant message is not
	// stored then.
	Superseded bool               `json:"superseded,omitempty"`
	Result     *generation.Result `json:"-"`
}

// Option configures a Service.
type Option func(*Service)

// WithModel sets the model sent with every request. Empty lets the
// generation endpoint choose.
func WithModel(model string) Option {
	return func(s *Service) { s.model = model }
}

// WithHistoryBudget caps the tokens of earlier turns included in a prompt.
func WithHistoryBudget(n int) Option {
	return func(s *Service) { s.historyBudget = n }
}

// WithTokenCounter sets the token counter.
func WithTokenCounter(r *tokens.Registry) Option {
	return func(s *Service) { s.counter = r }
}

// WithConsumerOptions applies opts to every per-conversation Consumer.
func WithConsumerOptions(opts ...generation.ConsumerOption) Option {
	return func(s *Service) { s.consumerOpts = append(s.consumerOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service runs chat turns. Each conversation has its own Consumer, so a
// second turn sent while one is streaming supersedes the first.
type Service struct {
	store         storage.Store
	invoker       generation.Invoker
	counter       *tokens.Registry
	model         string
	historyBudget int
	consumerOpts  []generation.ConsumerOption
	logger        *slog.Logger

	mu        sync.Mutex
	consumers map[string]*generation.Consumer
}

// NewService creates a chat service.
func NewService(store storage.Store, invoker generation.Invoker, opts ...Option) *Service {
	s := &Service{
		store:         store,
		invoker:       invoker,
		historyBudget: 3000,
		logger:        slog.Default(),
		consumers:     make(map[string]*generation.Consumer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.counter == nil {
		s.counter = tokens.NewRegistry()
	}
	return s
}

// Consumer returns the conversation's Consumer, creating it on first use.
func (s *Service) Consumer(convID string) *generation.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.consumers[convID]
	if !ok {
		opts := append([]generation.ConsumerOption{
			generation.WithSource(Source),
			generation.WithLogger(s.logger.With(slog.String("conversation_id", convID))),
		}, s.consumerOpts...)
		c = generation.NewConsumer(s.invoker, opts...)
		s.consumers[convID] = c
	}
	return c
}

// CreateConversation starts a conversation for caller.
func (s *Service) CreateConversation(ctx context.Context, caller, title string) (*Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}
	conv := &storage.Conversation{
		ID:     "conv_" + uuid.NewString(),
		Caller: caller,
		Title:  title,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return fromStoredConversation(conv), nil
}

// ListConversations lists caller's conversations without messages.
func (s *Service) ListConversations(ctx context.Context, caller string, limit, offset int) ([]*Conversation, error) {
	list, err := s.store.ListConversations(ctx, storage.ListOptions{Caller: caller, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	out := make([]*Conversation, 0, len(list))
	for _, c := range list {
		out = append(out, fromStoredConversation(c))
	}
	return out, nil
}

// GetConversation returns one of caller's conversations with its messages.
func (s *Service) GetConversation(ctx context.Context, caller, id string) (*Conversation, error) {
	conv, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return fromStoredConversation(conv), nil
}

// DeleteConversation removes one of caller's conversations.
func (s *Service) DeleteConversation(ctx context.Context, caller, id string) error {
	if _, err := s.owned(ctx, caller, id); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.consumers, id)
	s.mu.Unlock()
	return nil
}

func (s *Service) owned(ctx context.Context, caller, id string) (*storage.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && conv.Caller != caller) {
		return nil, domain.ErrNotFound("conversation " + id + " not found")
	}
	return conv, err
}

// Send stores the user's message, generates the answer and stores it once
// final. onUpdate sees the assistant message every time it changes. A
// failed or superseded generation stores nothing for the assistant.
func (s *Service) Send(ctx context.Context, caller, convID string, in SendRequest, onUpdate func(Message)) (*Reply, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, domain.ErrInvalidRequest("content is required").WithCode(domain.ErrorCodeEmptyPrompt)
	}
	mode := in.Mode
	if mode == "" {
		mode = generation.ModeDefault
	}
	if !mode.Valid() {
		return nil, domain.ErrInvalidRequest("unknown mode " + string(mode)).WithCode(domain.ErrorCodeUnknownMode)
	}
	model := in.Model
	if model == "" {
		model = s.model
	}

	conv, err := s.owned(ctx, caller, convID)
	if err != nil {
		return nil, err
	}

	user := NewUserMessage(content)
	if err := s.persist(ctx, convID, user, mode, model); err != nil {
		return nil, err
	}

	req := generation.Request{
		Prompt: buildPrompt(conv.Messages, content, s.countModel(model), s.counter, s.historyBudget),
		Model:  model,
		Mode:   mode,
		Stream: true,
	}

	assistant := NewAssistantMessage()
	if onUpdate != nil {
		onUpdate(*assistant)
	}

	start := time.Now()
	res, runErr := s.Consumer(convID).Run(ctx, req, func(u generation.Update) {
		if assistant.Apply(u) && onUpdate != nil {
			onUpdate(*assistant)
		}
	})
	assistant.Finalize(res)

	// The turn is over; record it even if the caller went away.
	saveCtx := context.WithoutCancel(ctx)
	if err := s.store.SaveGeneration(saveCtx, storage.NewGenerationRecord(caller, Source, req, res, runErr, time.Since(start))); err != nil {
		s.logger.WarnContext(ctx, "failed to save generation record", slog.String("error", err.Error()))
	}

	reply := &Reply{User: *user, Assistant: *assistant, Superseded: res.Superseded, Result: res}
	if runErr != nil {
		return reply, runErr
	}
	if res.Superseded {
		s.logger.InfoContext(ctx, "discarding superseded reply",
			slog.String("conversation_id", convID),
			slog.Uint64("generation_id", res.RequestID),
		)
		return reply, nil
	}

	if err := s.persist(saveCtx, convID, assistant, mode, model); err != nil {
		return reply, err
	}
	reply.Assistant = *assistant
	return reply, nil
}

func (s *Service) persist(ctx context.Context, convID string, m *Message, mode generation.Mode, model string) error {
	n := s.counter.CountText(s.countModel(model), m.Content)
	m.Tokens = n.Tokens
	return s.store.AddMessage(ctx, convID, &storage.Message{
		ID:              m.ID,
		Role:            string(m.Role),
		Content:         m.Content,
		Mode:            string(mode),
		Model:           model,
		Tokens:          n.Tokens,
		TokensEstimated: n.Estimated,
		UsedFallback:    m.UsedFallback,
		CreatedAt:       m.Timestamp,
	})
}

// countModel is the model used for token counts when none is configured.
func (s *Service) countModel(model string) string {
	if model == "" {
		return "gpt-4o-mini"
	}
	return model
}
