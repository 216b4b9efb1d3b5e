// Package edge implements the text generation endpoint that the Consumer
// talks to. It turns a {prompt, type, stream} request into an upstream chat
// completion and streams the upstream deltas back as SSE.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/legisdraft/internal/api/openai"
	"github.com/tjfontaine/legisdraft/internal/codec"
	"github.com/tjfontaine/legisdraft/internal/domain"
	"github.com/tjfontaine/legisdraft/internal/generation"
)

// Path is where the handler is mounted.
const Path = "/functions/v1/generate-text"

const maxBodyBytes = 1 << 20

// Upstream is the chat completions API behind the endpoint.
type Upstream interface {
	CreateChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, req *openai.ChatCompletionRequest) (<-chan openai.StreamResult, error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithModel sets the model used when a request names none.
func WithModel(model string) Option {
	return func(h *Handler) { h.model = model }
}

// WithMaxTokens caps the upstream completion length.
func WithMaxTokens(n int) Option {
	return func(h *Handler) { h.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t *float32) Option {
	return func(h *Handler) { h.temperature = t }
}

// WithAllowedOrigin sets Access-Control-Allow-Origin.
func WithAllowedOrigin(origin string) Option {
	return func(h *Handler) { h.allowedOrigin = origin }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// Handler serves POST /functions/v1/generate-text.
type Handler struct {
	upstream      Upstream
	model         string
	maxTokens     int
	temperature   *float32
	allowedOrigin string
	logger        *slog.Logger
}

// NewHandler creates a handler backed by upstream.
func NewHandler(upstream Upstream, opts ...Option) *Handler {
	h := &Handler{
		upstream:      upstream,
		model:         "gpt-4o-mini",
		allowedOrigin: "*",
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// streamChunk is the minimal chunk shape the Consumer's delta decoder reads.
type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

type completionBody struct {
	GeneratedText string `json:"generatedText"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setCORS(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		codec.WriteError(w, domain.ErrInvalidRequest("method not allowed").WithStatusCode(http.StatusMethodNotAllowed))
		return
	}

	req, err := decodeRequest(w, r)
	if err != nil {
		codec.WriteError(w, err)
		return
	}

	ctx, span := otel.Tracer("github.com/tjfontaine/legisdraft/internal/edge").Start(r.Context(), "edge.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("generation.mode", string(req.Mode)),
		attribute.Bool("generation.stream", req.Stream),
	)

	upReq := h.upstreamRequest(req)
	span.SetAttributes(attribute.String("generation.model", upReq.Model))

	if req.Stream {
		err = h.stream(ctx, w, upReq)
	} else {
		err = h.complete(ctx, w, upReq)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (generation.Request, error) {
	var req generation.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		if errors.Is(err, generation.ErrUnknownMode) {
			return req, domain.ErrInvalidRequest(err.Error()).WithCode(domain.ErrorCodeUnknownMode)
		}
		return req, domain.ErrInvalidRequest("invalid JSON body: " + err.Error())
	}
	if err := req.Validate(); err != nil {
		if errors.Is(err, generation.ErrEmptyPrompt) {
			return req, domain.ErrInvalidRequest(err.Error()).WithCode(domain.ErrorCodeEmptyPrompt)
		}
		return req, domain.ErrInvalidRequest(err.Error()).WithCode(domain.ErrorCodeUnknownMode)
	}
	return req, nil
}

func (h *Handler) upstreamRequest(req generation.Request) *openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = h.model
	}
	return &openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: SystemPrompt(req.Mode)},
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens:   h.maxTokens,
		Temperature: h.temperature,
	}
}

func (h *Handler) complete(ctx context.Context, w http.ResponseWriter, req *openai.ChatCompletionRequest) error {
	resp, err := h.upstream.CreateChatCompletion(ctx, req)
	if err != nil {
		h.logger.Error("upstream completion failed", slog.String("model", req.Model), slog.String("error", err.Error()))
		codec.WriteError(w, err)
		return err
	}
	codec.WriteJSON(w, http.StatusOK, completionBody{GeneratedText: resp.Text()})
	return nil
}

// stream relays upstream deltas. Errors before the first byte become JSON
// error responses; a mid-stream error ends the body without [DONE].
func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, req *openai.ChatCompletionRequest) error {
	results, err := h.upstream.StreamChatCompletion(ctx, req)
	if err != nil {
		h.logger.Error("upstream stream failed", slog.String("model", req.Model), slog.String("error", err.Error()))
		codec.WriteError(w, err)
		return err
	}

	sse, err := codec.NewSSEWriter(w)
	if err != nil {
		codec.WriteError(w, err)
		return err
	}

	for res := range results {
		if res.Err != nil {
			h.logger.Warn("upstream stream interrupted", slog.String("model", req.Model), slog.String("error", res.Err.Error()))
			drain(results)
			return res.Err
		}
		content := res.Chunk.ContentDelta()
		if content == "" {
			continue
		}
		chunk := streamChunk{Choices: make([]streamChoice, 1)}
		chunk.Choices[0].Delta.Content = content
		data, err := marshalChunk(chunk)
		if err != nil {
			h.logger.Error("failed to encode stream chunk", slog.String("error", err.Error()))
			drain(results)
			return err
		}
		if err := sse.Data(string(data)); err != nil {
			drain(results)
			return err
		}
	}

	return sse.Data("[DONE]")
}

var marshalChunk = func(c streamChunk) ([]byte, error) { return json.Marshal(c) }

// drain lets the upstream reader goroutine finish after the request context
// is cancelled.
func drain(results <-chan openai.StreamResult) {
	go func() {
		for range results {
		}
	}()
}

func (h *Handler) setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", h.allowedOrigin)
	w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
}
