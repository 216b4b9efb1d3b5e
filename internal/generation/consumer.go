package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/legisdraft/internal/notify"
)

const tracerName = "github.com/tjfontaine/legisdraft/internal/generation"

// State is the Consumer's view of a request.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateFallingBack
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateFallingBack:
		return "falling_back"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether s ends a request.
func (s State) Terminal() bool { return s == StateComplete || s == StateFailed }

// Update is published on every state transition and every accumulated delta.
// Text is always the full text of the current attempt.
type Update struct {
	RequestID uint64 `json:"request_id"`
	State     State  `json:"state"`
	Text      string `json:"text"`
}

// UpdateFunc receives updates.
type UpdateFunc func(Update)

// Result is the terminal outcome of a request.
type Result struct {
	RequestID    uint64
	State        State
	Text         string
	UsedFallback bool
	// StreamErr is why the streaming attempt was abandoned, if it was.
	StreamErr error
	// Superseded is set when a newer request started on the same Consumer
	// before this one finished.
	Superseded bool
}

// Invoker is the transport the Consumer drives. *Client implements it.
type Invoker interface {
	Open(ctx context.Context, req Request) (*Body, error)
	Complete(ctx context.Context, req Request) (string, error)
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithUpdateFunc registers the sink for the Consumer's visible state.
// Updates from superseded requests never reach it.
func WithUpdateFunc(fn UpdateFunc) ConsumerOption {
	return func(c *Consumer) {
		c.onUpdate = fn
	}
}

// WithStreamTimeout bounds the streaming attempt. Expiry triggers the
// fallback. Zero disables the bound.
func WithStreamTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.streamTimeout = d
	}
}

// WithFallbackTimeout bounds the fallback attempt. Zero disables the bound.
func WithFallbackTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.fallbackTimeout = d
	}
}

// WithPublisher sets where user-facing notifications go.
func WithPublisher(p notify.Publisher) ConsumerOption {
	return func(c *Consumer) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithSource names the feature the Consumer serves in notifications.
func WithSource(source string) ConsumerOption {
	return func(c *Consumer) {
		c.source = source
	}
}

// WithSuccessNotifications emits a success notification on completion.
func WithSuccessNotifications() ConsumerOption {
	return func(c *Consumer) {
		c.notifySuccess = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDecoderOptions configures the line decoder used for each stream.
func WithDecoderOptions(opts ...DecoderOption) ConsumerOption {
	return func(c *Consumer) {
		c.decoderOpts = append(c.decoderOpts, opts...)
	}
}

// Consumer drives generation requests to a terminal state and owns the
// visible "current text". Every Run takes a new, monotonically increasing
// request id; only the newest request may change the visible state.
type Consumer struct {
	invoker         Invoker
	onUpdate        UpdateFunc
	streamTimeout   time.Duration
	fallbackTimeout time.Duration
	publisher       notify.Publisher
	source          string
	notifySuccess   bool
	logger          *slog.Logger
	tracer          trace.Tracer
	decoderOpts     []DecoderOption

	latest  atomic.Uint64
	mu      sync.Mutex
	current Update
}

// NewConsumer creates a Consumer over inv.
func NewConsumer(inv Invoker, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		invoker:   inv,
		publisher: notify.Nop{},
		source:    "generation",
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Latest returns the id of the newest request.
func (c *Consumer) Latest() uint64 { return c.latest.Load() }

// Current returns the visible state: the last update of the newest request.
func (c *Consumer) Current() Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Run drives req to Complete or Failed. onUpdate, if non-nil, receives every
// update of this request regardless of fencing. The returned Result is never
// nil. The error is non-nil exactly when the request failed: a
// *FallbackError when both attempts failed, or ErrCancelled when ctx was
// cancelled. A ctx deadline is a failure of whichever attempt it cuts
// short, not a cancellation.
func (c *Consumer) Run(ctx context.Context, req Request, onUpdate UpdateFunc) (*Result, error) {
	id := c.latest.Add(1)
	res := &Result{RequestID: id}

	ctx, span := c.tracer.Start(ctx, "generation.Run", trace.WithAttributes(
		attribute.Int64("generation.request_id", int64(id)),
		attribute.String("generation.mode", string(req.Mode)),
		attribute.String("generation.model", req.Model),
	))
	defer span.End()

	logger := c.logger.With(
		slog.Uint64("generation_id", id),
		slog.String("mode", string(req.Mode)),
		slog.String("source", c.source),
	)

	emit := func(state State, text string) {
		res.State = state
		u := Update{RequestID: id, State: state, Text: text}
		if onUpdate != nil {
			onUpdate(u)
		}
		c.publishVisible(u)
	}

	finish := func() {
		res.Superseded = c.latest.Load() != id
		span.SetAttributes(
			attribute.String("generation.state", res.State.String()),
			attribute.Bool("generation.fallback", res.UsedFallback),
			attribute.Int("generation.text_length", len(res.Text)),
		)
	}

	emit(StateStreaming, "")
	text, streamErr := c.stream(ctx, req, func(text string) { emit(StateStreaming, text) })
	if streamErr == nil {
		res.Text = text
		emit(StateComplete, text)
		finish()
		c.notifyComplete(ctx, req)
		logger.DebugContext(ctx, "generation complete", slog.Int("length", len(text)))
		return res, nil
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return c.cancelled(ctx, span, res, emit, finish, logger)
	}

	res.StreamErr = streamErr
	res.UsedFallback = true
	logger.WarnContext(ctx, "streaming failed, falling back to non-streaming request",
		slog.String("error", streamErr.Error()),
	)
	span.AddEvent("fallback", trace.WithAttributes(attribute.String("cause", streamErr.Error())))

	emit(StateFallingBack, "")
	text, fbErr := c.fallback(ctx, req)
	if fbErr != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return c.cancelled(ctx, span, res, emit, finish, logger)
		}
		err := &FallbackError{StreamErr: streamErr, Err: fbErr}
		emit(StateFailed, "")
		finish()
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		logger.ErrorContext(ctx, "generation failed", slog.String("error", err.Error()))
		c.notifyFailure(ctx, req)
		return res, err
	}

	res.Text = text
	emit(StateComplete, text)
	finish()
	c.notifyComplete(ctx, req)
	logger.InfoContext(ctx, "generation completed via fallback", slog.Int("length", len(text)))
	return res, nil
}

func (c *Consumer) cancelled(ctx context.Context, span trace.Span, res *Result, emit func(State, string), finish func(), logger *slog.Logger) (*Result, error) {
	res.Text = ""
	emit(StateFailed, "")
	finish()
	span.SetStatus(codes.Error, "cancelled")
	logger.InfoContext(ctx, "generation cancelled", slog.String("cause", context.Cause(ctx).Error()))
	return res, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// stream runs the streaming attempt with its own StreamState. It returns the
// accumulated text or the reason the attempt must fall back.
func (c *Consumer) stream(ctx context.Context, req Request, publish func(string)) (string, error) {
	sctx := ctx
	if c.streamTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeoutCause(ctx, c.streamTimeout, ErrStreamTimeout)
		defer cancel()
	}

	timedOut := func(err error) error {
		if ctx.Err() == nil && errors.Is(context.Cause(sctx), ErrStreamTimeout) {
			return fmt.Errorf("%w after %s", ErrStreamTimeout, c.streamTimeout)
		}
		return err
	}

	body, err := c.invoker.Open(sctx, req.Streaming())
	if err != nil {
		return "", timedOut(err)
	}
	defer body.Close()

	acc := NewAccumulator(publish)
	dec := NewLineDecoder(body, c.decoderOpts...)
	for {
		line, err := dec.Next(sctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			acc.Fail()
			return "", timedOut(fmt.Errorf("read stream: %w", err))
		}

		d := ParseLine(line)
		if d.Kind == DeltaDone {
			break
		}
		acc.Apply(d)
	}

	if acc.Len() == 0 {
		acc.Fail()
		return "", ErrNoText
	}
	acc.Complete()
	return acc.Text(), nil
}

// fallback issues the single non-streaming retry.
func (c *Consumer) fallback(ctx context.Context, req Request) (string, error) {
	fctx := ctx
	if c.fallbackTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, c.fallbackTimeout)
		defer cancel()
	}
	return c.invoker.Complete(fctx, req.NonStreaming())
}

// publishVisible delivers u to the visible state unless a newer request has
// started. Delivery happens under the lock so a stale update can never land
// after a newer one; the sink must not call back into the Consumer.
func (c *Consumer) publishVisible(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.RequestID != c.latest.Load() {
		return
	}
	c.current = u
	if c.onUpdate != nil {
		c.onUpdate(u)
	}
}

func (c *Consumer) notifyFailure(ctx context.Context, req Request) {
	msg := fmt.Sprintf("Error generating %s. Please try again later.", req.Mode.Label())
	if err := c.publisher.Publish(context.WithoutCancel(ctx), notify.Error(c.source, msg)); err != nil {
		c.logger.WarnContext(ctx, "failed to publish notification", slog.String("error", err.Error()))
	}
}

func (c *Consumer) notifyComplete(ctx context.Context, req Request) {
	if !c.notifySuccess {
		return
	}
	msg := fmt.Sprintf("Generated %s.", req.Mode.Label())
	if err := c.publisher.Publish(ctx, notify.Success(c.source, msg)); err != nil {
		c.logger.WarnContext(ctx, "failed to publish notification", slog.String("error", err.Error()))
	}
}
