package mediakit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tjfontaine/legisdraft/internal/domain"
	"github.com/tjfontaine/legisdraft/internal/generation"
	"github.com/tjfontaine/legisdraft/internal/storage"
)

// Source names media kits in notifications and generation records.
const Source = "media_kit"

// Request describes the bill and the pieces wanted.
type Request struct {
	BillNumber string   `json:"bill_number"`
	BillTitle  string   `json:"bill_title"`
	Summary    string   `json:"summary"`
	Audience   string   `json:"audience,omitempty"`
	Formats    []Format `json:"formats,omitempty"`
}

// Normalize validates r and fills defaults. No formats means a press release.
func (r *Request) Normalize() error {
	r.BillNumber = strings.TrimSpace(r.BillNumber)
	r.BillTitle = strings.TrimSpace(r.BillTitle)
	r.Summary = strings.TrimSpace(r.Summary)
	r.Audience = strings.TrimSpace(r.Audience)

	if r.BillNumber == "" && r.BillTitle == "" {
		return domain.ErrInvalidRequest("bill_number or bill_title is required")
	}
	if r.Summary == "" {
		return domain.ErrInvalidRequest("summary is required").WithCode(domain.ErrorCodeEmptyPrompt)
	}
	if r.Audience == "" {
		r.Audience = "the general public"
	}
	if len(r.Formats) == 0 {
		r.Formats = []Format{FormatPressRelease}
	}

	seen := make(map[Format]bool, len(r.Formats))
	formats := r.Formats[:0]
	for _, f := range r.Formats {
		parsed, err := ParseFormat(string(f))
		if err != nil {
			return domain.ErrInvalidRequest(err.Error())
		}
		if !seen[parsed] {
			seen[parsed] = true
			formats = append(formats, parsed)
		}
	}
	r.Formats = formats
	return nil
}

// Prompt builds the media-mode prompt for one format.
func (r Request) Prompt(f Format) string {
	var b strings.Builder
	b.WriteString(formatSpecs[f].instructions)
	b.WriteString("\n\nBill: ")
	switch {
	case r.BillNumber != "" && r.BillTitle != "":
		fmt.Fprintf(&b, "%s, %s", r.BillNumber, r.BillTitle)
	case r.BillNumber != "":
		b.WriteString(r.BillNumber)
	default:
		b.WriteString(r.BillTitle)
	}
	b.WriteString("\nAudience: ")
	b.WriteString(r.Audience)
	b.WriteString("\n\nSummary:\n")
	b.WriteString(r.Summary)
	return b.String()
}

// Piece is one generated format.
type Piece struct {
	Format       Format `json:"format"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	State        string `json:"state"`
	UsedFallback bool   `json:"used_fallback,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Kit is the generated media kit.
type Kit struct {
	BillNumber string  `json:"bill_number,omitempty"`
	BillTitle  string  `json:"bill_title,omitempty"`
	Pieces     []Piece `json:"pieces"`
}

// Failed counts pieces that could not be generated.
func (k *Kit) Failed() int {
	n := 0
	for _, p := range k.Pieces {
		if p.Error != "" {
			n++
		}
	}
	return n
}

// UpdateFunc receives each format's generation updates.
type UpdateFunc func(f Format, u generation.Update)

// Option configures a Generator.
type Option func(*Generator)

// WithModel sets the model sent with every request.
func WithModel(model string) Option {
	return func(g *Generator) { g.model = model }
}

// WithConsumerOptions applies opts to the Consumer of every kit.
func WithConsumerOptions(opts ...generation.ConsumerOption) Option {
	return func(g *Generator) { g.consumerOpts = append(g.consumerOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

// Generator produces media kits.
type Generator struct {
	invoker      generation.Invoker
	records      storage.GenerationStore
	model        string
	consumerOpts []generation.ConsumerOption
	logger       *slog.Logger
}

// NewGenerator creates a generator. records may be nil.
func NewGenerator(invoker generation.Invoker, records storage.GenerationStore, opts ...Option) *Generator {
	g := &Generator{
		invoker: invoker,
		records: records,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate runs one media request per format, in order. A format that
// fails is reported in its Piece and the kit continues; only cancellation
// stops the kit early, returning the pieces so far with the error.
func (g *Generator) Generate(ctx context.Context, caller string, req Request, onUpdate UpdateFunc) (*Kit, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	opts := append([]generation.ConsumerOption{
		generation.WithSource(Source),
		generation.WithLogger(g.logger),
	}, g.consumerOpts...)
	consumer := generation.NewConsumer(g.invoker, opts...)

	kit := &Kit{BillNumber: req.BillNumber, BillTitle: req.BillTitle}
	for _, f := range req.Formats {
		genReq := generation.Request{
			Prompt: req.Prompt(f),
			Model:  g.model,
			Mode:   generation.ModeMedia,
			Stream: true,
		}

		var sink generation.UpdateFunc
		if onUpdate != nil {
			sink = func(u generation.Update) { onUpdate(f, u) }
		}

		start := time.Now()
		res, err := consumer.Run(ctx, genReq, sink)
		g.record(ctx, caller, genReq, res, err, time.Since(start))

		piece := Piece{
			Format:       f,
			Title:        f.Title(),
			Content:      res.Text,
			State:        res.State.String(),
			UsedFallback: res.UsedFallback,
		}
		if err != nil {
			piece.Error = fmt.Sprintf("Error generating %s. Please try again later.", strings.ToLower(f.Title()))
		}
		kit.Pieces = append(kit.Pieces, piece)

		if errors.Is(err, generation.ErrCancelled) {
			return kit, err
		}
	}

	g.logger.InfoContext(ctx, "media kit generated",
		slog.String("bill", req.BillNumber),
		slog.Int("pieces", len(kit.Pieces)),
		slog.Int("failed", kit.Failed()),
	)
	return kit, nil
}

func (g *Generator) record(ctx context.Context, caller string, req generation.Request, res *generation.Result, runErr error, elapsed time.Duration) {
	if g.records == nil {
		return
	}
	rec := storage.NewGenerationRecord(caller, Source, req, res, runErr, elapsed)
	if err := g.records.SaveGeneration(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.WarnContext(ctx, "failed to save generation record", slog.String("error", err.Error()))
	}
}
